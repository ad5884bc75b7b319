package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const healthChannel = "health_data"

type Reading struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Threshold struct {
	Metric string   `json:"metric"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Breached reports whether v falls outside the threshold.
func (t Threshold) Breached(v float64) bool {
	return (t.Min != nil && v < *t.Min) || (t.Max != nil && v > *t.Max)
}

type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold Threshold `json:"threshold"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

// HealthHandler serves /ws/health: reading queries, alert thresholds and
// live reading updates.
type HealthHandler struct {
	broker Broker
	store  HealthStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewHealthHandler(b Broker, store HealthStore, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		broker: b,
		store:  store,
		logger: logger.With().Str("component", "health_handler").Logger(),
		now:    time.Now,
	}
}

func (h *HealthHandler) Name() string       { return "health" }
func (h *HealthHandler) Channels() []string { return []string{healthChannel} }

func (h *HealthHandler) DefaultTopic(p auth.Principal) string {
	return broker.UserTopic(healthChannel, "all", p.UserID)
}

func (h *HealthHandler) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindGetHealthData, protocol.KindSetAlertThreshold}
}

func (h *HealthHandler) Handle(ctx context.Context, req Request) error {
	switch req.Inbound.Kind {
	case protocol.KindGetHealthData:
		q, err := protocol.Decode[protocol.HealthDataQuery](req.Inbound)
		if err != nil {
			return err
		}
		readings, err := h.store.Readings(ctx, req.Principal.UserID, q.Metric, q.Limit)
		if err != nil {
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeHealthData, map[string]any{
			"metric": q.Metric,
			"data":   readings,
		}))

	case protocol.KindSetAlertThreshold:
		p, err := protocol.Decode[protocol.AlertThreshold](req.Inbound)
		if err != nil {
			return err
		}
		t := Threshold{Metric: p.Metric, Min: p.Min, Max: p.Max}
		if err := h.store.SetThreshold(ctx, req.Principal.UserID, t); err != nil {
			return err
		}
		h.logger.Debug().
			Str("user_id", req.Principal.UserID).
			Str("metric", t.Metric).
			Msg("Alert threshold set")
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeAlertThresholdSet, map[string]any{
			"threshold": t,
		}))
	}
	return &protocol.UnknownMessageTypeError{Type: string(req.Inbound.Kind)}
}

// Publish stores a reading and pushes it to the owner's health topics. A
// reading outside the owner's threshold for that metric also raises a
// health_alert on the default topic.
func (h *HealthHandler) Publish(ctx context.Context, r Reading) (broker.Delivery, error) {
	if r.UserID == "" || r.Metric == "" {
		return broker.Delivery{}, fmt.Errorf("%w: reading needs user_id and metric", protocol.ErrMalformedMessage)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = h.now().UTC()
	}
	if err := h.store.AddReading(ctx, r); err != nil {
		return broker.Delivery{}, err
	}

	update := protocol.NewMessage(protocol.TypeHealthDataUpdate, map[string]any{"data": r})
	allTopic := broker.UserTopic(healthChannel, "all", r.UserID)
	d := h.broker.Broadcast(ctx, allTopic, update)
	metricDelivery := h.broker.Broadcast(ctx, broker.UserTopic(healthChannel, r.Metric, r.UserID), update)
	d.Targets += metricDelivery.Targets
	d.Delivered += metricDelivery.Delivered
	d.Failed += metricDelivery.Failed

	t, ok, err := h.store.Threshold(ctx, r.UserID, r.Metric)
	if err != nil || !ok || !t.Breached(r.Value) {
		return d, err
	}

	alert := Alert{
		ID:        uuid.NewString(),
		UserID:    r.UserID,
		Metric:    r.Metric,
		Value:     r.Value,
		Threshold: t,
		Message:   fmt.Sprintf("%s reading %g is outside the configured range", r.Metric, r.Value),
		RaisedAt:  h.now().UTC(),
	}
	h.logger.Info().
		Str("user_id", r.UserID).
		Str("metric", r.Metric).
		Float64("value", r.Value).
		Msg("Health alert raised")
	h.broker.Broadcast(ctx, allTopic, protocol.NewMessage(protocol.TypeHealthAlert, map[string]any{"alert": alert}))
	return d, nil
}
