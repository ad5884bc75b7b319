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

const notificationsChannel = "notifications"

type Notification struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Category       string         `json:"category"`
	Priority       string         `json:"priority,omitempty"`
	Title          string         `json:"title"`
	Body           string         `json:"body,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	DismissedAt    *time.Time     `json:"dismissed_at,omitempty"`
}

// NotificationsHandler serves /ws/notifications.
type NotificationsHandler struct {
	broker Broker
	store  NotificationStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewNotificationsHandler(b Broker, store NotificationStore, logger zerolog.Logger) *NotificationsHandler {
	return &NotificationsHandler{
		broker: b,
		store:  store,
		logger: logger.With().Str("component", "notifications_handler").Logger(),
		now:    time.Now,
	}
}

func (h *NotificationsHandler) Name() string       { return "notifications" }
func (h *NotificationsHandler) Channels() []string { return []string{notificationsChannel} }

func (h *NotificationsHandler) DefaultTopic(p auth.Principal) string {
	return broker.UserTopic(notificationsChannel, "all", p.UserID)
}

func (h *NotificationsHandler) Kinds() []protocol.Kind {
	return []protocol.Kind{
		protocol.KindUpdatePreferences,
		protocol.KindAcknowledge,
		protocol.KindDismiss,
		protocol.KindGetHistory,
		protocol.KindMarkRead,
	}
}

func (h *NotificationsHandler) Handle(ctx context.Context, req Request) error {
	userID := req.Principal.UserID

	switch req.Inbound.Kind {
	case protocol.KindUpdatePreferences:
		p, err := protocol.Decode[protocol.Preferences](req.Inbound)
		if err != nil {
			return err
		}
		prefs, err := h.store.SetPreferences(ctx, userID, p.Preferences)
		if err != nil {
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypePreferencesUpdated, map[string]any{
			"preferences": prefs,
		}))

	case protocol.KindAcknowledge:
		return h.mark(ctx, req, protocol.TypeNotificationAcknowledged, func(n *Notification, at time.Time) {
			n.AcknowledgedAt = stamp(at)
			if n.ReadAt == nil {
				n.ReadAt = stamp(at)
			}
		})

	case protocol.KindDismiss:
		return h.mark(ctx, req, protocol.TypeNotificationDismissed, func(n *Notification, at time.Time) {
			n.DismissedAt = stamp(at)
		})

	case protocol.KindMarkRead:
		return h.mark(ctx, req, protocol.TypeNotificationRead, func(n *Notification, at time.Time) {
			if n.ReadAt == nil {
				n.ReadAt = stamp(at)
			}
		})

	case protocol.KindGetHistory:
		p, err := protocol.Decode[protocol.NotificationHistory](req.Inbound)
		if err != nil {
			return err
		}
		list, err := h.store.List(ctx, userID, p.Limit, p.UnreadOnly)
		if err != nil {
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeNotificationHistory, map[string]any{
			"notifications": list,
		}))
	}
	return &protocol.UnknownMessageTypeError{Type: string(req.Inbound.Kind)}
}

func (h *NotificationsHandler) mark(ctx context.Context, req Request, replyType string, fn func(*Notification, time.Time)) error {
	p, err := protocol.Decode[protocol.NotificationRef](req.Inbound)
	if err != nil {
		return err
	}
	at := h.now().UTC()
	n, err := h.store.Update(ctx, req.Principal.UserID, p.NotificationID, func(n *Notification) { fn(n, at) })
	if err != nil {
		return err
	}
	return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(replyType, map[string]any{
		"notification_id": n.ID,
	}))
}

// Publish stores n and delivers it to the owner's notification topic unless
// the owner disabled its category. Disabled notifications are still stored.
func (h *NotificationsHandler) Publish(ctx context.Context, n Notification) (broker.Delivery, error) {
	if n.UserID == "" || n.Title == "" {
		return broker.Delivery{}, fmt.Errorf("%w: notification needs user_id and title", protocol.ErrMalformedMessage)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Category == "" {
		n.Category = "general"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now().UTC()
	}
	if err := h.store.Add(ctx, n); err != nil {
		return broker.Delivery{}, err
	}

	prefs, err := h.store.Preferences(ctx, n.UserID)
	if err != nil {
		return broker.Delivery{}, err
	}
	if enabled, ok := prefs[n.Category]; ok && !enabled {
		h.logger.Debug().
			Str("user_id", n.UserID).
			Str("category", n.Category).
			Msg("Notification suppressed by preferences")
		return broker.Delivery{}, nil
	}

	return h.broker.Broadcast(ctx, broker.UserTopic(notificationsChannel, "all", n.UserID),
		protocol.NewMessage(protocol.TypeNotification, map[string]any{"notification": n})), nil
}
