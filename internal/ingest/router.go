package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/channels"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/rs/zerolog"
)

// Publisher is the broker surface generic events are forwarded to.
type Publisher interface {
	Broadcast(ctx context.Context, topic string, msg protocol.Message) broker.Delivery
	SendToUser(ctx context.Context, userID string, msg protocol.Message) broker.Delivery
}

type HealthPublisher interface {
	Publish(ctx context.Context, r channels.Reading) (broker.Delivery, error)
}

type NotificationPublisher interface {
	Publish(ctx context.Context, n channels.Notification) (broker.Delivery, error)
}

type ChatSender interface {
	Send(ctx context.Context, conversationID, senderID, content string) (channels.ChatMessage, error)
}

// Router turns backend events into deliveries. The domain publishers are
// optional; without one, its event type is routed generically.
type Router struct {
	Publisher     Publisher
	Health        HealthPublisher
	Notifications NotificationPublisher
	Chat          ChatSender
	Logger        zerolog.Logger
}

type chatEvent struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

// Route handles one raw event from source. Errors are recorded per source and
// returned so the caller can log them; they never stop consumption.
func (r *Router) Route(ctx context.Context, source string, data []byte) (broker.Delivery, error) {
	d, err := r.route(ctx, data)
	if err != nil {
		monitoring.RecordIngestEvent(source, "error")
		return d, err
	}
	monitoring.RecordIngestEvent(source, "ok")
	return d, nil
}

func (r *Router) route(ctx context.Context, data []byte) (broker.Delivery, error) {
	ev, err := Decode(data)
	if err != nil {
		return broker.Delivery{}, err
	}

	switch {
	case ev.Type == EventHealthReading && r.Health != nil:
		var reading channels.Reading
		if err := json.Unmarshal(ev.Payload, &reading); err != nil {
			return broker.Delivery{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, ev.Type, err)
		}
		if reading.UserID == "" {
			reading.UserID = ev.UserID
		}
		return r.Health.Publish(ctx, reading)

	case ev.Type == EventNotification && r.Notifications != nil:
		var n channels.Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			return broker.Delivery{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, ev.Type, err)
		}
		if n.UserID == "" {
			n.UserID = ev.UserID
		}
		return r.Notifications.Publish(ctx, n)

	case ev.Type == EventChatMessage && r.Chat != nil:
		var c chatEvent
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return broker.Delivery{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, ev.Type, err)
		}
		if c.ConversationID == "" || c.Content == "" {
			return broker.Delivery{}, fmt.Errorf("%w: chat_message needs conversation_id and content", ErrInvalidEvent)
		}
		if c.SenderID == "" {
			c.SenderID = ev.UserID
		}
		_, err := r.Chat.Send(ctx, c.ConversationID, c.SenderID, c.Content)
		return broker.Delivery{}, err
	}

	fields, err := ev.fields()
	if err != nil {
		return broker.Delivery{}, err
	}
	msg := protocol.NewMessage(ev.Type, fields)

	switch {
	case ev.Topic != "":
		if _, err := broker.ParseTopic(ev.Topic); err != nil {
			return broker.Delivery{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return r.Publisher.Broadcast(ctx, ev.Topic, msg), nil
	case ev.UserID != "":
		return r.Publisher.SendToUser(ctx, ev.UserID, msg), nil
	}
	return broker.Delivery{}, fmt.Errorf("%w: %s needs topic or user_id", ErrInvalidEvent, ev.Type)
}

// handle routes data and logs failures. Sources call it for every message.
func (r *Router) handle(ctx context.Context, source string, data []byte) {
	d, err := r.Route(ctx, source, data)
	if err != nil {
		r.Logger.Warn().
			Str("source", source).
			Err(err).
			Msg("Dropped backend event")
		return
	}
	r.Logger.Debug().
		Str("source", source).
		Int("targets", d.Targets).
		Int("delivered", d.Delivered).
		Msg("Backend event delivered")
}
