// Package channels routes inbound socket frames for the health, chat and
// notifications endpoints.
//
// The Router owns the message types every endpoint shares (authentication,
// subscribe, unsubscribe, ping, replay) and hands the rest to the endpoint's
// Handler. Handlers keep no connection state; everything they know about a
// connection comes from the Broker.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/rs/zerolog"
)

// Broker is the part of *broker.Broker the channel layer uses.
type Broker interface {
	Authenticate(ctx context.Context, id, token string) (auth.Principal, error)
	Subscribe(id, topic string) (broker.Topic, error)
	Unsubscribe(id, topic string) error
	MarkError(id string, cause error)
	SendTo(ctx context.Context, id string, msg protocol.Message) error
	Broadcast(ctx context.Context, topic string, msg protocol.Message) broker.Delivery
	SendToUser(ctx context.Context, userID string, msg protocol.Message) broker.Delivery
	History(id, topic string, limit int) ([]json.RawMessage, error)
	Connection(id string) (broker.ConnectionInfo, bool)
}

// Request is one domain frame from an authenticated connection.
type Request struct {
	ConnID    string
	Principal auth.Principal
	Inbound   protocol.Inbound
}

// Handler implements one channel endpoint.
type Handler interface {
	// Name identifies the endpoint in logs and connection metadata.
	Name() string
	// Channels lists the topic channel segments clients of this endpoint may
	// subscribe to.
	Channels() []string
	// DefaultTopic is subscribed right after a successful authentication.
	DefaultTopic(p auth.Principal) string
	Kinds() []protocol.Kind
	Handle(ctx context.Context, req Request) error
}

type Router struct {
	broker  Broker
	handler Handler
	kinds   map[protocol.Kind]struct{}
	logger  zerolog.Logger
}

func NewRouter(b Broker, h Handler, logger zerolog.Logger) *Router {
	kinds := make(map[protocol.Kind]struct{})
	for _, k := range h.Kinds() {
		kinds[k] = struct{}{}
	}
	return &Router{
		broker:  b,
		handler: h,
		kinds:   kinds,
		logger:  logger.With().Str("component", "router").Str("channel", h.Name()).Logger(),
	}
}

func (r *Router) Handler() Handler {
	return r.handler
}

// Dispatch handles one inbound text frame. Protocol violations are answered
// with an error frame and move the connection to error; they are not
// returned. Frames are processed in arrival order because the read loop calls
// Dispatch synchronously.
func (r *Router) Dispatch(ctx context.Context, connID string, data []byte) {
	in, err := protocol.Parse(data)
	if err != nil {
		var unknown *protocol.UnknownMessageTypeError
		if errors.As(err, &unknown) {
			monitoring.IncrementMessagesReceived("unknown")
		} else {
			monitoring.IncrementMessagesReceived("malformed")
		}
		r.violation(ctx, connID, err)
		return
	}
	monitoring.IncrementMessagesReceived(string(in.Kind))

	switch in.Kind {
	case protocol.KindAuthentication:
		r.authenticate(ctx, connID, in)
	case protocol.KindSubscribe:
		r.subscribe(ctx, connID, in)
	case protocol.KindUnsubscribe:
		r.unsubscribe(ctx, connID, in)
	case protocol.KindPing:
		r.reply(ctx, connID, protocol.NewMessage(protocol.TypePong, nil))
	case protocol.KindReplay:
		r.replay(ctx, connID, in)
	default:
		r.domain(ctx, connID, in)
	}
}

func (r *Router) authenticate(ctx context.Context, connID string, in protocol.Inbound) {
	req, err := protocol.Decode[protocol.Authentication](in)
	if err != nil {
		r.violation(ctx, connID, err)
		return
	}

	p, err := r.broker.Authenticate(ctx, connID, req.Token)
	if err != nil {
		r.logger.Debug().
			Str("connection_id", connID).
			Err(err).
			Msg("Authentication rejected")
		r.reply(ctx, connID, protocol.NewMessage(protocol.TypeAuthenticationFailed, map[string]any{
			"code":    broker.ErrorCode(err),
			"message": err.Error(),
		}))
		return
	}

	r.reply(ctx, connID, protocol.NewMessage(protocol.TypeAuthenticationSuccess, map[string]any{
		"connection_id": connID,
		"user_id":       p.UserID,
		"email":         p.Email,
		"role":          p.Role,
	}))

	topic := r.handler.DefaultTopic(p)
	if topic == "" {
		return
	}
	if _, err := r.broker.Subscribe(connID, topic); err != nil {
		r.logger.Warn().
			Str("connection_id", connID).
			Str("topic", topic).
			Err(err).
			Msg("Default subscription failed")
		r.reply(ctx, connID, subscriptionDenied(topic, err))
		return
	}
	r.reply(ctx, connID, protocol.NewMessage(protocol.TypeSubscriptionSuccess, map[string]any{
		"subscription": topic,
	}))
}

func (r *Router) subscribe(ctx context.Context, connID string, in protocol.Inbound) {
	req, err := protocol.Decode[protocol.Subscription](in)
	if err != nil {
		r.violation(ctx, connID, err)
		return
	}

	if t, perr := broker.ParseTopic(req.Subscription); perr == nil && !slices.Contains(r.handler.Channels(), t.Channel) {
		monitoring.IncrementSubscriptionDenied()
		r.reply(ctx, connID, subscriptionDenied(req.Subscription, &broker.DeniedError{
			Topic:  req.Subscription,
			Reason: "channel not served by the " + r.handler.Name() + " endpoint",
		}))
		return
	}

	if _, err := r.broker.Subscribe(connID, req.Subscription); err != nil {
		r.reply(ctx, connID, subscriptionDenied(req.Subscription, err))
		return
	}
	r.reply(ctx, connID, protocol.NewMessage(protocol.TypeSubscriptionSuccess, map[string]any{
		"subscription": req.Subscription,
	}))
}

func (r *Router) unsubscribe(ctx context.Context, connID string, in protocol.Inbound) {
	req, err := protocol.Decode[protocol.Subscription](in)
	if err != nil {
		r.violation(ctx, connID, err)
		return
	}
	if err := r.broker.Unsubscribe(connID, req.Subscription); err != nil {
		r.reply(ctx, connID, protocol.ErrorMessage(broker.ErrorCode(err), err.Error()))
		return
	}
	r.reply(ctx, connID, protocol.NewMessage(protocol.TypeUnsubscribed, map[string]any{
		"subscription": req.Subscription,
	}))
}

func (r *Router) replay(ctx context.Context, connID string, in protocol.Inbound) {
	req, err := protocol.Decode[protocol.Replay](in)
	if err != nil {
		r.violation(ctx, connID, err)
		return
	}
	msgs, err := r.broker.History(connID, req.Subscription, req.Limit)
	if err != nil {
		r.reply(ctx, connID, protocol.ErrorMessage(broker.ErrorCode(err), err.Error()))
		return
	}
	r.reply(ctx, connID, protocol.NewMessage(protocol.TypeReplay, map[string]any{
		"subscription": req.Subscription,
		"messages":     msgs,
	}))
}

func (r *Router) domain(ctx context.Context, connID string, in protocol.Inbound) {
	if _, ok := r.kinds[in.Kind]; !ok {
		r.violation(ctx, connID, &protocol.UnknownMessageTypeError{Type: string(in.Kind)})
		return
	}

	info, ok := r.broker.Connection(connID)
	if !ok {
		return
	}
	if info.Principal == nil {
		r.violation(ctx, connID, broker.ErrUnauthorized)
		return
	}

	err := r.handler.Handle(ctx, Request{ConnID: connID, Principal: *info.Principal, Inbound: in})
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrMalformedMessage):
		r.violation(ctx, connID, err)
	default:
		r.logger.Debug().
			Str("connection_id", connID).
			Str("type", string(in.Kind)).
			Err(err).
			Msg("Handler rejected message")
		r.reply(ctx, connID, protocol.ErrorMessage(errorCode(err), err.Error()))
	}
}

// violation answers a protocol error and moves the connection to error.
func (r *Router) violation(ctx context.Context, connID string, err error) {
	r.logger.Warn().
		Str("connection_id", connID).
		Err(err).
		Msg("Protocol violation")
	r.reply(ctx, connID, protocol.ErrorMessage(broker.ErrorCode(err), err.Error()))
	r.broker.MarkError(connID, err)
}

func (r *Router) reply(ctx context.Context, connID string, msg protocol.Message) {
	if err := r.broker.SendTo(ctx, connID, msg); err != nil {
		r.logger.Debug().
			Str("connection_id", connID).
			Str("type", msg.Type).
			Err(err).
			Msg("Reply not delivered")
	}
}

func subscriptionDenied(topic string, err error) protocol.Message {
	reason := err.Error()
	var denied *broker.DeniedError
	if errors.As(err, &denied) {
		reason = denied.Reason
	}
	return protocol.NewMessage(protocol.TypeSubscriptionDenied, map[string]any{
		"subscription": topic,
		"code":         broker.ErrorCode(err),
		"reason":       reason,
	})
}
