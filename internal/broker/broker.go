// Package broker is the in-process connection and subscription broker behind
// the real-time channels.
//
// A Broker owns the connection registry, subscription index, admission caps,
// dispatcher, liveness monitor and recovery supervisor. It is constructed
// explicitly with injected Config and collaborators; nothing here reads the
// environment or keeps package-level state besides metrics.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/audit"
	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/rs/zerolog"
)

// Eviction reasons.
const (
	ReasonClientDisconnect  = "client_disconnect"
	ReasonReadError         = "read_error"
	ReasonWriteError        = "write_error"
	ReasonHandshakeFailed   = "handshake_failed"
	ReasonConnectionTimeout = "connection_timeout"
	ReasonRecoveryExhausted = "max recovery attempts reached"
	ReasonAdmin             = "admin_eviction"
	ReasonShutdown          = "server_shutdown"
)

// Config holds broker caps and intervals.
type Config struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	MaxRetries            int
	RetryDelay            time.Duration
	SendTimeout           time.Duration
	BroadcastTimeout      time.Duration // caps one Broadcast or SendToUser
	BroadcastConcurrency  int
	HeartbeatInterval     time.Duration
	IdleSweepInterval     time.Duration
	IdleTimeout           time.Duration
	RecoveryInterval      time.Duration
	MaxRecoveryAttempts   int
	ReplayBufferSize      int
	ReplayTopics          int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:        1000,
		MaxConnectionsPerUser: 5,
		MaxRetries:            3,
		RetryDelay:            100 * time.Millisecond,
		SendTimeout:           5 * time.Second,
		BroadcastTimeout:      time.Second,
		BroadcastConcurrency:  64,
		HeartbeatInterval:     30 * time.Second,
		IdleSweepInterval:     5 * time.Minute,
		IdleTimeout:           time.Hour,
		RecoveryInterval:      60 * time.Second,
		MaxRecoveryAttempts:   5,
		ReplayBufferSize:      100,
		ReplayTopics:          10000,
	}
}

// Authorizer decides whether a principal may subscribe to a topic.
type Authorizer interface {
	CanSubscribe(p auth.Principal, channel, owner string) error
}

// Deps are the collaborators injected into a Broker.
type Deps struct {
	Authenticator auth.Authenticator
	Authorizer    Authorizer
	Audit         audit.Log
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Broker struct {
	cfg        Config
	reg        *Registry
	dispatcher *Dispatcher
	replay     *ReplayStore
	authn      auth.Authenticator
	authz      Authorizer
	audit      audit.Log
	logger     zerolog.Logger
	now        func() time.Time

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, deps Deps) *Broker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = auth.DefaultPermissions()
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 1
	}

	logger := deps.Logger.With().Str("component", "broker").Logger()
	reg := NewRegistry(AdmissionLimits{
		MaxConnections: cfg.MaxConnections,
		MaxPerUser:     cfg.MaxConnectionsPerUser,
	}, deps.Now)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:    cfg,
		reg:    reg,
		replay: NewReplayStore(cfg.ReplayBufferSize, cfg.ReplayTopics),
		authn:  deps.Authenticator,
		authz:  deps.Authorizer,
		audit:  deps.Audit,
		logger: logger,
		now:    deps.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	b.dispatcher = &Dispatcher{
		reg:         reg,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		sendTimeout: cfg.SendTimeout,
		concurrency: cfg.BroadcastConcurrency,
		logger:      logger,
		onExhausted: b.escalate,
	}
	return b
}

// Register records a freshly accepted transport in state connecting. It fails
// with ErrCapacityExceeded when the global cap is reached. The background
// monitors start with the first registration.
func (b *Broker) Register(t Transport, meta ConnMeta) (string, error) {
	id, err := b.reg.Register(t, meta)
	if err != nil {
		monitoring.RecordConnectionRejected("capacity")
		b.audit.Record(audit.EventAdmissionRejected, "", map[string]any{
			"remote_addr": meta.RemoteAddr,
			"reason":      err.Error(),
		})
		return "", err
	}

	monitoring.RecordConnectionOpened()
	b.startOnce.Do(b.startMonitors)
	return id, nil
}

// Accept sends the welcome message and moves the connection to connected.
func (b *Broker) Accept(ctx context.Context, id string) error {
	t, err := b.reg.transportOf(id, StateConnecting)
	if err != nil {
		return err
	}

	data, err := encode(protocol.NewMessage(protocol.TypeConnectionEstablished, map[string]any{
		"connection_id": id,
	}))
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	if err := t.Send(sendCtx, data); err != nil {
		b.Evict(id, ReasonHandshakeFailed)
		return fmt.Errorf("%w: welcome: %w", ErrSendFailure, err)
	}
	if err := b.reg.SetState(id, StateConnected); err != nil {
		return err
	}
	b.reg.Touch(id)

	info, _ := b.reg.Get(id)
	b.logger.Debug().
		Str("connection_id", id).
		Str("channel", info.Channel).
		Str("remote_addr", info.RemoteAddr).
		Msg("Connection established")
	b.audit.Record(audit.EventConnectionOpened, "", map[string]any{
		"connection_id": id,
		"channel":       info.Channel,
		"remote_addr":   info.RemoteAddr,
	})
	return nil
}

// Authenticate verifies token and admits the connection under the global and
// per-user caps. On any failure the connection stays in connected. A
// connection in error gets one recovery attempt first, so a client that sent a
// bad frame before logging in does not wait for the recovery sweep.
func (b *Broker) Authenticate(ctx context.Context, id, token string) (auth.Principal, error) {
	info, ok := b.reg.Get(id)
	if !ok {
		return auth.Principal{}, ErrConnectionNotFound
	}
	if info.State == StateError {
		// recover now instead of making the client wait for the next sweep
		var report RecoveryReport
		b.recoverConnection(ctx, id, &report)
		if info, ok = b.reg.Get(id); !ok {
			return auth.Principal{}, ErrConnectionNotFound
		}
	}
	if info.State != StateConnected {
		return auth.Principal{}, &TransitionError{From: info.State, To: StateAuthenticated}
	}

	p, err := b.authn.Verify(ctx, token)
	if err != nil {
		monitoring.RecordAuthentication("failure")
		b.audit.Record(audit.EventAuthenticationFailed, "", map[string]any{
			"connection_id": id,
			"reason":        err.Error(),
		})
		return auth.Principal{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	if err := b.reg.Admit(id, p); err != nil {
		reason := "admission"
		switch {
		case errors.Is(err, ErrTooManyConnectionsForUser):
			reason = "per_user_cap"
		case errors.Is(err, ErrCapacityExceeded):
			reason = "global_cap"
		}
		monitoring.RecordAuthentication("rejected")
		monitoring.RecordConnectionRejected(reason)
		b.audit.Record(audit.EventAdmissionRejected, p.UserID, map[string]any{
			"connection_id": id,
			"reason":        err.Error(),
		})
		return auth.Principal{}, err
	}

	monitoring.RecordAuthentication("success")
	b.audit.Record(audit.EventAuthenticationSuccess, p.UserID, map[string]any{
		"connection_id": id,
		"role":          p.Role,
	})
	b.logger.Debug().
		Str("connection_id", id).
		Str("user_id", p.UserID).
		Str("role", p.Role).
		Msg("Connection authenticated")
	return p, nil
}

// Subscribe validates and authorizes topic, then adds the connection to it.
// A denial leaves the connection's state untouched.
func (b *Broker) Subscribe(id, raw string) (Topic, error) {
	p, state, err := b.reg.principalOf(id)
	if err != nil {
		return Topic{}, err
	}

	topic, err := ParseTopic(raw)
	if err != nil {
		return Topic{}, b.denied(id, p.UserID, err)
	}
	if state != StateAuthenticated {
		return Topic{}, b.denied(id, p.UserID, &DeniedError{Topic: raw, Reason: "connection not authenticated"})
	}
	if err := b.authz.CanSubscribe(p, topic.Channel, topic.Owner); err != nil {
		return Topic{}, b.denied(id, p.UserID, &DeniedError{Topic: raw, Reason: err.Error()})
	}

	added, err := b.reg.Subscribe(id, topic.Raw)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			return Topic{}, b.denied(id, p.UserID, err)
		}
		return Topic{}, err
	}
	if added {
		monitoring.SetSubscriptions(b.reg.subscriptionCount())
	}
	return topic, nil
}

func (b *Broker) denied(id, userID string, err error) error {
	monitoring.IncrementSubscriptionDenied()
	details := map[string]any{"connection_id": id, "reason": err.Error()}
	var denied *DeniedError
	if errors.As(err, &denied) {
		details["topic"] = denied.Topic
		details["reason"] = denied.Reason
	}
	b.audit.Record(audit.EventSubscriptionDenied, userID, details)
	return err
}

// Unsubscribe removes the connection from topic.
func (b *Broker) Unsubscribe(id, topic string) error {
	removed, err := b.reg.Unsubscribe(id, topic)
	if err != nil {
		return err
	}
	if removed {
		monitoring.SetSubscriptions(b.reg.subscriptionCount())
	}
	return nil
}

// Touch records activity on a connection.
func (b *Broker) Touch(id string) {
	b.reg.Touch(id)
}

// MarkError moves a connection to error so the recovery supervisor picks it up.
func (b *Broker) MarkError(id string, cause error) {
	if err := b.reg.MarkError(id, cause); err != nil {
		return
	}
	b.logger.Warn().
		Str("connection_id", id).
		Err(cause).
		Msg("Connection marked as error")
}

func (b *Broker) escalate(id string, err error) {
	b.MarkError(id, err)
}

// Evict removes a connection from the registry and every index, then closes
// its transport. It is idempotent: only the first call has any effect.
func (b *Broker) Evict(id, reason string) bool {
	d, ok := b.reg.detach(id)
	if !ok {
		return false
	}

	if err := d.transport.Close(reason); err != nil {
		b.logger.Debug().Str("connection_id", id).Err(err).Msg("Transport close failed")
	}
	d.info.State = StateClosed

	duration := b.now().Sub(d.info.ConnectedAt)
	monitoring.RecordEviction(reason, d.info.Principal != nil, duration)
	monitoring.SetSubscriptions(b.reg.subscriptionCount())

	b.logger.Info().
		Str("connection_id", id).
		Str("user_id", d.info.UserID).
		Str("channel", d.info.Channel).
		Str("reason", reason).
		Dur("duration", duration).
		Int("topics", len(d.info.Topics)).
		Msg("Connection closed")

	event := audit.EventConnectionEvicted
	if reason == ReasonClientDisconnect || reason == ReasonReadError {
		event = audit.EventConnectionClosed
	}
	b.audit.Record(event, d.info.UserID, map[string]any{
		"connection_id":    id,
		"reason":           reason,
		"duration_seconds": duration.Seconds(),
	})
	return true
}

// SendTo delivers msg to one connection with retry.
func (b *Broker) SendTo(ctx context.Context, id string, msg protocol.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return b.dispatcher.SendTo(ctx, id, data)
}

// Broadcast delivers msg to every connection subscribed to topic and records it
// in the topic's replay buffer. Membership is snapshotted when the call
// starts; a subscriber added mid-broadcast may miss this message.
func (b *Broker) Broadcast(ctx context.Context, topic string, msg protocol.Message) Delivery {
	data, err := encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode broadcast")
		return Delivery{}
	}
	b.replay.Append(topic, data)
	return b.boundedFanOut(ctx, b.reg.TopicMembers(topic), data)
}

// SendToUser delivers msg to every authenticated connection of userID.
func (b *Broker) SendToUser(ctx context.Context, userID string, msg protocol.Message) Delivery {
	data, err := encode(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to encode user message")
		return Delivery{}
	}
	return b.boundedFanOut(ctx, b.reg.UserConnections(userID), data)
}

// boundedFanOut runs on the caller's goroutine, usually a sender's read loop,
// so the whole batch shares one BroadcastTimeout deadline. Recipients still
// pending at the deadline count as failed without being escalated; the
// heartbeat path catches those that stay stuck.
func (b *Broker) boundedFanOut(ctx context.Context, ids []string, data []byte) Delivery {
	if b.cfg.BroadcastTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.BroadcastTimeout)
		defer cancel()
	}
	return b.dispatcher.fanOut(ctx, ids, data)
}

// History returns up to limit recent broadcasts on a topic the connection is
// subscribed to, oldest first.
func (b *Broker) History(id, topic string, limit int) ([]json.RawMessage, error) {
	if _, ok := b.reg.Get(id); !ok {
		return nil, ErrConnectionNotFound
	}
	if !b.reg.Subscribed(id, topic) {
		return nil, &DeniedError{Topic: topic, Reason: "not subscribed"}
	}
	msgs := b.replay.Recent(topic, limit)
	if msgs == nil {
		msgs = []json.RawMessage{}
	}
	return msgs, nil
}

func (b *Broker) Connection(id string) (ConnectionInfo, bool) {
	return b.reg.Get(id)
}

func (b *Broker) Connections() []ConnectionInfo {
	return b.reg.Snapshot()
}

func (b *Broker) TopicMembers(topic string) []string {
	return b.reg.TopicMembers(topic)
}

func (b *Broker) UserConnections(userID string) []string {
	return b.reg.UserConnections(userID)
}

func (b *Broker) Stats() Stats {
	return b.reg.Stats()
}

func (b *Broker) Config() Config {
	return b.cfg
}

// Shutdown stops the monitors and evicts every connection.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	evicted := 0
	for _, id := range b.reg.IDs() {
		if b.Evict(id, ReasonShutdown) {
			evicted++
		}
	}
	b.logger.Info().Int("evicted", evicted).Msg("Broker stopped")
	return nil
}

func encode(msg protocol.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}
