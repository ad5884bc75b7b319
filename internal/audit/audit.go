package audit

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/rs/zerolog"
)

// Level represents the severity of an audit event
type Level string

const (
	DEBUG    Level = "DEBUG"
	INFO     Level = "INFO"
	WARNING  Level = "WARNING"
	ERROR    Level = "ERROR"
	CRITICAL Level = "CRITICAL"
)

// Event types recorded by the broker.
const (
	EventConnectionOpened      = "connection_opened"
	EventConnectionClosed      = "connection_closed"
	EventAuthenticationSuccess = "authentication_success"
	EventAuthenticationFailed  = "authentication_failed"
	EventAdmissionRejected     = "admission_rejected"
	EventSubscriptionDenied    = "subscription_denied"
	EventConnectionEvicted     = "connection_evicted"
	EventRecoveryExhausted     = "recovery_exhausted"
	EventClientRateLimited     = "client_rate_limited"
)

// Event represents one audit record
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Type      string         `json:"event"`
	UserID    string         `json:"user_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log is the audit collaborator. Record must never block the caller.
type Log interface {
	Record(eventType, userID string, details map[string]any)
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Logger queues audit events and writes them to a Sink from a single worker.
// When the queue is full the event is dropped and counted.
type Logger struct {
	sink         Sink
	queue        chan Event
	logger       zerolog.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts the audit worker. queueSize bounds the number of pending events.
func New(sink Sink, logger zerolog.Logger, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = 1024
	}
	l := &Logger{
		sink:         sink,
		queue:        make(chan Event, queueSize),
		logger:       logger.With().Str("component", "audit").Logger(),
		writeTimeout: 2 * time.Second,
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Record enqueues an event. It never blocks.
func (l *Logger) Record(eventType, userID string, details map[string]any) {
	e := Event{
		Timestamp: time.Now().UTC(),
		Level:     levelFor(eventType),
		Type:      eventType,
		UserID:    userID,
		Details:   details,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- e:
	default:
		monitoring.IncrementAuditDropped()
	}
}

// Close stops accepting events and drains the queue or gives up when ctx ends.
func (l *Logger) Close(ctx context.Context) {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn().Int("pending", len(l.queue)).Msg("Audit queue not drained before shutdown")
	}
}

func (l *Logger) run() {
	defer monitoring.RecoverPanic(l.logger, "auditWorker", nil)
	defer l.wg.Done()

	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		if err := l.sink.Write(ctx, e); err != nil {
			l.logger.Error().Err(err).Str("event", e.Type).Msg("Failed to write audit event")
		}
		cancel()
	}
}

func levelFor(eventType string) Level {
	switch eventType {
	case EventAuthenticationFailed, EventSubscriptionDenied, EventAdmissionRejected, EventClientRateLimited:
		return WARNING
	case EventRecoveryExhausted:
		return ERROR
	default:
		return INFO
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(string, string, map[string]any) {}
