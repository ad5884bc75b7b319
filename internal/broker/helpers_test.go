package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient write error")

type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	sends       int
	failNext    int
	failAll     bool
	stall       bool
	closed      bool
	closeReason string
	closeCalls  int
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends++
	if f.stall {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return ctx.Err()
	}
	if f.closed {
		return ErrConnectionClosed
	}
	if f.failAll {
		return errTransient
	}
	if f.failNext > 0 {
		f.failNext--
		return errTransient
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.closeReason = reason
	f.closeCalls++
	return nil
}

func (f *fakeTransport) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

func (f *fakeTransport) setStall(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = v
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// types returns the type field of every delivered message.
func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.sent))
	for _, data := range f.sent {
		var m struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &m)
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeTransport) received(msgType string) int {
	n := 0
	for _, t := range f.types() {
		if t == msgType {
			n++
		}
	}
	return n
}

type staticAuthenticator map[string]auth.Principal

func (s staticAuthenticator) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := s[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAudit) Record(eventType, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingAudit) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	broker *Broker
	clock  *fakeClock
	audit  *recordingAudit
}

var testPrincipals = staticAuthenticator{
	"tok-7":     {UserID: "7", Email: "seven@example.com", Role: auth.RolePatient},
	"tok-8":     {UserID: "8", Email: "eight@example.com", Role: auth.RolePatient},
	"tok-admin": {UserID: "1", Email: "admin@example.com", Role: auth.RoleAdmin},
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.SendTimeout = 100 * time.Millisecond
	// monitors are driven by hand in tests
	cfg.HeartbeatInterval = time.Hour
	cfg.IdleSweepInterval = time.Hour
	cfg.RecoveryInterval = time.Hour
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		clock: &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		audit: &recordingAudit{},
	}
	env.broker = New(cfg, Deps{
		Authenticator: testPrincipals,
		Authorizer:    auth.DefaultPermissions(),
		Audit:         env.audit,
		Logger:        zerolog.Nop(),
		Now:           env.clock.Now,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.broker.Shutdown(ctx)
	})
	return env
}

// connect registers and accepts a connection.
func (e *testEnv) connect(t *testing.T) (string, *fakeTransport) {
	t.Helper()

	tr := &fakeTransport{}
	id, err := e.broker.Register(tr, ConnMeta{Channel: "chat", RemoteAddr: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, e.broker.Accept(context.Background(), id))
	return id, tr
}

// login connects and authenticates with token.
func (e *testEnv) login(t *testing.T, token string) (string, *fakeTransport) {
	t.Helper()

	id, tr := e.connect(t)
	_, err := e.broker.Authenticate(context.Background(), id, token)
	require.NoError(t, err)
	return id, tr
}

func (e *testEnv) state(t *testing.T, id string) State {
	t.Helper()
	info, ok := e.broker.Connection(id)
	require.True(t, ok, "connection %s not found", id)
	return info.State
}
