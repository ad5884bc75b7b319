package channels

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type frame map[string]any

type fakeTransport struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return broker.ErrConnectionClosed
	}
	var m frame
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) ofType(msgType string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, m := range f.frames {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// last returns the most recent frame of msgType, failing the test if none.
func (f *fakeTransport) last(t *testing.T, msgType string) frame {
	t.Helper()
	frames := f.ofType(msgType)
	require.NotEmpty(t, frames, "no %q frame received", msgType)
	return frames[len(frames)-1]
}

type staticAuthenticator map[string]auth.Principal

func (s staticAuthenticator) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := s[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

var testPrincipals = staticAuthenticator{
	"tok-7":        {UserID: "7", Email: "seven@example.com", Role: auth.RolePatient},
	"tok-8":        {UserID: "8", Email: "eight@example.com", Role: auth.RolePatient},
	"tok-provider": {UserID: "50", Email: "doc@example.com", Role: auth.RoleProvider},
}

type testEnv struct {
	broker *broker.Broker
	router *Router
}

func newTestEnv(t *testing.T, h func(b Broker) Handler) *testEnv {
	t.Helper()

	cfg := broker.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.SendTimeout = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.IdleSweepInterval = time.Hour
	cfg.RecoveryInterval = time.Hour

	b := broker.New(cfg, broker.Deps{
		Authenticator: testPrincipals,
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	return &testEnv{broker: b, router: NewRouter(b, h(b), zerolog.Nop())}
}

func (e *testEnv) connect(t *testing.T) (string, *fakeTransport) {
	t.Helper()

	tr := &fakeTransport{}
	id, err := e.broker.Register(tr, broker.ConnMeta{Channel: e.router.Handler().Name()})
	require.NoError(t, err)
	require.NoError(t, e.broker.Accept(context.Background(), id))
	return id, tr
}

func (e *testEnv) login(t *testing.T, token string) (string, *fakeTransport) {
	t.Helper()

	id, tr := e.connect(t)
	e.send(id, frame{"type": "authentication", "token": token})
	tr.last(t, "authentication_success")
	return id, tr
}

func (e *testEnv) send(id string, msg frame) {
	data, _ := json.Marshal(msg)
	e.router.Dispatch(context.Background(), id, data)
}

func (e *testEnv) state(t *testing.T, id string) broker.State {
	t.Helper()
	info, ok := e.broker.Connection(id)
	require.True(t, ok)
	return info.State
}

func newTestMessage(seq int) protocol.Message {
	return protocol.NewMessage(protocol.TypeHealthDataUpdate, map[string]any{"seq": seq})
}
