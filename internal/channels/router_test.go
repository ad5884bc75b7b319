package channels

import (
	"context"
	"testing"

	"github.com/adred-codev/careline/internal/broker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthEnv(t *testing.T) *testEnv {
	return newTestEnv(t, func(b Broker) Handler {
		return NewHealthHandler(b, NewMemoryHealthStore(), zerolog.Nop())
	})
}

func TestAuthenticationSubscribesDefaultTopic(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.login(t, "tok-7")

	success := tr.last(t, "authentication_success")
	assert.Equal(t, "7", success["user_id"])
	assert.Equal(t, id, success["connection_id"])

	sub := tr.last(t, "subscription_success")
	assert.Equal(t, "health_data:all:7", sub["subscription"])
	assert.Contains(t, env.broker.TopicMembers("health_data:all:7"), id)
	assert.Equal(t, broker.StateAuthenticated, env.state(t, id))
}

func TestAuthenticationFailureKeepsConnected(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.connect(t)

	env.send(id, frame{"type": "authentication", "token": "expired"})

	failed := tr.last(t, "authentication_failed")
	assert.Equal(t, "AUTH_ERROR", failed["code"])
	assert.Equal(t, broker.StateConnected, env.state(t, id))
	assert.Empty(t, tr.ofType("subscription_success"))
}

func TestReauthenticationRejected(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.login(t, "tok-7")

	env.send(id, frame{"type": "authentication", "token": "tok-8"})

	failed := tr.last(t, "authentication_failed")
	assert.Equal(t, "INVALID_STATE", failed["code"])
	info, _ := env.broker.Connection(id)
	assert.Equal(t, "7", info.UserID)
}

func TestProtocolViolationsMarkError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"invalid json", `{"type":`, "MALFORMED_MESSAGE"},
		{"missing type", `{"token":"x"}`, "MALFORMED_MESSAGE"},
		{"unknown type", `{"type":"launch_rockets"}`, "UNKNOWN_MESSAGE_TYPE"},
		{"other channel type", `{"type":"chat_message","conversation_id":"c1","content":"hi"}`, "UNKNOWN_MESSAGE_TYPE"},
		{"domain before auth", `{"type":"get_health_data"}`, "UNAUTHORIZED"},
		{"subscribe without field", `{"type":"subscribe"}`, "MALFORMED_MESSAGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := healthEnv(t)
			id, tr := env.connect(t)

			env.router.Dispatch(context.Background(), id, []byte(tt.raw))

			assert.Equal(t, tt.code, tr.last(t, "error")["code"])
			assert.Equal(t, broker.StateError, env.state(t, id))
		})
	}
}

func TestAuthenticationAfterViolation(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.connect(t)

	env.router.Dispatch(context.Background(), id, []byte(`{"type":"launch_rockets"}`))
	require.Equal(t, broker.StateError, env.state(t, id))

	env.send(id, frame{"type": "authentication", "token": "tok-7"})

	assert.Equal(t, "7", tr.last(t, "authentication_success")["user_id"])
	assert.Equal(t, broker.StateAuthenticated, env.state(t, id))
	assert.Len(t, tr.ofType("probe"), 1)
}

func TestSubscribeRules(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.login(t, "tok-7")

	env.send(id, frame{"type": "subscribe", "subscription": "chat:user:7"})
	denied := tr.last(t, "subscription_denied")
	assert.Equal(t, "chat:user:7", denied["subscription"])
	assert.Equal(t, "SUBSCRIPTION_DENIED", denied["code"])

	env.send(id, frame{"type": "subscribe", "subscription": "health_data:heart_rate:8"})
	assert.Len(t, tr.ofType("subscription_denied"), 2)
	assert.NotContains(t, env.broker.TopicMembers("health_data:heart_rate:8"), id)

	env.send(id, frame{"type": "subscribe", "subscription": "health_data:heart_rate:7"})
	assert.Contains(t, env.broker.TopicMembers("health_data:heart_rate:7"), id)

	// denials never change state
	assert.Equal(t, broker.StateAuthenticated, env.state(t, id))

	env.send(id, frame{"type": "unsubscribe", "subscription": "health_data:heart_rate:7"})
	assert.Equal(t, "health_data:heart_rate:7", tr.last(t, "unsubscription_success")["subscription"])
	assert.NotContains(t, env.broker.TopicMembers("health_data:heart_rate:7"), id)
}

func TestProviderMaySubscribeToPatientHealth(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.login(t, "tok-provider")

	env.send(id, frame{"type": "subscribe", "subscription": "health_data:all:7"})

	assert.Equal(t, "health_data:all:7", tr.last(t, "subscription_success")["subscription"])
}

func TestPingAndReplay(t *testing.T) {
	env := healthEnv(t)
	id, tr := env.login(t, "tok-7")

	env.send(id, frame{"type": "ping"})
	assert.Len(t, tr.ofType("pong"), 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.broker.Broadcast(ctx, "health_data:all:7", newTestMessage(i))
	}

	env.send(id, frame{"type": "replay", "subscription": "health_data:all:7", "limit": 2})
	replay := tr.last(t, "replay")
	msgs, ok := replay["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 1, msgs[0].(map[string]any)["seq"])
	assert.EqualValues(t, 2, msgs[1].(map[string]any)["seq"])

	env.send(id, frame{"type": "replay", "subscription": "health_data:all:8"})
	assert.Equal(t, "SUBSCRIPTION_DENIED", tr.last(t, "error")["code"])
	assert.Equal(t, broker.StateAuthenticated, env.state(t, id))
}
