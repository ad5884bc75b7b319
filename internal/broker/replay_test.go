package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayBufferKeepsMostRecent(t *testing.T) {
	s := NewReplayStore(3, 10)
	for i := 1; i <= 5; i++ {
		s.Append("system:T", []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}

	got := s.Recent("system:T", 0)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"n":3}`, string(got[0]))
	assert.JSONEq(t, `{"n":5}`, string(got[2]))

	got = s.Recent("system:T", 2)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":4}`, string(got[0]))

	assert.Nil(t, s.Recent("system:other", 10))
}

func TestReplayStoreBoundsTopics(t *testing.T) {
	s := NewReplayStore(2, 2)
	s.Append("a:1", []byte(`1`))
	s.Append("a:2", []byte(`2`))
	s.Append("a:3", []byte(`3`))

	assert.Nil(t, s.Recent("a:1", 0))
	assert.Len(t, s.Recent("a:3", 0), 1)
}

func TestReplayDisabled(t *testing.T) {
	s := NewReplayStore(0, 0)
	s.Append("a:1", []byte(`1`))
	assert.Nil(t, s.Recent("a:1", 0))
}

func TestHistoryRequiresSubscription(t *testing.T) {
	env := newTestEnv(t, nil)

	id, _ := env.login(t, "tok-7")
	env.broker.Broadcast(context.Background(), "chat:user:7", chatMessage("before"))

	_, err := env.broker.History(id, "chat:user:7", 10)
	assert.ErrorIs(t, err, ErrSubscriptionDenied)

	_, err = env.broker.Subscribe(id, "chat:user:7")
	require.NoError(t, err)

	msgs, err := env.broker.History(id, "chat:user:7", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var m map[string]any
	require.NoError(t, json.Unmarshal(msgs[0], &m))
	assert.Equal(t, "before", m["message"])
	assert.Equal(t, "chat_message", m["type"])
	assert.NotEmpty(t, m["timestamp"])
}
