package broker

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/careline/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatMessage(text string) protocol.Message {
	return protocol.NewMessage(protocol.TypeChatMessage, map[string]any{"message": text})
}

func TestSendToRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	id, tr := env.login(t, "tok-7")
	before := tr.sendCount()

	tr.mu.Lock()
	tr.failNext = 2
	tr.mu.Unlock()

	err := env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	require.NoError(t, err)

	assert.Equal(t, 3, tr.sendCount()-before)
	assert.Equal(t, 1, tr.received(protocol.TypeChatMessage))

	info, _ := env.broker.Connection(id)
	assert.Equal(t, StateAuthenticated, info.State)
	assert.Equal(t, 2, info.RetryCount)
}

func TestSendToExhaustionMarksError(t *testing.T) {
	env := newTestEnv(t, nil)
	id, tr := env.login(t, "tok-7")
	before := tr.sendCount()
	tr.setFailAll(true)

	err := env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	assert.ErrorIs(t, err, ErrSendFailure)
	assert.ErrorIs(t, err, errTransient)

	// one attempt plus max_retries retries
	assert.Equal(t, 4, tr.sendCount()-before)

	info, _ := env.broker.Connection(id)
	assert.Equal(t, StateError, info.State)
	assert.Contains(t, info.LastError, "transient")
}

func TestSendToBackoffGrows(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RetryDelay = 20 * time.Millisecond
		c.MaxRetries = 2
	})
	id, tr := env.login(t, "tok-7")
	tr.setFailAll(true)

	start := time.Now()
	err := env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	elapsed := time.Since(start)

	require.Error(t, err)
	// 20ms + 40ms
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestSendToClosedTransportIsNotRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	id, tr := env.login(t, "tok-7")
	before := tr.sendCount()

	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()

	err := env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, tr.sendCount()-before)
	assert.Equal(t, StateAuthenticated, env.state(t, id))
}

func TestSendToStopsWhenEvicted(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RetryDelay = 100 * time.Millisecond
	})
	id, tr := env.login(t, "tok-7")
	tr.setFailAll(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, env.broker.Evict(id, ReasonAdmin))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSendFailure)
	case <-time.After(250 * time.Millisecond):
		t.Fatal("retry loop kept running after eviction")
	}
}

func TestSendToUndeliverable(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.broker.SendTo(context.Background(), "missing", chatMessage("hi"))
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	id, err := env.broker.Register(&fakeTransport{}, ConnMeta{})
	require.NoError(t, err)
	err = env.broker.SendTo(context.Background(), id, chatMessage("hi"))
	assert.ErrorIs(t, err, ErrSendFailure)
	assert.Equal(t, StateConnecting, env.state(t, id))
}

func TestSendToTouchesLastActivity(t *testing.T) {
	env := newTestEnv(t, nil)
	id, _ := env.login(t, "tok-7")

	env.clock.Advance(10 * time.Minute)
	require.NoError(t, env.broker.SendTo(context.Background(), id, chatMessage("hi")))

	info, _ := env.broker.Connection(id)
	assert.Equal(t, env.clock.Now(), info.LastActivity)
}

func TestBroadcastReachesOnlyTopicMembers(t *testing.T) {
	env := newTestEnv(t, nil)

	var onT, onU []*fakeTransport
	for i := 0; i < 3; i++ {
		id, tr := env.login(t, "tok-admin")
		_, err := env.broker.Subscribe(id, "system:T")
		require.NoError(t, err)
		onT = append(onT, tr)
	}
	for i := 0; i < 2; i++ {
		id, tr := env.login(t, "tok-admin")
		_, err := env.broker.Subscribe(id, "system:U")
		require.NoError(t, err)
		onU = append(onU, tr)
	}

	d := env.broker.Broadcast(context.Background(), "system:T", chatMessage("to T"))
	assert.Equal(t, Delivery{Targets: 3, Delivered: 3}, d)

	for _, tr := range onT {
		assert.Equal(t, 1, tr.received(protocol.TypeChatMessage))
	}
	for _, tr := range onU {
		assert.Equal(t, 0, tr.received(protocol.TypeChatMessage))
	}
}

func TestBroadcastToleratesFailures(t *testing.T) {
	env := newTestEnv(t, nil)

	var bad string
	for i := 0; i < 3; i++ {
		id, tr := env.login(t, "tok-admin")
		_, err := env.broker.Subscribe(id, "system:T")
		require.NoError(t, err)
		if i == 1 {
			tr.setFailAll(true)
			bad = id
		}
	}

	d := env.broker.Broadcast(context.Background(), "system:T", chatMessage("x"))
	assert.Equal(t, Delivery{Targets: 3, Delivered: 2, Failed: 1}, d)
	assert.Equal(t, StateError, env.state(t, bad))
}

func TestBroadcastBoundedBySlowRecipient(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.BroadcastTimeout = 50 * time.Millisecond
	})

	var slow string
	for i := 0; i < 2; i++ {
		id, tr := env.login(t, "tok-admin")
		_, err := env.broker.Subscribe(id, "system:T")
		require.NoError(t, err)
		if i == 0 {
			tr.setStall(true)
			slow = id
		}
	}

	start := time.Now()
	d := env.broker.Broadcast(context.Background(), "system:T", chatMessage("x"))
	elapsed := time.Since(start)

	assert.Equal(t, Delivery{Targets: 2, Delivered: 1, Failed: 1}, d)
	// four SendTimeouts plus backoff without the batch deadline
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, StateAuthenticated, env.state(t, slow))
}

func TestBroadcastEmptyTopic(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.broker.Broadcast(context.Background(), "system:nobody", chatMessage("x"))
	assert.Equal(t, Delivery{}, d)
}

func TestSendToUser(t *testing.T) {
	env := newTestEnv(t, nil)

	_, a := env.login(t, "tok-7")
	_, b := env.login(t, "tok-7")
	_, other := env.login(t, "tok-8")
	_, anon := env.connect(t)

	d := env.broker.SendToUser(context.Background(), "7", chatMessage("for 7"))
	assert.Equal(t, 2, d.Delivered)

	assert.Equal(t, 1, a.received(protocol.TypeChatMessage))
	assert.Equal(t, 1, b.received(protocol.TypeChatMessage))
	assert.Equal(t, 0, other.received(protocol.TypeChatMessage))
	assert.Equal(t, 0, anon.received(protocol.TypeChatMessage))
}
