package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	all := []State{StateConnecting, StateConnected, StateAuthenticated, StateError, StateClosing, StateClosed}
	allowed := map[State][]State{
		StateConnecting:    {StateConnected, StateClosing},
		StateConnected:     {StateAuthenticated, StateError, StateClosing},
		StateAuthenticated: {StateError, StateClosing},
		StateError:         {StateConnected, StateAuthenticated, StateClosing},
		StateClosing:       {StateClosed},
		StateClosed:        nil,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestStateHelpers(t *testing.T) {
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "unknown", State(42).String())

	assert.True(t, StateClosing.Terminal())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateError.Terminal())

	assert.True(t, StateError.Deliverable())
	assert.False(t, StateConnecting.Deliverable())
	assert.False(t, StateClosing.Deliverable())
}
