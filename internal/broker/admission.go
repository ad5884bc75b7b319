package broker

import (
	"fmt"

	"github.com/adred-codev/careline/internal/auth"
)

// AdmissionLimits are the global and per-principal connection caps.
type AdmissionLimits struct {
	MaxConnections int
	MaxPerUser     int
}

// Admit binds p to a connected connection if both caps allow it. On rejection
// the connection stays in connected.
func (r *Registry) Admit(id string, p auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if c.state != StateConnected {
		return &TransitionError{From: c.state, To: StateAuthenticated}
	}
	if err := r.checkCapsLocked(p.UserID); err != nil {
		return err
	}

	principal := p
	c.principal = &principal
	c.state = StateAuthenticated
	c.lastActivity = r.now()

	r.authenticated++
	conns, ok := r.users[p.UserID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[p.UserID] = conns
	}
	conns[id] = struct{}{}
	return nil
}

func (r *Registry) checkCapsLocked(userID string) error {
	if r.authenticated >= r.limits.MaxConnections {
		return fmt.Errorf("%w: %d authenticated connections", ErrCapacityExceeded, r.authenticated)
	}
	if n := len(r.users[userID]); n >= r.limits.MaxPerUser {
		return fmt.Errorf("%w: user %s already holds %d", ErrTooManyConnectionsForUser, userID, n)
	}
	return nil
}

func (r *Registry) removeUserLocked(userID, id string) {
	conns, ok := r.users[userID]
	if !ok {
		return
	}
	delete(conns, id)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}
