package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns every live connection together with the topic and user
// indexes that reference them. All mutation goes through its methods under a
// single lock, so the indexes always mirror the connection set and admission
// counters are checked and incremented atomically.
type Registry struct {
	mu            sync.RWMutex
	conns         map[string]*connection
	topics        map[string]map[string]struct{} // topic -> connection ids
	users         map[string]map[string]struct{} // user id -> connection ids
	authenticated int
	subscriptions int

	limits AdmissionLimits
	now    func() time.Time
	newID  func() string
}

func NewRegistry(limits AdmissionLimits, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns:  make(map[string]*connection),
		topics: make(map[string]map[string]struct{}),
		users:  make(map[string]map[string]struct{}),
		limits: limits,
		now:    now,
		newID:  uuid.NewString,
	}
}

// Register creates a connection in state connecting and returns its id.
func (r *Registry) Register(t Transport, meta ConnMeta) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.limits.MaxConnections {
		return "", fmt.Errorf("%w: %d live connections", ErrCapacityExceeded, len(r.conns))
	}

	id := r.newID()
	now := r.now()
	r.conns[id] = &connection{
		id:           id,
		transport:    t,
		meta:         meta,
		state:        StateConnecting,
		connectedAt:  now,
		lastActivity: now,
		topics:       make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	return id, nil
}

// SetState moves a connection along a legal edge.
func (r *Registry) SetState(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	return transition(c, to)
}

func transition(c *connection, to State) error {
	if !c.state.CanTransition(to) {
		return &TransitionError{From: c.state, To: to}
	}
	c.state = to
	return nil
}

// Touch updates last-activity.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.lastActivity = r.now()
	return true
}

// MarkError moves a live connection to error and records the cause. A
// connection already in error only has its last error updated.
func (r *Registry) MarkError(id string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if cause != nil {
		c.lastErr = cause.Error()
	}
	if c.state == StateError {
		return nil
	}
	return transition(c, StateError)
}

type detached struct {
	info      ConnectionInfo
	transport Transport
}

// detach moves a connection to closing and removes it from every index. Only
// the first call for an id succeeds.
func (r *Registry) detach(id string) (detached, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return detached{}, false
	}
	if err := transition(c, StateClosing); err != nil {
		return detached{}, false
	}

	info := c.info()
	for topic := range c.topics {
		r.removeMemberLocked(topic, id)
	}
	if c.principal != nil {
		r.removeUserLocked(c.principal.UserID, id)
		r.authenticated--
	}
	delete(r.conns, id)
	close(c.done)

	return detached{info: info, transport: c.transport}, true
}

// Get returns a copy of one connection.
func (r *Registry) Get(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Snapshot returns a copy of every live connection.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.info())
	}
	return out
}

// IDs returns the id of every live connection.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// IDsInState returns the ids of connections currently in s.
func (r *Registry) IDsInState(s State) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, c := range r.conns {
		if c.state == s {
			ids = append(ids, id)
		}
	}
	return ids
}

// IdleSince returns connections whose last activity is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, c := range r.conns {
		if c.lastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// target returns the transport of a deliverable connection and a channel
// closed when the connection is detached.
func (r *Registry) target(id string) (Transport, <-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, nil, ErrConnectionNotFound
	}
	if !c.state.Deliverable() {
		return nil, nil, fmt.Errorf("connection is %s: %w", c.state, ErrConnectionClosed)
	}
	return c.transport, c.done, nil
}

// transportOf returns the transport of a connection in the given state.
func (r *Registry) transportOf(id string, want State) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	if c.state != want {
		return nil, &TransitionError{From: c.state, To: want}
	}
	return c.transport, nil
}

func (r *Registry) incrementRetries(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.retries++
	}
}

// recoveryCandidates returns error-state connections with attempts left.
func (r *Registry) recoveryCandidates(maxAttempts int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, c := range r.conns {
		if c.state == StateError && c.recoveryAttempts < maxAttempts {
			ids = append(ids, id)
		}
	}
	return ids
}

// userConnectionsInState returns the user's connections currently in s.
func (r *Registry) userConnectionsInState(userID string, s State) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id := range r.users[userID] {
		if c, ok := r.conns[id]; ok && c.state == s {
			ids = append(ids, id)
		}
	}
	return ids
}

// recordProbe applies the outcome of a recovery probe. On success the
// connection returns to authenticated (if it holds a principal) or connected
// and its attempt counter resets. On failure the counter grows and the
// updated count is returned.
func (r *Registry) recordProbe(id string, probeErr error) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return 0, ErrConnectionNotFound
	}
	if c.state != StateError {
		return c.recoveryAttempts, &TransitionError{From: c.state, To: StateConnected}
	}

	if probeErr == nil {
		to := StateConnected
		if c.principal != nil {
			to = StateAuthenticated
		}
		if err := transition(c, to); err != nil {
			return c.recoveryAttempts, err
		}
		c.recoveryAttempts = 0
		c.lastErr = ""
		c.lastActivity = r.now()
		return 0, nil
	}

	c.recoveryAttempts++
	c.lastErr = probeErr.Error()
	return c.recoveryAttempts, nil
}

// Stats aggregates registry counts.
type Stats struct {
	Connections   int            `json:"connections"`
	Authenticated int            `json:"authenticated"`
	Users         int            `json:"users"`
	Topics        int            `json:"topics"`
	Subscriptions int            `json:"subscriptions"`
	ByState       map[string]int `json:"by_state"`
	ByChannel     map[string]int `json:"by_channel"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Connections:   len(r.conns),
		Authenticated: r.authenticated,
		Users:         len(r.users),
		Topics:        len(r.topics),
		Subscriptions: r.subscriptions,
		ByState:       make(map[string]int),
		ByChannel:     make(map[string]int),
	}
	for _, c := range r.conns {
		s.ByState[c.state.String()]++
		if c.meta.Channel != "" {
			s.ByChannel[c.meta.Channel]++
		}
	}
	return s
}
