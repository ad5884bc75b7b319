package broker

import (
	"github.com/adred-codev/careline/internal/auth"
)

// Subscribe adds id to topic. It reports false when the subscription already
// existed. Only authenticated connections may subscribe.
func (r *Registry) Subscribe(id, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false, ErrConnectionNotFound
	}
	if c.state != StateAuthenticated {
		return false, &DeniedError{Topic: topic, Reason: "connection not authenticated"}
	}
	if _, ok := c.topics[topic]; ok {
		return false, nil
	}

	c.topics[topic] = struct{}{}
	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	members[id] = struct{}{}
	r.subscriptions++
	return true, nil
}

// Unsubscribe removes id from topic. It reports false when id was not subscribed.
func (r *Registry) Unsubscribe(id, topic string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false, ErrConnectionNotFound
	}
	if _, ok := c.topics[topic]; !ok {
		return false, nil
	}
	delete(c.topics, topic)
	r.removeMemberLocked(topic, id)
	return true, nil
}

func (r *Registry) removeMemberLocked(topic, id string) {
	members, ok := r.topics[topic]
	if !ok {
		return
	}
	if _, ok := members[id]; !ok {
		return
	}
	delete(members, id)
	r.subscriptions--
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}

// TopicMembers returns a snapshot of the connections subscribed to topic.
func (r *Registry) TopicMembers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return keys(r.topics[topic])
}

// UserConnections returns a snapshot of the user's authenticated connections.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return keys(r.users[userID])
}

// Subscribed reports whether id is subscribed to topic.
func (r *Registry) Subscribed(id, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	_, ok = c.topics[topic]
	return ok
}

// principalOf returns the principal and state of a connection.
func (r *Registry) principalOf(id string) (auth.Principal, State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return auth.Principal{}, 0, ErrConnectionNotFound
	}
	if c.principal == nil {
		return auth.Principal{}, c.state, nil
	}
	return *c.principal, c.state, nil
}

func (r *Registry) subscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptions
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
