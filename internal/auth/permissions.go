package auth

import (
	"errors"
	"fmt"
)

// Action is a verb in the permission matrix.
type Action string

const (
	ActionSubscribe    Action = "subscribe"
	ActionSubscribeAny Action = "subscribe_any" // subscribe to topics owned by other users
	ActionRead         Action = "read"
	ActionWrite        Action = "write"
	ActionPublish      Action = "publish"
)

const (
	RoleAdmin    = "admin"
	RolePatient  = "patient"
	RoleProvider = "provider"
)

// Permissions is a role -> resource -> action allow-list. Role admin bypasses it.
type Permissions struct {
	grants map[string]map[string]map[Action]struct{}
	owned  map[string]struct{}
}

// NewPermissions builds a matrix from role -> resource -> actions.
func NewPermissions(grants map[string]map[string][]Action) *Permissions {
	p := &Permissions{
		grants: make(map[string]map[string]map[Action]struct{}, len(grants)),
		owned:  make(map[string]struct{}),
	}
	for role, resources := range grants {
		p.grants[role] = make(map[string]map[Action]struct{}, len(resources))
		for resource, actions := range resources {
			set := make(map[Action]struct{}, len(actions))
			for _, a := range actions {
				set[a] = struct{}{}
			}
			p.grants[role][resource] = set
		}
	}
	return p
}

// RequireOwner marks channels whose topics are only valid with an owner segment.
func (m *Permissions) RequireOwner(channels ...string) *Permissions {
	for _, c := range channels {
		m.owned[c] = struct{}{}
	}
	return m
}

// DefaultPermissions returns the matrix for the patient-facing product.
func DefaultPermissions() *Permissions {
	return NewPermissions(map[string]map[string][]Action{
		RolePatient: {
			"health_data":   {ActionSubscribe, ActionRead, ActionWrite},
			"chat":          {ActionSubscribe, ActionRead, ActionPublish},
			"notifications": {ActionSubscribe, ActionRead, ActionWrite},
			"user":          {ActionSubscribe},
		},
		RoleProvider: {
			"health_data":   {ActionSubscribe, ActionSubscribeAny, ActionRead},
			"chat":          {ActionSubscribe, ActionRead, ActionPublish},
			"notifications": {ActionSubscribe, ActionRead, ActionWrite},
			"user":          {ActionSubscribe},
		},
	}).RequireOwner("user")
}

// Allowed reports whether p may perform action on resource.
func (m *Permissions) Allowed(p Principal, resource string, action Action) bool {
	if p.Role == RoleAdmin {
		return true
	}
	actions, ok := m.grants[p.Role][resource]
	if !ok {
		return false
	}
	_, ok = actions[action]
	return ok
}

// CanSubscribe checks a subscription to a topic on channel whose owner segment is
// owner (empty when the topic has none). The returned error is the denial reason.
func (m *Permissions) CanSubscribe(p Principal, channel, owner string) error {
	if p.Role == RoleAdmin {
		return nil
	}
	if !m.Allowed(p, channel, ActionSubscribe) {
		return fmt.Errorf("role %q may not subscribe to %s", p.Role, channel)
	}
	if _, ok := m.owned[channel]; ok && owner == "" {
		return fmt.Errorf("%s topics must name an owner", channel)
	}
	if owner != "" && owner != p.UserID && !m.Allowed(p, channel, ActionSubscribeAny) {
		return errors.New("topic owned by another user")
	}
	return nil
}
