package broker

import (
	"context"
	"sort"
	"time"

	"github.com/adred-codev/careline/internal/auth"
)

// Transport is the write side of one client socket.
//
// Send must return ErrConnectionClosed (possibly wrapped) once the socket is
// gone so retries stop; any other error is treated as transient.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// ConnMeta describes where a connection came from.
type ConnMeta struct {
	RemoteAddr string
	Channel    string
}

// connection is owned by the Registry; every field is guarded by Registry.mu.
type connection struct {
	id               string
	transport        Transport
	meta             ConnMeta
	principal        *auth.Principal
	state            State
	connectedAt      time.Time
	lastActivity     time.Time
	topics           map[string]struct{}
	retries          int
	recoveryAttempts int
	lastErr          string
	done             chan struct{}
}

// ConnectionInfo is a point-in-time copy of a connection.
type ConnectionInfo struct {
	ID               string          `json:"connection_id"`
	UserID           string          `json:"user_id,omitempty"`
	Role             string          `json:"role,omitempty"`
	Channel          string          `json:"channel"`
	RemoteAddr       string          `json:"remote_addr,omitempty"`
	State            State           `json:"state"`
	ConnectedAt      time.Time       `json:"connected_at"`
	LastActivity     time.Time       `json:"last_activity"`
	Topics           []string        `json:"topics"`
	RetryCount       int             `json:"retry_count"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	LastError        string          `json:"last_error,omitempty"`
	Principal        *auth.Principal `json:"-"`
}

func (c *connection) info() ConnectionInfo {
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	ci := ConnectionInfo{
		ID:               c.id,
		Channel:          c.meta.Channel,
		RemoteAddr:       c.meta.RemoteAddr,
		State:            c.state,
		ConnectedAt:      c.connectedAt,
		LastActivity:     c.lastActivity,
		Topics:           topics,
		RetryCount:       c.retries,
		RecoveryAttempts: c.recoveryAttempts,
		LastError:        c.lastErr,
	}
	if c.principal != nil {
		p := *c.principal
		ci.Principal = &p
		ci.UserID = p.UserID
		ci.Role = p.Role
	}
	return ci
}
