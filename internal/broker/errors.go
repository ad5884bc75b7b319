package broker

import (
	"errors"
	"fmt"

	"github.com/adred-codev/careline/internal/protocol"
)

var (
	ErrAuth                      = errors.New("authentication failed")
	ErrSubscriptionDenied        = errors.New("subscription denied")
	ErrCapacityExceeded          = errors.New("capacity exceeded")
	ErrTooManyConnectionsForUser = errors.New("too many connections for user")
	ErrSendFailure               = errors.New("send failure")
	ErrConnectionTimeout         = errors.New("connection timeout")
	ErrRecoveryExhausted         = errors.New("max recovery attempts reached")
	ErrUnauthorized              = errors.New("connection not authenticated")
	ErrConnectionNotFound        = errors.New("connection not found")
	ErrConnectionClosed          = errors.New("connection closed")
	ErrInvalidTransition         = errors.New("invalid state transition")
)

// DeniedError carries the topic and reason of a rejected subscribe.
type DeniedError struct {
	Topic  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("subscription to %q denied: %s", e.Topic, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrSubscriptionDenied }

// TransitionError reports a state change outside the allowed edges.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorCode maps an error to the code sent to clients in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "AUTH_ERROR"
	case errors.Is(err, ErrSubscriptionDenied):
		return "SUBSCRIPTION_DENIED"
	case errors.Is(err, ErrTooManyConnectionsForUser):
		return "TOO_MANY_CONNECTIONS_FOR_USER"
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, protocol.ErrUnknownMessageType):
		return "UNKNOWN_MESSAGE_TYPE"
	case errors.Is(err, protocol.ErrMalformedMessage):
		return "MALFORMED_MESSAGE"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_STATE"
	case errors.Is(err, ErrSendFailure):
		return "SEND_FAILURE"
	case errors.Is(err, ErrConnectionTimeout):
		return "CONNECTION_TIMEOUT"
	case errors.Is(err, ErrRecoveryExhausted):
		return "RECOVERY_EXHAUSTED"
	default:
		return "INTERNAL_ERROR"
	}
}
