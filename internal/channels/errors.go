package channels

import (
	"errors"

	"github.com/adred-codev/careline/internal/broker"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrForbidden      = errors.New("action not permitted for role")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNotParticipant):
		return "NOT_A_PARTICIPANT"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	default:
		return broker.ErrorCode(err)
	}
}
