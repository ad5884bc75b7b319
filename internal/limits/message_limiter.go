package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageLimiter is a per-connection token bucket for inbound frames.
// Entries are created on first use and removed when the connection closes.
type MessageLimiter struct {
	rate    rate.Limit
	burst   int
	clients sync.Map // connection id -> *rate.Limiter
}

func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	return &MessageLimiter{rate: rate.Limit(perSecond), burst: burst}
}

// CheckLimit reports whether the connection may send one more message now.
func (ml *MessageLimiter) CheckLimit(connID string) bool {
	l, ok := ml.clients.Load(connID)
	if !ok {
		l, _ = ml.clients.LoadOrStore(connID, rate.NewLimiter(ml.rate, ml.burst))
	}
	return l.(*rate.Limiter).Allow()
}

// Remove drops the connection's bucket.
func (ml *MessageLimiter) Remove(connID string) {
	ml.clients.Delete(connID)
}
