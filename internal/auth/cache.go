package auth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingAuthenticator memoizes successful verifications for a bounded time.
// Cached principals are still rejected once their token expiry passes.
type CachingAuthenticator struct {
	next  Authenticator
	cache *expirable.LRU[string, Principal]
	now   func() time.Time
}

func NewCachingAuthenticator(next Authenticator, size int, ttl time.Duration) *CachingAuthenticator {
	return &CachingAuthenticator{
		next:  next,
		cache: expirable.NewLRU[string, Principal](size, nil, ttl),
		now:   time.Now,
	}
}

func (c *CachingAuthenticator) Verify(ctx context.Context, token string) (Principal, error) {
	if p, ok := c.cache.Get(token); ok {
		if p.ExpiresAt.IsZero() || c.now().Before(p.ExpiresAt) {
			return p, nil
		}
		c.cache.Remove(token)
		return Principal{}, ErrTokenExpired
	}

	p, err := c.next.Verify(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	c.cache.Add(token, p)
	return p, nil
}

// Len reports the number of cached tokens.
func (c *CachingAuthenticator) Len() int {
	return c.cache.Len()
}
