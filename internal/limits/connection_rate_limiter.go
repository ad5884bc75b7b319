package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter limits connection attempts before the upgrade.
//
// Two levels, both token buckets:
//   - Per-IP: one address cannot flood the listener
//   - Global: caps the accept rate during distributed bursts
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger zerolog.Logger
	now    func() time.Time

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // connections/sec per IP, default 1.0
	IPTTL   time.Duration // forget idle IPs after this, default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // connections/sec, default 50.0

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup loop.
// Zero values in config fall back to the defaults above.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		now:           time.Now,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go limiter.cleanupLoop()

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return limiter
}

// CheckConnectionAllowed reports whether a connection from ip may proceed.
// The global bucket is checked first so a rejected attempt never creates
// per-IP state.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !crl.ipLimiter(ip).Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, ok := crl.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = crl.now()
	return entry.limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	defer monitoring.RecoverPanic(crl.logger, "connectionRateLimiterCleanup", nil)

	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup forgets IPs not seen within ipTTL.
func (crl *ConnectionRateLimiter) cleanup() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := crl.now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// Stop ends the cleanup loop. Safe to call more than once.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() { close(crl.stopCleanup) })
}

// Stats returns limiter state for the status endpoint.
func (crl *ConnectionRateLimiter) Stats() map[string]any {
	crl.ipMu.Lock()
	trackedIPs := len(crl.ipLimiters)
	crl.ipMu.Unlock()

	return map[string]any{
		"tracked_ips":  trackedIPs,
		"ip_burst":     crl.ipBurst,
		"ip_rate":      crl.ipRate,
		"global_burst": crl.globalBurst,
		"global_rate":  crl.globalRate,
	}
}
