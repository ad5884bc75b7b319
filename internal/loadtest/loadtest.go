// Package loadtest drives sustained authenticated socket load against a
// running server and reports what the clients observed.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config is read from the environment by the careline-loadtest command.
type Config struct {
	URL            string        `env:"LOADTEST_URL" envDefault:"ws://localhost:3002/ws/health"`
	HealthURL      string        `env:"LOADTEST_HEALTH_URL" envDefault:"http://localhost:3002/health"`
	Connections    int           `env:"LOADTEST_CONNECTIONS" envDefault:"1000"`
	Users          int           `env:"LOADTEST_USERS" envDefault:"500"` // connections are spread round robin
	Role           string        `env:"LOADTEST_ROLE" envDefault:"patient"`
	RampRate       float64       `env:"LOADTEST_RAMP_RATE" envDefault:"100"` // connections/sec
	DialConcurrent int           `env:"LOADTEST_DIAL_CONCURRENCY" envDefault:"64"`
	DialTimeout    time.Duration `env:"LOADTEST_DIAL_TIMEOUT" envDefault:"10s"`
	Duration       time.Duration `env:"LOADTEST_DURATION" envDefault:"5m"`
	ReportInterval time.Duration `env:"LOADTEST_REPORT_INTERVAL" envDefault:"10s"`
	JWTSecret      string        `env:"JWT_SECRET,required"`
	JWTIssuer      string        `env:"JWT_ISSUER" envDefault:"careline-api"`
}

// Validate checks configuration for errors
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("LOADTEST_URL is required")
	}
	if c.Connections < 1 {
		return fmt.Errorf("LOADTEST_CONNECTIONS must be > 0, got %d", c.Connections)
	}
	if c.Users < 1 {
		return fmt.Errorf("LOADTEST_USERS must be > 0, got %d", c.Users)
	}
	if c.RampRate <= 0 {
		return fmt.Errorf("LOADTEST_RAMP_RATE must be > 0, got %v", c.RampRate)
	}
	if c.DialConcurrent < 1 {
		return fmt.Errorf("LOADTEST_DIAL_CONCURRENCY must be > 0, got %d", c.DialConcurrent)
	}
	if c.Duration <= 0 || c.ReportInterval <= 0 {
		return errors.New("LOADTEST_DURATION and LOADTEST_REPORT_INTERVAL must be > 0")
	}
	return nil
}

// Report is a snapshot of client-side counters.
type Report struct {
	Elapsed       time.Duration    `json:"elapsed"`
	Attempted     int64            `json:"attempted"`
	Connected     int64            `json:"connected"`
	Active        int64            `json:"active"`
	Failed        int64            `json:"failed"`
	Authenticated int64            `json:"authenticated"`
	AuthFailed    int64            `json:"auth_failed"`
	Dropped       int64            `json:"dropped"`
	Messages      int64            `json:"messages"`
	ByType        map[string]int64 `json:"by_type"`
	Errors        map[string]int64 `json:"errors"`
}

type stats struct {
	attempted     atomic.Int64
	connected     atomic.Int64
	active        atomic.Int64
	failed        atomic.Int64
	authenticated atomic.Int64
	authFailed    atomic.Int64
	dropped       atomic.Int64
	messages      atomic.Int64

	mu     sync.Mutex
	byType map[string]int64
	errors map[string]int64
}

func (s *stats) record(msgType string) {
	s.messages.Add(1)
	s.mu.Lock()
	s.byType[msgType]++
	s.mu.Unlock()
}

func (s *stats) fail(kind string) {
	s.failed.Add(1)
	s.mu.Lock()
	s.errors[kind]++
	s.mu.Unlock()
}

func (s *stats) snapshot(elapsed time.Duration) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		Elapsed:       elapsed,
		Attempted:     s.attempted.Load(),
		Connected:     s.connected.Load(),
		Active:        s.active.Load(),
		Failed:        s.failed.Load(),
		Authenticated: s.authenticated.Load(),
		AuthFailed:    s.authFailed.Load(),
		Dropped:       s.dropped.Load(),
		Messages:      s.messages.Load(),
		ByType:        make(map[string]int64, len(s.byType)),
		Errors:        make(map[string]int64, len(s.errors)),
	}
	for k, v := range s.byType {
		r.ByType[k] = v
	}
	for k, v := range s.errors {
		r.Errors[k] = v
	}
	return r
}

// Run ramps up cfg.Connections clients at cfg.RampRate, holds them for
// cfg.Duration, then closes them and returns the final report.
func Run(ctx context.Context, cfg Config, logger zerolog.Logger) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if cfg.HealthURL != "" {
		if err := checkHealth(ctx, cfg.HealthURL, logger); err != nil {
			return Report{}, fmt.Errorf("initial health check: %w", err)
		}
	}

	issuer := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	st := &stats{byType: map[string]int64{}, errors: map[string]int64{}}
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				logReport(logger, "Load test progress", st.snapshot(time.Since(start)))
			}
		}
	}()

	logger.Info().
		Int("connections", cfg.Connections).
		Float64("ramp_rate", cfg.RampRate).
		Str("url", cfg.URL).
		Msg("Starting ramp-up")

	var (
		mu      sync.Mutex
		clients []*client
		readers sync.WaitGroup
	)
	limiter := rate.NewLimiter(rate.Limit(cfg.RampRate), max(1, int(cfg.RampRate)))
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(cfg.DialConcurrent)

	for i := 0; i < cfg.Connections; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		st.attempted.Add(1)
		principal := auth.Principal{
			UserID: fmt.Sprintf("load-%d", i%cfg.Users),
			Role:   cfg.Role,
		}
		g.Go(func() error {
			token, err := issuer.Issue(principal, cfg.Duration+time.Hour)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			c, err := dial(gctx, cfg, token)
			if err != nil {
				st.fail(classify(err))
				return nil
			}
			st.connected.Add(1)
			st.active.Add(1)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			readers.Add(1)
			go func() {
				defer readers.Done()
				defer st.active.Add(-1)
				c.read(st)
			}()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		closeAll(clients)
		readers.Wait()
		<-reportDone
		return st.snapshot(time.Since(start)), err
	}

	logger.Info().
		Int64("active", st.active.Load()).
		Int64("failed", st.failed.Load()).
		Dur("sustain", cfg.Duration).
		Msg("Ramp-up complete")

	select {
	case <-time.After(cfg.Duration):
	case <-runCtx.Done():
		logger.Warn().Msg("Sustain phase interrupted")
	}

	closeAll(clients)
	readers.Wait()
	cancel()
	<-reportDone

	report := st.snapshot(time.Since(start))
	logReport(logger, "Load test complete", report)
	return report, nil
}

func closeAll(clients []*client) {
	for _, c := range clients {
		c.close()
	}
}

func logReport(logger zerolog.Logger, msg string, r Report) {
	logger.Info().
		Dur("elapsed", r.Elapsed).
		Int64("attempted", r.Attempted).
		Int64("connected", r.Connected).
		Int64("active", r.Active).
		Int64("failed", r.Failed).
		Int64("authenticated", r.Authenticated).
		Int64("auth_failed", r.AuthFailed).
		Int64("dropped", r.Dropped).
		Int64("messages", r.Messages).
		Interface("by_type", r.ByType).
		Interface("errors", r.Errors).
		Msg(msg)
}

func checkHealth(ctx context.Context, url string, logger zerolog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server %s (HTTP %d)", body.Status, resp.StatusCode)
	}

	logger.Info().
		Str("status", body.Status).
		Int("connections", body.Connections).
		Msg("Server healthy")
	return nil
}

// classify buckets dial failures: HTTP rejections by status, the rest by kind.
func classify(err error) string {
	var status *handshakeError
	if errors.As(err, &status) {
		return fmt.Sprintf("http_%d", status.code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "dial_error"
}
