package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Delivery summarizes one fan-out.
type Delivery struct {
	Targets   int `json:"targets"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Dispatcher writes messages to connections with retry and bounded fan-out.
type Dispatcher struct {
	reg         *Registry
	maxRetries  int
	retryDelay  time.Duration
	sendTimeout time.Duration
	concurrency int
	logger      zerolog.Logger

	// onExhausted is called once a send has used all of its retries.
	onExhausted func(id string, err error)
}

// SendTo delivers data to one connection. Transient failures are retried up to
// maxRetries times with delay retryDelay*2^attempt. The retry loop stops as
// soon as the connection is detached.
func (d *Dispatcher) SendTo(ctx context.Context, id string, data []byte) error {
	t, done, err := d.reg.target(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailure, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err = retry.Do(
		func() error {
			sendCtx, cancelSend := context.WithTimeout(ctx, d.sendTimeout)
			defer cancelSend()
			return t.Send(sendCtx, data)
		},
		retry.Context(ctx),
		retry.Attempts(uint(d.maxRetries)+1),
		retry.Delay(d.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrConnectionClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			if int(n) >= d.maxRetries {
				return
			}
			d.reg.incrementRetries(id)
			monitoring.IncrementSendRetries()
			d.logger.Debug().
				Str("connection_id", id).
				Uint("attempt", n+1).
				Err(err).
				Msg("Send failed, retrying")
		}),
	)
	if err == nil {
		d.reg.Touch(id)
		monitoring.IncrementMessagesSent()
		return nil
	}

	// closed underneath us: nothing to escalate
	if errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
		return fmt.Errorf("%w: connection %s: %w", ErrSendFailure, id, err)
	}

	monitoring.IncrementSendFailures()
	if d.onExhausted != nil {
		d.onExhausted(id, err)
	}
	return fmt.Errorf("%w: connection %s after %d attempts: %w", ErrSendFailure, id, d.maxRetries+1, err)
}

// fanOut sends data to every id concurrently. Individual failures are counted,
// never returned, and never stop the batch.
func (d *Dispatcher) fanOut(ctx context.Context, ids []string, data []byte) Delivery {
	var delivered, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			defer monitoring.RecoverPanic(d.logger, "fanOut", map[string]any{"connection_id": id})

			if err := d.SendTo(ctx, id, data); err != nil {
				failed.Add(1)
				d.logger.Debug().Str("connection_id", id).Err(err).Msg("Fan-out delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	monitoring.ObserveBroadcastFanout(len(ids))
	return Delivery{
		Targets:   len(ids),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
}
