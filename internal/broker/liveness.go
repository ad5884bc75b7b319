package broker

import (
	"context"
	"time"

	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
)

// startMonitors launches the heartbeat, idle sweep and recovery loops. They
// run until Shutdown.
func (b *Broker) startMonitors() {
	b.logger.Info().
		Dur("heartbeat_interval", b.cfg.HeartbeatInterval).
		Dur("idle_sweep_interval", b.cfg.IdleSweepInterval).
		Dur("idle_timeout", b.cfg.IdleTimeout).
		Dur("recovery_interval", b.cfg.RecoveryInterval).
		Msg("Starting background monitors")

	b.every("heartbeat", b.cfg.HeartbeatInterval, func(ctx context.Context) {
		b.HeartbeatOnce(ctx)
	})
	b.every("idleSweep", b.cfg.IdleSweepInterval, func(context.Context) {
		b.SweepIdle()
	})
	b.every("recovery", b.cfg.RecoveryInterval, func(ctx context.Context) {
		b.RecoverOnce(ctx)
	})
}

func (b *Broker) every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		b.logger.Warn().Str("monitor", name).Msg("Monitor disabled: interval must be > 0")
		return
	}

	b.wg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(b.logger, name, nil)
		defer b.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.tick(name, fn)
			}
		}
	}()
}

// tick runs one iteration so a panic skips the tick instead of killing the loop.
func (b *Broker) tick(name string, fn func(ctx context.Context)) {
	defer monitoring.RecoverPanic(b.logger, name+"Tick", nil)
	fn(b.ctx)
}

// HeartbeatOnce sends a heartbeat to every authenticated connection.
func (b *Broker) HeartbeatOnce(ctx context.Context) Delivery {
	ids := b.reg.IDsInState(StateAuthenticated)
	if len(ids) == 0 {
		return Delivery{}
	}

	data, err := encode(protocol.NewMessage(protocol.TypeHeartbeat, map[string]any{
		"interval_seconds": int(b.cfg.HeartbeatInterval.Seconds()),
	}))
	if err != nil {
		return Delivery{}
	}

	d := b.dispatcher.fanOut(ctx, ids, data)
	b.logger.Debug().
		Int("targets", d.Targets).
		Int("failed", d.Failed).
		Msg("Heartbeat sent")
	return d
}

// SweepIdle evicts every connection idle for longer than IdleTimeout and
// returns the evicted ids.
func (b *Broker) SweepIdle() []string {
	cutoff := b.now().Add(-b.cfg.IdleTimeout)

	var evicted []string
	for _, id := range b.reg.IdleSince(cutoff) {
		if b.Evict(id, ReasonConnectionTimeout) {
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		b.logger.Info().
			Int("evicted", len(evicted)).
			Dur("idle_timeout", b.cfg.IdleTimeout).
			Msg("Idle connections evicted")
	}
	return evicted
}
