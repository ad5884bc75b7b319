package broker

import (
	"context"

	"github.com/adred-codev/careline/internal/audit"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Probed    int `json:"probed"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Evicted   int `json:"evicted"`
}

// RecoverOnce probes every error-state connection that has attempts left.
func (b *Broker) RecoverOnce(ctx context.Context) RecoveryReport {
	var report RecoveryReport
	for _, id := range b.reg.recoveryCandidates(b.cfg.MaxRecoveryAttempts) {
		b.recoverConnection(ctx, id, &report)
	}

	if report.Probed > 0 {
		b.logger.Info().
			Int("probed", report.Probed).
			Int("recovered", report.Recovered).
			Int("failed", report.Failed).
			Int("evicted", report.Evicted).
			Msg("Recovery sweep finished")
	}
	return report
}

// ReconnectUser runs an out-of-band recovery attempt for every error-state
// connection of userID.
func (b *Broker) ReconnectUser(ctx context.Context, userID string) RecoveryReport {
	var report RecoveryReport
	for _, id := range b.reg.userConnectionsInState(userID, StateError) {
		b.recoverConnection(ctx, id, &report)
	}

	b.logger.Info().
		Str("user_id", userID).
		Int("probed", report.Probed).
		Int("recovered", report.Recovered).
		Msg("User reconnect requested")
	return report
}

func (b *Broker) recoverConnection(ctx context.Context, id string, report *RecoveryReport) {
	t, err := b.reg.transportOf(id, StateError)
	if err != nil {
		return
	}

	data, err := encode(protocol.NewMessage(protocol.TypeProbe, map[string]any{
		"connection_id": id,
	}))
	if err != nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	probeErr := t.Send(sendCtx, data)
	cancel()

	attempts, err := b.reg.recordProbe(id, probeErr)
	if err != nil {
		// evicted or moved out of error while probing
		return
	}
	report.Probed++

	if probeErr == nil {
		report.Recovered++
		monitoring.RecordRecoveryAttempt("success")
		b.logger.Info().Str("connection_id", id).Msg("Connection recovered")
		return
	}

	report.Failed++
	monitoring.RecordRecoveryAttempt("failure")
	b.logger.Warn().
		Str("connection_id", id).
		Int("attempt", attempts).
		Int("max_attempts", b.cfg.MaxRecoveryAttempts).
		Err(probeErr).
		Msg("Recovery probe failed")

	if attempts < b.cfg.MaxRecoveryAttempts {
		return
	}

	info, _ := b.reg.Get(id)
	if b.Evict(id, ReasonRecoveryExhausted) {
		report.Evicted++
		b.audit.Record(audit.EventRecoveryExhausted, info.UserID, map[string]any{
			"connection_id": id,
			"attempts":      attempts,
			"last_error":    probeErr.Error(),
		})
	}
}
