package core

import "sync/atomic"

// ExecutionStats holds the engine's monotonically non-decreasing counters.
// The engine is the single conceptual owner; atomics keep the health
// reporter's reads consistent without coordination.
type ExecutionStats struct {
	Received                   atomic.Int64
	Attempts                   atomic.Int64
	Successful                 atomic.Int64
	Failed                     atomic.Int64
	Rejected                   atomic.Int64
	QueueRejects               atomic.Int64
	LockConflicts              atomic.Int64
	ExecutionTimeouts          atomic.Int64
	ProviderReconnections      atomic.Int64
	CircuitBreakerTrips        atomic.Int64
	CircuitBreakerBlocks       atomic.Int64
	RiskEVRejections           atomic.Int64
	RiskPositionSizeRejections atomic.Int64
	RiskDrawdownBlocks         atomic.Int64
	StaleLockRecoveries        atomic.Int64
	Duplicates                 atomic.Int64
	DeadLettered               atomic.Int64
	SimulationReverts          atomic.Int64
}

// Snapshot returns a flat view suitable for health stream publication.
func (s *ExecutionStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"received":                   s.Received.Load(),
		"attempts":                   s.Attempts.Load(),
		"successful":                 s.Successful.Load(),
		"failed":                     s.Failed.Load(),
		"rejected":                   s.Rejected.Load(),
		"queueRejects":               s.QueueRejects.Load(),
		"lockConflicts":              s.LockConflicts.Load(),
		"executionTimeouts":          s.ExecutionTimeouts.Load(),
		"providerReconnections":      s.ProviderReconnections.Load(),
		"circuitBreakerTrips":        s.CircuitBreakerTrips.Load(),
		"circuitBreakerBlocks":       s.CircuitBreakerBlocks.Load(),
		"riskEVRejections":           s.RiskEVRejections.Load(),
		"riskPositionSizeRejections": s.RiskPositionSizeRejections.Load(),
		"riskDrawdownBlocks":         s.RiskDrawdownBlocks.Load(),
		"staleLockRecoveries":        s.StaleLockRecoveries.Load(),
		"duplicates":                 s.Duplicates.Load(),
		"deadLettered":               s.DeadLettered.Load(),
		"simulationReverts":          s.SimulationReverts.Load(),
	}
}
