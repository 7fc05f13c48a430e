package locker

import "github.com/ethereum/go-ethereum/metrics"

var (
	lockConflictMeter      = metrics.NewRegisteredMeter("arb/locker/conflicts", nil)
	staleLockRecoveryMeter = metrics.NewRegisteredMeter("arb/locker/recoveries", nil)
)
