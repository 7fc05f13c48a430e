package commitreveal

import "github.com/ethereum/go-ethereum/metrics"

var (
	duplicateMeter  = metrics.NewRegisteredMeter("arb/commitreveal/duplicates", nil)
	revealMeter     = metrics.NewRegisteredMeter("arb/commitreveal/reveals", nil)
	revealFailMeter = metrics.NewRegisteredMeter("arb/commitreveal/reveal/failures", nil)
)
