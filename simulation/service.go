// Package simulation pre-flights transactions against hosted or local
// simulation backends before real funds are committed.
package simulation

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// Result is one simulation verdict.
type Result struct {
	Success      bool
	WouldRevert  bool
	RevertReason string
	ReturnValue  []byte
	Provider     string
	LatencyMs    int64
}

// Service fans a simulation across the configured backends in preference
// order. Transport failures fall through to the next backend; a revert is a
// definitive answer and stops the chain.
type Service struct {
	cfg      params.SimulationConfig
	backends []Backend

	mu      sync.Mutex
	enabled bool

	simulated int64
	reverted  int64
}

// NewService builds the backend chain from the preferred order. Hosted
// backends without configured endpoints are skipped.
func NewService(cfg params.SimulationConfig, providers ProviderSource) *Service {
	httpClient := &http.Client{Timeout: cfg.BackendTimeout}
	var backends []Backend
	for _, name := range cfg.PreferredOrder {
		switch name {
		case "tenderly":
			if cfg.TenderlyURL != "" {
				backends = append(backends, &httpBackend{
					name: "tenderly", url: cfg.TenderlyURL, accessKey: cfg.TenderlyKey, client: httpClient,
				})
			}
		case "alchemy":
			if cfg.AlchemyURL != "" {
				backends = append(backends, &httpBackend{
					name: "alchemy", url: cfg.AlchemyURL, client: httpClient,
				})
			}
		case "local":
			backends = append(backends, &localBackend{providers: providers})
		}
		if !cfg.UseFallback && len(backends) == 1 {
			break
		}
	}
	return &Service{cfg: cfg, backends: backends, enabled: cfg.Enabled}
}

// Enabled reports whether simulation currently runs; the standby manager
// flips this on activation.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled flips simulation mode at runtime.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	was := s.enabled
	s.enabled = enabled
	s.mu.Unlock()
	if was != enabled {
		log.Info("simulation mode changed", "enabled", enabled)
	}
}

// ShouldSimulate decides whether an opportunity warrants a pre-flight:
// simulation must be on, the profit must clear the floor, and time-critical
// opportunities skip it entirely.
func (s *Service) ShouldSimulate(op *core.Opportunity) bool {
	if !s.Enabled() {
		return false
	}
	if op.ExpectedProfit < s.cfg.MinProfitForSim {
		return false
	}
	if s.cfg.BypassForTimeCritical {
		remaining := time.Duration(op.TimeRemaining(time.Now().UnixMilli())) * time.Millisecond
		if remaining < s.cfg.TimeCriticalThreshold {
			log.Debug("bypassing simulation for time-critical opportunity",
				"id", op.ID, "remaining", remaining)
			return false
		}
	}
	return true
}

// Simulate walks the backend chain with a bounded timeout per backend.
func (s *Service) Simulate(ctx context.Context, tx *core.TxRequest, chain string) *Result {
	simulationMeter.Mark(1)
	s.mu.Lock()
	s.simulated++
	s.mu.Unlock()

	for _, backend := range s.backends {
		start := time.Now()
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
		res, err := backend.Simulate(bctx, tx, chain)
		cancel()
		latency := time.Since(start).Milliseconds()

		if err == nil {
			res.Provider = backend.Name()
			res.LatencyMs = latency
			log.Trace("simulation succeeded", "backend", backend.Name(), "chain", chain, "latency", latency)
			return res
		}
		if reason, ok := isRevert(err); ok {
			revertMeter.Mark(1)
			s.mu.Lock()
			s.reverted++
			s.mu.Unlock()
			log.Debug("simulation predicts revert", "backend", backend.Name(),
				"chain", chain, "reason", reason)
			return &Result{
				WouldRevert:  true,
				RevertReason: reason,
				Provider:     backend.Name(),
				LatencyMs:    latency,
			}
		}
		log.Warn("simulation backend failed, trying next", "backend", backend.Name(),
			"chain", chain, "err", err)
	}
	// Every backend failed on transport: the caller decides whether to
	// proceed unsimulated.
	return &Result{Provider: "none"}
}

// Metrics returns counters for health reporting.
func (s *Service) Metrics() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int64{
		"simulated": s.simulated,
		"reverted":  s.reverted,
	}
}
