// Package standby manages the standby-to-active transition for warm spare
// instances: they start with the queue paused and simulation on, and flip
// both atomically when promoted.
package standby

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/simulation"
	"github.com/mevlab/arb-engine/strategy"
	"github.com/mevlab/arb-engine/stream"
)

// ErrEngineNotRunning is returned when activation is requested before the
// engine reached its running state.
var ErrEngineNotRunning = errors.New("cannot activate: engine is not running")

// ProviderBootstrap is the provider-registry surface activation needs.
type ProviderBootstrap interface {
	Initialize(ctx context.Context) error
	StartHealthChecks()
	GetHealthyCount() int
}

// Subsystem is a non-critical component warmed up during activation.
// Failures are logged and activation continues.
type Subsystem struct {
	Name string
	Init func(ctx context.Context) error
}

// Manager performs the idempotent activation protocol.
type Manager struct {
	cfg       params.StandbyConfig
	healthCfg params.HealthConfig

	sim        *simulation.Service
	factory    *strategy.Factory
	providers  ProviderBootstrap
	queue      *queue.Queue
	broker     stream.Broker
	subsystems []Subsystem
	running    func() bool

	inFlight  singleflight.Group
	activated atomic.Bool
}

// NewManager wires the activation dependencies. running reports whether the
// engine is in its running state.
func NewManager(cfg params.StandbyConfig, healthCfg params.HealthConfig, sim *simulation.Service,
	factory *strategy.Factory, providers ProviderBootstrap, q *queue.Queue,
	broker stream.Broker, subsystems []Subsystem, running func() bool) *Manager {
	return &Manager{
		cfg:        cfg,
		healthCfg:  healthCfg,
		sim:        sim,
		factory:    factory,
		providers:  providers,
		queue:      q,
		broker:     broker,
		subsystems: subsystems,
		running:    running,
	}
}

// IsActivated reports whether the instance has been promoted.
func (m *Manager) IsActivated() bool {
	return m.activated.Load()
}

// Activate promotes this instance. Idempotent: an already-active instance
// returns true immediately, and concurrent callers share one in-flight
// activation.
func (m *Manager) Activate(ctx context.Context) (bool, error) {
	if m.activated.Load() {
		return true, nil
	}
	if m.running != nil && !m.running() {
		return false, ErrEngineNotRunning
	}
	_, err, _ := m.inFlight.Do("activate", func() (any, error) {
		return nil, m.activate(ctx)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) activate(ctx context.Context) error {
	if m.activated.Load() {
		return nil
	}
	log.Info("standby activation started", "region", m.cfg.RegionID)

	if m.cfg.ActivationDisablesSimulation && m.sim != nil && m.sim.Enabled() {
		m.sim.SetEnabled(false)
		m.factory.SetSimulationMode(false)
		log.Info("simulation mode disabled for live trading")
	}

	if m.providers != nil && m.providers.GetHealthyCount() == 0 {
		if err := m.providers.Initialize(ctx); err != nil {
			return err
		}
		m.providers.StartHealthChecks()
		// MEV, bridge and friends are non-critical: a failed warm-up must
		// not keep the instance on the bench.
		for _, sub := range m.subsystems {
			if err := sub.Init(ctx); err != nil {
				log.Warn("subsystem warm-up failed, continuing activation",
					"subsystem", sub.Name, "err", err)
			}
		}
	}

	if m.queue.IsManuallyPaused() {
		m.queue.Resume()
		log.Info("execution queue resumed")
	}

	event := map[string]any{
		"event":          "standby_activated",
		"regionId":       m.cfg.RegionID,
		"simulationMode": m.sim != nil && m.sim.Enabled(),
		"timestamp":      time.Now().UnixMilli(),
	}
	if _, err := m.broker.Publish(ctx, m.healthCfg.Stream, event); err != nil {
		log.Warn("standby activation event publish failed", "err", err)
	}

	m.activated.Store(true)
	activationMeter.Mark(1)
	log.Info("standby activation complete", "region", m.cfg.RegionID)
	return nil
}
