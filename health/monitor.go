// Package health publishes periodic service snapshots and runs the
// engine's housekeeping: gas-history compaction and lock-tracker cleanup.
package health

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/consumer"
	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/gasprice"
	"github.com/mevlab/arb-engine/kv"
	"github.com/mevlab/arb-engine/locker"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/simulation"
	"github.com/mevlab/arb-engine/stream"
)

// Monitor ticks on a single interval and never overlaps itself.
type Monitor struct {
	cfg    params.HealthConfig
	broker stream.Broker
	store  kv.Store

	queue    *queue.Queue
	consumer *consumer.Consumer
	stats    *core.ExecutionStats
	gas      *gasprice.Optimizer
	tracker  *locker.Tracker
	sim      *simulation.Service
	state    func() string

	startedAt time.Time

	reporting sync.Mutex // isReporting guard; TryLock
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewMonitor wires the housekeeping targets. sim and store may be nil.
func NewMonitor(cfg params.HealthConfig, broker stream.Broker, store kv.Store,
	q *queue.Queue, c *consumer.Consumer, stats *core.ExecutionStats,
	gas *gasprice.Optimizer, tracker *locker.Tracker, sim *simulation.Service,
	state func() string) *Monitor {
	return &Monitor{
		cfg:       cfg,
		broker:    broker,
		store:     store,
		queue:     q,
		consumer:  c,
		stats:     stats,
		gas:       gas,
		tracker:   tracker,
		sim:       sim,
		state:     state,
		startedAt: time.Now(),
		quit:      make(chan struct{}),
	}
}

// Start launches the reporting loop.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop(ctx)
	})
}

// Stop halts the loop.
func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunOnce(ctx)
		case <-m.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one housekeeping and reporting cycle. Overlapping calls
// are skipped, not queued.
func (m *Monitor) RunOnce(ctx context.Context) {
	if !m.reporting.TryLock() {
		log.Debug("health cycle already running, skipping")
		return
	}
	defer m.reporting.Unlock()

	m.gas.CompactHistory(m.cfg.GasHistoryMaxAge, m.cfg.GasHistoryMax)
	if m.tracker != nil {
		if dropped := m.tracker.Cleanup(); dropped > 0 {
			log.Debug("lock tracker cleanup", "dropped", dropped)
		}
	}
	m.publish(ctx, m.Snapshot())
}

// Snapshot assembles the current service view.
func (m *Monitor) Snapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := map[string]any{
		"name":             m.cfg.ServiceName,
		"status":           m.state(),
		"uptime":           time.Since(m.startedAt).Milliseconds(),
		"memoryUsage":      mem.HeapAlloc,
		"lastHeartbeat":    time.Now().UnixMilli(),
		"queueSize":        m.queue.Size(),
		"queuePaused":      m.queue.IsPaused(),
		"activeExecutions": m.consumer.GetActiveCount(),
		"pendingMessages":  m.consumer.GetPendingCount(),
		"stats":            m.stats.Snapshot(),
	}
	if m.sim != nil {
		snap["simulationMetrics"] = m.sim.Metrics()
	}
	return snap
}

func (m *Monitor) publish(ctx context.Context, snap map[string]any) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error("health snapshot marshal failed", "err", err)
		return
	}
	if _, err := m.broker.Publish(ctx, m.cfg.Stream, map[string]any{
		"service":   m.cfg.ServiceName,
		"snapshot":  string(payload),
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		log.Warn("health stream publish failed", "err", err)
	}
	if m.store != nil {
		key := "health:" + m.cfg.ServiceName
		if err := m.store.Set(ctx, key, payload, 2*m.cfg.Interval); err != nil {
			log.Warn("health kv update failed", "key", key, "err", err)
		}
	}
	heartbeatMeter.Mark(1)
}
