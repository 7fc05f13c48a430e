// Package engine coordinates the per-opportunity pipeline: dequeue, breaker
// gate, risk assessment, strategy selection, optional simulation, execution
// and outcome recording. It owns no business logic of its own.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/mevlab/arb-engine/breaker"
	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/locker"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/risk"
	"github.com/mevlab/arb-engine/simulation"
	"github.com/mevlab/arb-engine/strategy"
)

// Engine lifecycle states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// CompletionSink receives the terminal notification for an opportunity; the
// consumer satisfies it with its deferred ACK.
type CompletionSink interface {
	MarkComplete(ctx context.Context, id string)
}

// DistributedLock is the chain-wide execution lock; *locker.ChainLock
// satisfies it. A nil lock disables cross-instance exclusion.
type DistributedLock interface {
	Acquire(ctx context.Context, chain, holderID string) error
	Release(ctx context.Context, chain, holderID string) error
	ForceRelease(ctx context.Context, chain string) error
}

// Engine drives executions off the queue under a concurrency bound.
type Engine struct {
	cfg params.EngineConfig

	queue   *queue.Queue
	breaker *breaker.Breaker
	risk    *risk.Orchestrator
	factory *strategy.Factory
	sim     *simulation.Service
	sink    CompletionSink
	lock    DistributedLock
	tracker *locker.Tracker
	stats   *core.ExecutionStats

	workers *semaphore.Weighted
	notify  chan struct{}

	mu    sync.Mutex
	state string

	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires the coordinator. sim and lock may be nil; tracker must be
// non-nil when lock is.
func New(cfg params.EngineConfig, q *queue.Queue, cb *breaker.Breaker, ro *risk.Orchestrator,
	factory *strategy.Factory, sim *simulation.Service, sink CompletionSink,
	lock DistributedLock, tracker *locker.Tracker, stats *core.ExecutionStats) *Engine {
	e := &Engine{
		cfg:     cfg,
		queue:   q,
		breaker: cb,
		risk:    ro,
		factory: factory,
		sim:     sim,
		sink:    sink,
		lock:    lock,
		tracker: tracker,
		stats:   stats,
		workers: semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		notify:  make(chan struct{}, 1),
		state:   StateStarting,
		quit:    make(chan struct{}),
	}
	// The queue signals synchronously after each push; the channel's single
	// slot coalesces bursts into one wake-up.
	q.OnItemAvailable(e.wake)
	cb.OnStateChange(e.onBreakerEvent)
	return e
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) onBreakerEvent(ev breaker.Event) {
	if ev.New == breaker.Open && ev.Previous == breaker.Closed {
		e.stats.CircuitBreakerTrips.Add(1)
	}
	log.Info("circuit breaker state change", "from", ev.Previous, "to", ev.New,
		"failures", ev.ConsecutiveFailures, "reason", ev.Reason)
}

// State returns the lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	log.Info("engine state", "state", s)
}

// Start launches the dispatch loop.
func (e *Engine) Start(ctx context.Context) {
	e.setState(StateRunning)
	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop drains in-flight executions within the shutdown grace period.
func (e *Engine) Stop() {
	e.setState(StateStopping)
	close(e.quit)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		log.Warn("shutdown grace elapsed with executions still in flight")
	}
	e.setState(StateStopped)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ctx.Done():
			return
		case <-e.notify:
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

// drain dispatches queued opportunities until the queue empties or the
// engine leaves the running state.
func (e *Engine) drain(ctx context.Context) {
	for e.State() == StateRunning {
		op := e.queue.Dequeue()
		if op == nil {
			return
		}
		if err := e.workers.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for a slot; the opportunity is
			// released back through the terminal ACK path untried.
			e.sink.MarkComplete(ctx, op.ID)
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.workers.Release(1)
			e.process(ctx, op)
		}()
	}
}

// process runs one opportunity through the pipeline. The terminal ACK fires
// on every path, success or not.
func (e *Engine) process(ctx context.Context, op *core.Opportunity) {
	defer e.sink.MarkComplete(ctx, op.ID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("execution panicked", "id", op.ID, "err", rec)
			e.stats.Failed.Add(1)
		}
	}()

	op.Stamp(core.MilestoneExecutionStarted)
	e.stats.Attempts.Add(1)

	if op.Expired(time.Now().UnixMilli()) {
		log.Debug("opportunity expired in queue", "id", op.ID)
		e.stats.Rejected.Add(1)
		return
	}
	if !e.breaker.CanExecute() {
		e.stats.CircuitBreakerBlocks.Add(1)
		log.Debug("circuit breaker open, skipping", "id", op.ID)
		return
	}

	decision := e.risk.Assess(op)
	if !decision.Allowed {
		e.stats.Rejected.Add(1)
		log.Debug("risk rejected opportunity", "id", op.ID, "reason", decision.Reason)
		return
	}
	// From here the in-flight slot is held; every exit must record an
	// outcome so the slot is released.

	strat, err := e.factory.ForType(op.Type)
	if err != nil {
		log.Error("no strategy for opportunity", "id", op.ID, "type", op.Type)
		e.finish(op, &core.ExecutionOutcome{
			OpportunityID: op.ID, Type: op.Type, Chain: op.Chain(), Error: err.Error(),
		}, false)
		return
	}

	ectx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	chain := op.Chain()
	if e.lock != nil {
		if !e.acquireChainLock(ectx, chain, op.ID) {
			e.finish(op, &core.ExecutionOutcome{
				OpportunityID: op.ID, Type: op.Type, Chain: chain, Error: "chain lock held elsewhere",
			}, false)
			return
		}
		defer func() {
			if err := e.lock.Release(context.Background(), chain, op.ID); err != nil {
				log.Warn("chain lock release failed", "chain", chain, "id", op.ID, "err", err)
			}
		}()
	}

	tx, err := strat.Prepare(ectx, op, decision.RecommendedSizeWei)
	if err != nil {
		log.Warn("strategy prepare failed", "id", op.ID, "err", err)
		e.finish(op, &core.ExecutionOutcome{
			OpportunityID: op.ID, Type: op.Type, Chain: chain, Error: err.Error(),
		}, true)
		return
	}

	if e.sim != nil && e.sim.ShouldSimulate(op) {
		if res := e.sim.Simulate(ectx, tx, chain); res.WouldRevert {
			e.stats.SimulationReverts.Add(1)
			log.Warn("simulation predicts revert, aborting", "id", op.ID, "reason", res.RevertReason)
			// An averted revert costs nothing and says nothing about the
			// chain's health, so the breaker stays untouched.
			e.finish(op, &core.ExecutionOutcome{
				OpportunityID: op.ID, Type: op.Type, Chain: chain, Error: res.RevertReason,
			}, false)
			return
		}
	}

	out, err := strat.Execute(ectx, op, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ectx.Err(), context.DeadlineExceeded) {
			e.stats.ExecutionTimeouts.Add(1)
		}
		e.finish(op, &core.ExecutionOutcome{
			OpportunityID: op.ID, Type: op.Type, Chain: chain, Error: err.Error(),
		}, true)
		return
	}
	e.finish(op, out, true)
}

// acquireChainLock takes the distributed chain lock, running the stale-
// holder recovery protocol on conflicts.
func (e *Engine) acquireChainLock(ctx context.Context, chain, opportunityID string) bool {
	err := e.lock.Acquire(ctx, chain, opportunityID)
	if err == nil {
		return true
	}
	if !errors.Is(err, locker.ErrNotAcquired) {
		log.Warn("chain lock acquire failed", "chain", chain, "id", opportunityID, "err", err)
		return false
	}
	e.stats.LockConflicts.Add(1)
	if e.tracker != nil && e.tracker.RecordConflict(chain, opportunityID) {
		log.Warn("forcing release of stale chain lock", "chain", chain, "id", opportunityID)
		if ferr := e.lock.ForceRelease(ctx, chain); ferr != nil {
			log.Error("stale lock force-release failed", "chain", chain, "err", ferr)
			return false
		}
		e.stats.StaleLockRecoveries.Add(1)
		if rerr := e.lock.Acquire(ctx, chain, opportunityID); rerr == nil {
			return true
		}
	}
	return false
}

// finish records the outcome everywhere it matters: risk (which releases
// the in-flight slot), the circuit breaker when the outcome reflects chain
// health, stats and the lock tracker.
func (e *Engine) finish(op *core.Opportunity, out *core.ExecutionOutcome, feedBreaker bool) {
	op.Stamp(core.MilestoneExecutionFinished)
	e.risk.RecordOutcome(*out)

	if out.Success {
		e.stats.Successful.Add(1)
		e.breaker.RecordSuccess()
		if e.tracker != nil {
			e.tracker.ClearSuccess(op.ID)
		}
		executionTimer.Update(out.Latency)
		log.Info("execution succeeded", "id", op.ID, "chain", out.Chain,
			"profit", out.Profit, "tx", out.TxHash, "latency", out.Latency)
		return
	}
	e.stats.Failed.Add(1)
	if feedBreaker {
		e.breaker.RecordFailure()
	}
	log.Warn("execution failed", "id", op.ID, "chain", out.Chain, "err", out.Error)
}
