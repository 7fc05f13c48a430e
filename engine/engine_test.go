package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlab/arb-engine/breaker"
	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/locker"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/provider"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/risk"
	"github.com/mevlab/arb-engine/simulation"
	"github.com/mevlab/arb-engine/strategy"
)

type recordingSink struct {
	mu        sync.Mutex
	completed []string
}

func (s *recordingSink) MarkComplete(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.completed))
	copy(out, s.completed)
	return out
}

type scriptedStrategy struct {
	typ        core.OpportunityType
	prepareErr error
	executeErr error
	outcome    *core.ExecutionOutcome
}

func (s *scriptedStrategy) Type() core.OpportunityType { return s.typ }

func (s *scriptedStrategy) Prepare(ctx context.Context, op *core.Opportunity, sizeWei *big.Int) (*core.TxRequest, error) {
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	to := common.HexToAddress("0x01")
	return &core.TxRequest{Chain: op.Chain(), To: &to, GasLimit: 100000}, nil
}

func (s *scriptedStrategy) Execute(ctx context.Context, op *core.Opportunity, tx *core.TxRequest) (*core.ExecutionOutcome, error) {
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	if s.outcome != nil {
		return s.outcome, nil
	}
	return &core.ExecutionOutcome{
		OpportunityID: op.ID,
		Type:          op.Type,
		Chain:         tx.Chain,
		Success:       true,
		Profit:        op.ExpectedProfit,
		Latency:       time.Millisecond,
	}, nil
}

// scriptedLock fails acquisition until ForceRelease clears it.
type scriptedLock struct {
	mu       sync.Mutex
	held     bool
	forced   int
	acquires int
}

func (l *scriptedLock) Acquire(ctx context.Context, chain, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.held {
		return locker.ErrNotAcquired
	}
	return nil
}

func (l *scriptedLock) Release(ctx context.Context, chain, holderID string) error { return nil }

func (l *scriptedLock) ForceRelease(ctx context.Context, chain string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.forced++
	return nil
}

func testOp(id string) *core.Opportunity {
	return &core.Opportunity{
		ID:             id,
		Type:           core.TypeSimple,
		TokenIn:        "WETH",
		TokenOut:       "USDC",
		AmountIn:       big.NewInt(1e18),
		ExpectedProfit: 0.05,
		Confidence:     0.9,
		ExpiresAt:      time.Now().Add(time.Minute).UnixMilli(),
		BuyChain:       "arbitrum",
	}
}

type engineFixture struct {
	engine  *Engine
	queue   *queue.Queue
	breaker *breaker.Breaker
	risk    *risk.Orchestrator
	sink    *recordingSink
	stats   *core.ExecutionStats
}

func newFixture(t *testing.T, strat strategy.Strategy, sim *simulation.Service, lock DistributedLock, tracker *locker.Tracker) *engineFixture {
	t.Helper()
	q, err := queue.New(params.DefaultQueueConfig)
	require.NoError(t, err)
	stats := &core.ExecutionStats{}
	cb := breaker.New(params.DefaultBreakerConfig)
	riskCfg := params.DefaultRiskConfig
	riskCfg.EnableEVGate = false
	riskCfg.EnableKelly = false
	ro := risk.NewOrchestrator(riskCfg, stats)
	factory := strategy.NewFactory()
	if strat != nil {
		factory.Register(strat)
	}
	sink := &recordingSink{}
	eng := New(params.DefaultEngineConfig, q, cb, ro, factory, sim, sink, lock, tracker, stats)
	eng.setState(StateRunning)
	return &engineFixture{engine: eng, queue: q, breaker: cb, risk: ro, sink: sink, stats: stats}
}

func TestProcessSuccessPath(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, nil, nil)
	op := testOp("opp-1")

	f.engine.process(context.Background(), op)

	assert.Equal(t, int64(1), f.stats.Attempts.Load())
	assert.Equal(t, int64(1), f.stats.Successful.Load())
	assert.Zero(t, f.stats.Failed.Load())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids())
	assert.Zero(t, f.risk.GetInFlightCount(), "outcome must release the in-flight slot")
	assert.Contains(t, op.PipelineTimestamps, core.MilestoneExecutionStarted)
	assert.Contains(t, op.PipelineTimestamps, core.MilestoneExecutionFinished)
}

func TestProcessBreakerBlocks(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, nil, nil)
	f.breaker.ForceOpen("maintenance")

	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, int64(1), f.stats.CircuitBreakerBlocks.Load())
	assert.Zero(t, f.stats.Successful.Load())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids(), "blocked executions still ack")
}

func TestProcessRiskRejectionAcks(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, nil, nil)

	// Saturate the in-flight cap so the next assessment rejects.
	for i := 0; i < params.DefaultRiskConfig.MaxInFlightTrades; i++ {
		require.True(t, f.risk.Assess(testOp("warm")).Allowed)
	}
	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, int64(1), f.stats.Rejected.Load())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids())
}

func TestProcessFailuresTripBreaker(t *testing.T) {
	strat := &scriptedStrategy{typ: core.TypeSimple, executeErr: errors.New("nonce too low")}
	f := newFixture(t, strat, nil, nil, nil)

	for i := 0; i < params.DefaultBreakerConfig.FailureThreshold; i++ {
		f.engine.process(context.Background(), testOp("opp"))
	}

	assert.Equal(t, int64(3), f.stats.Failed.Load())
	assert.Equal(t, int64(1), f.stats.CircuitBreakerTrips.Load())
	assert.False(t, f.breaker.CanExecute())
	assert.Zero(t, f.risk.GetInFlightCount())
}

func TestProcessUnknownTypeReleasesRiskSlot(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil) // nothing registered

	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, int64(1), f.stats.Failed.Load())
	assert.Zero(t, f.risk.GetInFlightCount())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids())
}

func TestProcessExpiredInQueue(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, nil, nil)
	op := testOp("opp-1")
	op.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()

	f.engine.process(context.Background(), op)

	assert.Equal(t, int64(1), f.stats.Rejected.Load())
	assert.Equal(t, int64(1), f.stats.Attempts.Load())
	assert.Zero(t, f.stats.Successful.Load())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids())
}

func TestProcessChainLockConflictWithoutRecovery(t *testing.T) {
	lock := &scriptedLock{held: true}
	tracker := locker.NewTracker(params.DefaultLockerConfig)
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, lock, tracker)

	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, int64(1), f.stats.LockConflicts.Load())
	assert.Zero(t, f.stats.StaleLockRecoveries.Load())
	assert.Equal(t, int64(1), f.stats.Failed.Load())
	// Contention is not an execution failure; the breaker stays closed.
	assert.True(t, f.breaker.CanExecute())
}

func TestProcessStaleLockRecovery(t *testing.T) {
	clock := new(mclock.Simulated)
	lock := &scriptedLock{held: true}
	tracker := locker.NewTrackerWithClock(params.DefaultLockerConfig, clock)
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, lock, tracker)

	// Two earlier conflicts, aged past the recovery window.
	tracker.RecordConflict("arbitrum", "opp-1")
	tracker.RecordConflict("arbitrum", "opp-1")
	clock.Run(21 * time.Second)

	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, 1, lock.forced)
	assert.Equal(t, int64(1), f.stats.StaleLockRecoveries.Load())
	assert.Equal(t, int64(1), f.stats.Successful.Load())
}

func TestProcessSimulationRevertAborts(t *testing.T) {
	local := &revertClient{}
	simCfg := params.DefaultSimulationConfig
	simCfg.MinProfitForSim = 0
	sim := simulation.NewService(simCfg, singleProvider{client: local})
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, sim, nil, nil)

	f.engine.process(context.Background(), testOp("opp-1"))

	assert.Equal(t, int64(1), f.stats.SimulationReverts.Load())
	assert.Zero(t, f.stats.Successful.Load())
	// A predicted revert never feeds the breaker.
	assert.True(t, f.breaker.CanExecute())
	assert.Zero(t, f.risk.GetInFlightCount())
}

func TestEngineLifecycle(t *testing.T) {
	f := newFixture(t, &scriptedStrategy{typ: core.TypeSimple}, nil, nil, nil)
	f.engine.setState(StateStarting)

	f.engine.Start(context.Background())
	assert.Equal(t, StateRunning, f.engine.State())

	require.True(t, f.queue.Enqueue(testOp("opp-1")))
	require.Eventually(t, func() bool {
		return f.stats.Successful.Load() == 1
	}, time.Second, 5*time.Millisecond)

	f.engine.Stop()
	assert.Equal(t, StateStopped, f.engine.State())
	assert.Equal(t, []string{"opp-1"}, f.sink.ids())
}

// revertClient reverts every eth_call.
type revertClient struct{}

func (c *revertClient) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (c *revertClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, errors.New("not implemented")
}

func (c *revertClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *revertClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *revertClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("execution reverted: INSUFFICIENT_LIQUIDITY")
}

func (c *revertClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (c *revertClient) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (c *revertClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (c *revertClient) Close() {}

type singleProvider struct {
	client provider.Client
}

func (p singleProvider) GetProvider(chain string) provider.Client { return p.client }
