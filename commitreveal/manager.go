// Package commitreveal drives the commit/wait-block/reveal sub-protocol
// that shields profitable executions from frontrunning.
package commitreveal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/kv"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/provider"
)

var (
	// ErrWaitTimeout is returned when the reveal block was not reached
	// within the bounded polling attempts.
	ErrWaitTimeout = errors.New("reveal block wait timed out")

	// ErrTooManyTransientErrors fails the wait fast after six consecutive
	// provider errors.
	ErrTooManyTransientErrors = errors.New("too many consecutive provider errors while waiting for reveal block")

	// ErrRevealTooEarly is returned when the chain head has not reached the
	// record's reveal block.
	ErrRevealTooEarly = errors.New("too early to reveal")
)

// RevealedEvent is the decoded Revealed log, when the reveal emitted one.
type RevealedEvent struct {
	Commitment common.Hash
	TokenIn    common.Address
	TokenOut   common.Address
	Profit     *big.Int
}

// RevealResult is the outcome of an on-chain reveal.
type RevealResult struct {
	TxHash common.Hash
	Event  *RevealedEvent
}

// ContractBackend abstracts the on-chain commit-reveal contract calls.
type ContractBackend interface {
	Commit(ctx context.Context, chain string, commitment common.Hash) (common.Hash, error)
	EstimateRevealGas(ctx context.Context, chain string, rec *Record) (uint64, error)
	Reveal(ctx context.Context, chain string, rec *Record, gasLimit uint64) (*RevealResult, error)
	CancelCommit(ctx context.Context, chain string, commitment common.Hash) (common.Hash, error)
}

// BlockSource resolves a chain's RPC client for block-number polling; the
// provider registry satisfies it.
type BlockSource interface {
	GetProvider(chain string) provider.Client
}

// Manager owns commitment records and the state machine over them.
type Manager struct {
	cfg     params.CommitRevealConfig
	store   kv.Store
	blocks  BlockSource
	backend ContractBackend
	clock   mclock.Clock
}

// NewManager wires the manager. When durable storage is feature-disabled
// the records live in process memory; the duplicate check still applies.
func NewManager(cfg params.CommitRevealConfig, store kv.Store, blocks BlockSource, backend ContractBackend) *Manager {
	if store == nil || !cfg.UseDurableStore {
		store = kv.NewMemStore()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		blocks:  blocks,
		backend: backend,
		clock:   mclock.System{},
	}
}

func storageKey(chain string, commitment common.Hash) string {
	return fmt.Sprintf("commit-reveal:%s:%s", chain, commitment.Hex())
}

// Commit derives the commitment hash, records the block barrier, claims the
// commitment atomically in storage and submits the on-chain commit. A
// rejected claim means another instance (or an earlier attempt) already owns
// these parameters. The reveal block is the commit block plus one; Reveal
// enforces it.
func (m *Manager) Commit(ctx context.Context, rec *Record) (common.Hash, error) {
	client := m.blocks.GetProvider(rec.Chain)
	if client == nil {
		return common.Hash{}, core.ErrNoProvider
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("commit block lookup: %w", err)
	}

	rec.Commitment = CommitmentHash(rec.Asset, rec.AmountIn, rec.SwapPath, rec.MinProfit, rec.Deadline, rec.Salt)
	rec.CommitBlock = head
	rec.RevealBlock = head + 1
	rec.Status = StatusCommitted
	rec.CreatedAt = time.Now().UnixMilli()

	payload, err := rec.MarshalJSON()
	if err != nil {
		return common.Hash{}, err
	}
	key := storageKey(rec.Chain, rec.Commitment)
	ok, err := m.store.SetIfAbsent(ctx, key, payload, m.cfg.RecordTTL)
	if err != nil {
		return common.Hash{}, fmt.Errorf("store commitment: %w", err)
	}
	if !ok {
		duplicateMeter.Mark(1)
		return common.Hash{}, core.ErrDuplicateCommitment
	}

	txHash, err := m.backend.Commit(ctx, rec.Chain, rec.Commitment)
	if err != nil {
		// Release the claim so the caller may retry with the same params.
		if derr := m.store.Delete(ctx, key); derr != nil {
			log.Warn("failed to release commitment claim", "key", key, "err", derr)
		}
		return common.Hash{}, fmt.Errorf("on-chain commit: %w", err)
	}
	log.Debug("commitment placed", "chain", rec.Chain, "commitment", rec.Commitment,
		"commitBlock", rec.CommitBlock, "revealBlock", rec.RevealBlock, "tx", txHash)
	return txHash, nil
}

// Get loads a stored commitment record.
func (m *Manager) Get(ctx context.Context, chain string, commitment common.Hash) (*Record, error) {
	payload, err := m.store.Get(ctx, storageKey(chain, commitment))
	if err != nil {
		return nil, err
	}
	rec := new(Record)
	if err := rec.UnmarshalJSON(payload); err != nil {
		return nil, err
	}
	return rec, nil
}

// WaitForRevealBlock polls the chain head until it reaches the target
// block. Up to five consecutive transient errors are tolerated; the sixth
// fails fast. The wait gives up after MaxPollAttempts polls.
func (m *Manager) WaitForRevealBlock(ctx context.Context, chain string, target uint64) error {
	client := m.blocks.GetProvider(chain)
	if client == nil {
		return core.ErrNoProvider
	}
	transient := 0
	for attempt := 0; attempt < m.cfg.MaxPollAttempts; attempt++ {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			transient++
			if transient > m.cfg.MaxTransientErrs {
				return fmt.Errorf("%w: %v", ErrTooManyTransientErrors, err)
			}
			log.Debug("transient error polling reveal block", "chain", chain,
				"consecutive", transient, "err", err)
		} else {
			transient = 0
			if head >= target {
				return nil
			}
			log.Trace("waiting for reveal block", "chain", chain, "head", head, "target", target)
		}
		timer := m.clock.NewTimer(m.cfg.PollInterval)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: target block %d on %s", ErrWaitTimeout, target, chain)
}

// Reveal executes the on-chain reveal once the chain head has reached the
// record's reveal block; earlier attempts fail with ErrRevealTooEarly. A
// failed first attempt is retried exactly once with ten percent of gas
// headroom; the storage entry is deleted only after a successful reveal.
func (m *Manager) Reveal(ctx context.Context, rec *Record) (*RevealResult, error) {
	client := m.blocks.GetProvider(rec.Chain)
	if client == nil {
		return nil, core.ErrNoProvider
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("reveal block lookup: %w", err)
	}
	if head < rec.RevealBlock {
		return nil, fmt.Errorf("%w: current %d, need %d", ErrRevealTooEarly, head, rec.RevealBlock)
	}

	gasLimit, err := m.backend.EstimateRevealGas(ctx, rec.Chain, rec)
	if err != nil {
		return nil, fmt.Errorf("estimate reveal gas: %w", err)
	}
	res, err := m.backend.Reveal(ctx, rec.Chain, rec, gasLimit)
	if err != nil {
		bumped := gasLimit + gasLimit/10
		log.Warn("reveal failed, retrying with higher gas limit", "chain", rec.Chain,
			"commitment", rec.Commitment, "gas", gasLimit, "bumped", bumped, "err", err)
		res, err = m.backend.Reveal(ctx, rec.Chain, rec, bumped)
		if err != nil {
			rec.Status = StatusFailed
			revealFailMeter.Mark(1)
			return nil, fmt.Errorf("reveal after retry: %w", err)
		}
	}
	rec.Status = StatusRevealed
	if derr := m.store.Delete(ctx, storageKey(rec.Chain, rec.Commitment)); derr != nil {
		log.Warn("failed to delete revealed commitment", "commitment", rec.Commitment, "err", derr)
	}
	if res.Event != nil {
		log.Debug("reveal event decoded", "commitment", res.Event.Commitment,
			"tokenIn", res.Event.TokenIn, "tokenOut", res.Event.TokenOut, "profit", res.Event.Profit)
	}
	revealMeter.Mark(1)
	return res, nil
}

// Cancel abandons a commitment. The storage entry is deleted only when the
// on-chain cancel succeeds, so a failed cancel stays retryable.
func (m *Manager) Cancel(ctx context.Context, rec *Record) error {
	txHash, err := m.backend.CancelCommit(ctx, rec.Chain, rec.Commitment)
	if err != nil {
		return fmt.Errorf("cancel commit: %w", err)
	}
	rec.Status = StatusCancelled
	if derr := m.store.Delete(ctx, storageKey(rec.Chain, rec.Commitment)); derr != nil {
		log.Warn("failed to delete cancelled commitment", "commitment", rec.Commitment, "err", derr)
	}
	log.Debug("commitment cancelled", "chain", rec.Chain, "commitment", rec.Commitment, "tx", txHash)
	return nil
}
