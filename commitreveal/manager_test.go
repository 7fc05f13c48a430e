package commitreveal

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/kv"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/provider"
)

type blockClient struct {
	mu   sync.Mutex
	head uint64
	step uint64
	errs []error // consumed first, one per call
}

func (c *blockClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	c.head += c.step
	return c.head, nil
}

func (c *blockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, errors.New("not implemented")
}

func (c *blockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *blockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (c *blockClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *blockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (c *blockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (c *blockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (c *blockClient) Close() {}

type staticBlocks map[string]provider.Client

func (b staticBlocks) GetProvider(chain string) provider.Client { return b[chain] }

type fakeBackend struct {
	mu          sync.Mutex
	commits     int
	commitErr   error
	estimate    uint64
	estimateErr error
	revealErrs  []error // consumed one per attempt
	revealGas   []uint64
	cancelErr   error
}

func (b *fakeBackend) Commit(ctx context.Context, chain string, commitment common.Hash) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commitErr != nil {
		return common.Hash{}, b.commitErr
	}
	b.commits++
	return common.HexToHash("0x01"), nil
}

func (b *fakeBackend) EstimateRevealGas(ctx context.Context, chain string, rec *Record) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) Reveal(ctx context.Context, chain string, rec *Record, gasLimit uint64) (*RevealResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revealGas = append(b.revealGas, gasLimit)
	if len(b.revealErrs) > 0 {
		err := b.revealErrs[0]
		b.revealErrs = b.revealErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &RevealResult{
		TxHash: common.HexToHash("0x02"),
		Event: &RevealedEvent{
			Commitment: rec.Commitment,
			Profit:     big.NewInt(1e15),
		},
	}, nil
}

func (b *fakeBackend) CancelCommit(ctx context.Context, chain string, commitment common.Hash) (common.Hash, error) {
	if b.cancelErr != nil {
		return common.Hash{}, b.cancelErr
	}
	return common.HexToHash("0x03"), nil
}

func testRecord() *Record {
	return &Record{
		Chain:        "arbitrum",
		Asset:        common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		AmountIn:     big.NewInt(1e18),
		SwapPath:     []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")},
		MinProfit:    big.NewInt(5e15),
		AmountOutMin: big.NewInt(99e16),
		Deadline:     1756000000,
		Salt:         common.HexToHash("0xdeadbeef"),
	}
}

func testManager(backend *fakeBackend, blocks BlockSource) (*Manager, *kv.MemStore) {
	cfg := params.DefaultCommitRevealConfig
	cfg.PollInterval = time.Millisecond
	store := kv.NewMemStore()
	return NewManager(cfg, store, blocks, backend), store
}

// advancingBlocks serves a chain whose head moves one block per query.
func advancingBlocks(start uint64) staticBlocks {
	return staticBlocks{"arbitrum": &blockClient{head: start, step: 1}}
}

func TestCommitRejectsDuplicateParameters(t *testing.T) {
	backend := &fakeBackend{estimate: 100000}
	m, store := testManager(backend, advancingBlocks(99))

	first := testRecord()
	_, err := m.Commit(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	// Identical parameters derive the same commitment hash.
	_, err = m.Commit(context.Background(), testRecord())
	assert.ErrorIs(t, err, core.ErrDuplicateCommitment)
	assert.Equal(t, 1, backend.commits)

	// A different salt is a different commitment.
	other := testRecord()
	other.Salt = common.HexToHash("0xcafe")
	_, err = m.Commit(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestCommitRecordsBlockBarrier(t *testing.T) {
	backend := &fakeBackend{}
	// Head pinned at 100.
	m, _ := testManager(backend, staticBlocks{"arbitrum": &blockClient{head: 100}})

	rec := testRecord()
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.CommitBlock)
	assert.Equal(t, uint64(101), rec.RevealBlock)

	// The barrier survives the storage round trip.
	got, err := m.Get(context.Background(), rec.Chain, rec.Commitment)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.CommitBlock)
	assert.Equal(t, uint64(101), got.RevealBlock)
}

func TestCommitRequiresProvider(t *testing.T) {
	backend := &fakeBackend{}
	m, store := testManager(backend, staticBlocks{})

	_, err := m.Commit(context.Background(), testRecord())
	assert.ErrorIs(t, err, core.ErrNoProvider)
	assert.Zero(t, store.Len())
	assert.Zero(t, backend.commits)
}

func TestCommitReleasesClaimOnChainFailure(t *testing.T) {
	backend := &fakeBackend{commitErr: errors.New("nonce too low")}
	m, store := testManager(backend, advancingBlocks(99))

	_, err := m.Commit(context.Background(), testRecord())
	require.Error(t, err)
	assert.Zero(t, store.Len())

	// The claim was released, so a retry with the same parameters works.
	backend.commitErr = nil
	_, err = m.Commit(context.Background(), testRecord())
	assert.NoError(t, err)
}

func TestGetRoundTripsArbitraryPrecision(t *testing.T) {
	backend := &fakeBackend{}
	m, _ := testManager(backend, advancingBlocks(99))

	rec := testRecord()
	// Beyond float64's 53-bit mantissa.
	rec.AmountIn, _ = new(big.Int).SetString("123456789012345678901234567890", 10)
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)

	got, err := m.Get(context.Background(), rec.Chain, rec.Commitment)
	require.NoError(t, err)
	assert.Zero(t, got.AmountIn.Cmp(rec.AmountIn))
	assert.Zero(t, got.MinProfit.Cmp(rec.MinProfit))
	assert.Equal(t, rec.SwapPath, got.SwapPath)
	assert.Equal(t, StatusCommitted, got.Status)
}

func TestWaitForRevealBlockReachesTarget(t *testing.T) {
	client := &blockClient{head: 95, step: 2}
	m, _ := testManager(&fakeBackend{}, staticBlocks{"arbitrum": client})

	err := m.WaitForRevealBlock(context.Background(), "arbitrum", 100)
	assert.NoError(t, err)
}

func TestWaitForRevealBlockToleratesTransientErrors(t *testing.T) {
	boom := errors.New("connection reset")
	client := &blockClient{head: 99, step: 1, errs: []error{boom, boom, boom, boom, boom}}
	m, _ := testManager(&fakeBackend{}, staticBlocks{"arbitrum": client})

	// Five consecutive errors are tolerated; the next poll succeeds.
	assert.NoError(t, m.WaitForRevealBlock(context.Background(), "arbitrum", 100))
}

func TestWaitForRevealBlockFailsFastOnSixthError(t *testing.T) {
	boom := errors.New("connection reset")
	client := &blockClient{errs: []error{boom, boom, boom, boom, boom, boom}}
	m, _ := testManager(&fakeBackend{}, staticBlocks{"arbitrum": client})

	err := m.WaitForRevealBlock(context.Background(), "arbitrum", 100)
	assert.ErrorIs(t, err, ErrTooManyTransientErrors)
}

func TestWaitForRevealBlockTimesOut(t *testing.T) {
	cfg := params.DefaultCommitRevealConfig
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollAttempts = 3
	client := &blockClient{head: 10} // never advances
	m := NewManager(cfg, kv.NewMemStore(), staticBlocks{"arbitrum": client}, &fakeBackend{})

	err := m.WaitForRevealBlock(context.Background(), "arbitrum", 100)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForRevealBlockNoProvider(t *testing.T) {
	m, _ := testManager(&fakeBackend{}, staticBlocks{})
	err := m.WaitForRevealBlock(context.Background(), "arbitrum", 100)
	assert.ErrorIs(t, err, core.ErrNoProvider)
}

func TestRevealRejectsBeforeRevealBlock(t *testing.T) {
	backend := &fakeBackend{estimate: 200000}
	// Head pinned at 100: the commit lands with revealBlock 101 and the
	// head never advances.
	m, store := testManager(backend, staticBlocks{"arbitrum": &blockClient{head: 100}})

	rec := testRecord()
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, uint64(101), rec.RevealBlock)

	_, err = m.Reveal(context.Background(), rec)
	assert.ErrorIs(t, err, ErrRevealTooEarly)
	assert.ErrorContains(t, err, "current 100, need 101")
	// No reveal was attempted and the record survives for a later retry.
	assert.Empty(t, backend.revealGas)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, StatusCommitted, rec.Status)
}

func TestRevealRetriesOnceWithGasHeadroom(t *testing.T) {
	backend := &fakeBackend{estimate: 200000, revealErrs: []error{errors.New("out of gas")}}
	m, store := testManager(backend, advancingBlocks(99))

	rec := testRecord()
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)

	res, err := m.Reveal(context.Background(), rec)
	require.NoError(t, err)
	assert.NotNil(t, res.Event)
	assert.Equal(t, StatusRevealed, rec.Status)
	// First attempt at the estimate, retry with ten percent headroom.
	require.Equal(t, []uint64{200000, 220000}, backend.revealGas)
	// Success deletes the stored record.
	assert.Zero(t, store.Len())
}

func TestRevealFailsAfterSingleRetry(t *testing.T) {
	boom := errors.New("execution reverted")
	backend := &fakeBackend{estimate: 200000, revealErrs: []error{boom, boom}}
	m, store := testManager(backend, advancingBlocks(99))

	rec := testRecord()
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)

	_, err = m.Reveal(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Len(t, backend.revealGas, 2)
	// The record stays for later inspection or cancellation.
	assert.Equal(t, 1, store.Len())
}

func TestCancelDeletesOnlyOnSuccess(t *testing.T) {
	backend := &fakeBackend{cancelErr: errors.New("already revealed")}
	m, store := testManager(backend, advancingBlocks(99))

	rec := testRecord()
	_, err := m.Commit(context.Background(), rec)
	require.NoError(t, err)

	require.Error(t, m.Cancel(context.Background(), rec))
	assert.Equal(t, 1, store.Len())

	backend.cancelErr = nil
	require.NoError(t, m.Cancel(context.Background(), rec))
	assert.Zero(t, store.Len())
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestCommitmentHashDeterminism(t *testing.T) {
	a := testRecord()
	h1 := CommitmentHash(a.Asset, a.AmountIn, a.SwapPath, a.MinProfit, a.Deadline, a.Salt)
	h2 := CommitmentHash(a.Asset, a.AmountIn, a.SwapPath, a.MinProfit, a.Deadline, a.Salt)
	assert.Equal(t, h1, h2)

	h3 := CommitmentHash(a.Asset, a.AmountIn, a.SwapPath, a.MinProfit, a.Deadline+1, a.Salt)
	assert.NotEqual(t, h1, h3)
}
