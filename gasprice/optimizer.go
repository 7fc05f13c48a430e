package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// FeeSource supplies current gas prices; satisfied by *ethclient.Client.
type FeeSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Sample is one observed gas price.
type Sample struct {
	PriceWei  *big.Int
	Timestamp int64 // unix ms
}

// history is one chain's time-windowed, size-capped sample multiset. The
// samples slice is mutated in place so holders of the slice header observed
// via Samples() stay consistent with compaction.
type history struct {
	samples   []*Sample
	emaScaled *big.Int // EMA in wei, seeded from the median of the first samples
}

type medianEntry struct {
	value *big.Int
	at    time.Time
}

// Optimizer maintains per-chain gas baselines and advises submission prices.
//
// Baselines smooth observed prices with a fixed-alpha EMA computed in
// scaled-integer arithmetic (alpha x1000) so no float touches wei values.
// Before the EMA warms up (three samples) a padded average stands in; the
// median over the window backs the EMA seed and is TTL-cached because
// sorting a hundred big.Ints on every call is wasted work on fast chains.
type Optimizer struct {
	mu     sync.Mutex
	cfg    params.GasConfig
	chains map[string]*params.ChainProfile

	hist        map[string]*history
	medianCache map[string]*medianEntry

	now func() time.Time
}

// NewOptimizer constructs an optimizer for the configured chains.
func NewOptimizer(cfg params.GasConfig, chains map[string]*params.ChainProfile) *Optimizer {
	return &Optimizer{
		cfg:         cfg,
		chains:      chains,
		hist:        make(map[string]*history),
		medianCache: make(map[string]*medianEntry),
		now:         time.Now,
	}
}

const emaScale = 1000

// UpdateBaseline folds one observed price into the chain's history and EMA.
func (o *Optimizer) UpdateBaseline(chain string, priceWei *big.Int) {
	if priceWei == nil || priceWei.Sign() <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateBaselineLocked(chain, priceWei)
}

func (o *Optimizer) updateBaselineLocked(chain string, priceWei *big.Int) {
	h := o.hist[chain]
	if h == nil {
		h = &history{}
		o.hist[chain] = h
	}

	nowMs := o.now().UnixMilli()
	h.samples = append(h.samples, &Sample{PriceWei: new(big.Int).Set(priceWei), Timestamp: nowMs})
	o.pruneLocked(h, nowMs)

	if len(h.samples) >= 3 {
		if h.emaScaled == nil {
			h.emaScaled = o.medianLocked(chain, h)
		}
		// ema = (a*price + (scale-a)*ema) / scale, a = alpha*1000
		a := int64(o.cfg.EMASmoothingFactor * emaScale)
		next := new(big.Int).Mul(priceWei, big.NewInt(a))
		next.Add(next, new(big.Int).Mul(h.emaScaled, big.NewInt(emaScale-a)))
		next.Quo(next, big.NewInt(emaScale))
		h.emaScaled = next
	}

	gasPriceGauge(chain).Update(weiToGwei(priceWei))
}

// GetBaseline returns the chain's smoothed reference price, or nil when no
// samples exist. EMA is the fast path; cold starts pad the average up to
// compensate for thin data, and three or more samples without a warmed EMA
// fall back to the cached median.
func (o *Optimizer) GetBaseline(chain string) *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baselineLocked(chain)
}

func (o *Optimizer) baselineLocked(chain string) *big.Int {
	h := o.hist[chain]
	if h == nil || len(h.samples) == 0 {
		return nil
	}
	if h.emaScaled != nil {
		return new(big.Int).Set(h.emaScaled)
	}
	switch len(h.samples) {
	case 1:
		return core.MulScaled(o.avgLocked(h), 5, 2)
	case 2:
		return core.MulScaled(o.avgLocked(h), 4, 2)
	default:
		return o.cachedMedianLocked(chain, h)
	}
}

func (o *Optimizer) avgLocked(h *history) *big.Int {
	sum := new(big.Int)
	for _, s := range h.samples {
		sum.Add(sum, s.PriceWei)
	}
	return sum.Quo(sum, big.NewInt(int64(len(h.samples))))
}

func (o *Optimizer) medianLocked(chain string, h *history) *big.Int {
	prices := make([]*big.Int, len(h.samples))
	for i, s := range h.samples {
		prices[i] = s.PriceWei
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	n := len(prices)
	if n%2 == 1 {
		return new(big.Int).Set(prices[n/2])
	}
	mid := new(big.Int).Add(prices[n/2-1], prices[n/2])
	return mid.Quo(mid, big.NewInt(2))
}

func (o *Optimizer) cachedMedianLocked(chain string, h *history) *big.Int {
	ttl := o.cfg.DefaultMedianCacheTTL
	if profile := o.chains[chain]; profile != nil && profile.FastChain() {
		ttl = o.cfg.FastChainMedianTTL
	}
	if e := o.medianCache[chain]; e != nil && o.now().Sub(e.at) < ttl {
		return new(big.Int).Set(e.value)
	}
	med := o.medianLocked(chain, h)
	o.medianCache[chain] = &medianEntry{value: med, at: o.now()}
	o.evictMedianCacheLocked()
	return new(big.Int).Set(med)
}

func (o *Optimizer) evictMedianCacheLocked() {
	for len(o.medianCache) > o.cfg.MedianCacheMaxEntries {
		oldestChain := ""
		var oldest time.Time
		for chain, e := range o.medianCache {
			if oldestChain == "" || e.at.Before(oldest) {
				oldestChain, oldest = chain, e.at
			}
		}
		delete(o.medianCache, oldestChain)
	}
}

// CheckSpike returns core.ErrGasSpike when current exceeds the chain's
// baseline by the chain spike multiplier.
func (o *Optimizer) CheckSpike(chain string, currentWei *big.Int) error {
	o.mu.Lock()
	baseline := o.baselineLocked(chain)
	o.mu.Unlock()
	if baseline == nil || baseline.Sign() == 0 {
		return nil
	}
	mult := int64(300)
	if profile := o.chains[chain]; profile != nil && profile.SpikeMultiplierPct > 100 {
		mult = profile.SpikeMultiplierPct
	}
	threshold := core.MulScaled(baseline, mult, 100)
	if currentWei.Cmp(threshold) > 0 {
		log.Warn("gas spike detected", "chain", chain, "current", currentWei,
			"baseline", baseline, "multiplierPct", mult)
		gasSpikeMeter.Mark(1)
		return fmt.Errorf("%w: chain %s current %s exceeds %s", core.ErrGasSpike, chain, currentWei, threshold)
	}
	return nil
}

// GetOptimalGasPrice fetches the current price, folds it into the baseline,
// aborts on a spike and clamps the result to the chain bounds. A configured
// per-chain override short-circuits everything.
func (o *Optimizer) GetOptimalGasPrice(ctx context.Context, chain string, src FeeSource) (*big.Int, error) {
	if override := o.cfg.GasPriceOverridesWei[chain]; override != nil {
		return new(big.Int).Set(override), nil
	}
	price, err := src.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price for %s: %w", chain, err)
	}
	o.UpdateBaseline(chain, price)
	if err := o.CheckSpike(chain, price); err != nil {
		return nil, err
	}
	return o.clamp(chain, price), nil
}

// RefreshForSubmission re-fetches the price immediately before broadcast.
// It aborts when the price has risen RefreshAbortPct over the original
// quote and warns at RefreshWarnPct.
func (o *Optimizer) RefreshForSubmission(ctx context.Context, chain string, previousWei *big.Int, src FeeSource) (*big.Int, error) {
	current, err := src.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh gas price for %s: %w", chain, err)
	}
	o.UpdateBaseline(chain, current)

	abortAt := core.MulScaled(previousWei, 100+o.cfg.RefreshAbortPct, 100)
	warnAt := core.MulScaled(previousWei, 100+o.cfg.RefreshWarnPct, 100)
	if current.Cmp(abortAt) > 0 {
		gasSpikeMeter.Mark(1)
		return nil, fmt.Errorf("%w: chain %s price moved %s -> %s before submission",
			core.ErrGasSpike, chain, previousWei, current)
	}
	if current.Cmp(warnAt) > 0 {
		log.Warn("gas price rose before submission", "chain", chain,
			"quoted", previousWei, "current", current)
	}
	return o.clamp(chain, current), nil
}

func (o *Optimizer) clamp(chain string, price *big.Int) *big.Int {
	out := new(big.Int).Set(price)
	if profile := o.chains[chain]; profile != nil {
		if profile.MinGasPriceWei != nil && out.Cmp(profile.MinGasPriceWei) < 0 {
			out.Set(profile.MinGasPriceWei)
		}
		if profile.MaxGasPriceWei != nil && out.Cmp(profile.MaxGasPriceWei) > 0 {
			out.Set(profile.MaxGasPriceWei)
		}
	}
	return out
}

// Predict extrapolates the price at now+horizon with a linear regression
// over the most recent samples. It returns nil when fewer than the minimum
// samples exist, and falls back to the EMA on degenerate input or a
// non-positive projection.
func (o *Optimizer) Predict(chain string, horizon time.Duration) *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := o.hist[chain]
	if h == nil || len(h.samples) < o.cfg.PredictionMinSamples {
		return nil
	}
	window := h.samples
	if len(window) > o.cfg.PredictionWindow {
		window = window[len(window)-o.cfg.PredictionWindow:]
	}

	first := window[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	degenerate := true
	for _, s := range window {
		x := float64(s.Timestamp - first)
		y, _ := new(big.Float).SetInt(s.PriceWei).Float64()
		if s.Timestamp != first {
			degenerate = false
		}
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	n := float64(len(window))
	denom := n*sumXX - sumX*sumX
	if degenerate || denom == 0 {
		if h.emaScaled != nil {
			return new(big.Int).Set(h.emaScaled)
		}
		return nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	target := float64(window[len(window)-1].Timestamp-first) + float64(horizon.Milliseconds())
	predicted := slope*target + intercept
	if predicted <= 0 {
		if h.emaScaled != nil {
			return new(big.Int).Set(h.emaScaled)
		}
		return nil
	}
	out, _ := new(big.Float).SetFloat64(predicted).Int(nil)
	return out
}

// pruneLocked drops samples outside the window and enforces the size cap,
// keeping the most recent entries. The slice is truncated in place.
func (o *Optimizer) pruneLocked(h *history, nowMs int64) {
	cutoff := nowMs - o.cfg.HistoryWindow.Milliseconds()
	kept := h.samples[:0]
	for _, s := range h.samples {
		if s.Timestamp >= cutoff {
			kept = append(kept, s)
		}
	}
	if len(kept) > o.cfg.MaxGasHistory {
		copy(kept, kept[len(kept)-o.cfg.MaxGasHistory:])
		kept = kept[:o.cfg.MaxGasHistory]
	}
	for i := len(kept); i < len(h.samples); i++ {
		h.samples[i] = nil
	}
	h.samples = kept
}

// CompactHistory applies the health monitor's retention policy to every
// chain: drop samples older than maxAge and keep at most maxEntries.
func (o *Optimizer) CompactHistory(maxAge time.Duration, maxEntries int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	nowMs := o.now().UnixMilli()
	for chain, h := range o.hist {
		before := len(h.samples)
		cutoff := nowMs - maxAge.Milliseconds()
		kept := h.samples[:0]
		for _, s := range h.samples {
			if s.Timestamp >= cutoff {
				kept = append(kept, s)
			}
		}
		if len(kept) > maxEntries {
			copy(kept, kept[len(kept)-maxEntries:])
			kept = kept[:maxEntries]
		}
		for i := len(kept); i < len(h.samples); i++ {
			h.samples[i] = nil
		}
		h.samples = kept
		if removed := before - len(h.samples); removed > 0 {
			log.Trace("gas history compacted", "chain", chain, "removed", removed, "kept", len(h.samples))
		}
	}
}

// DropChain clears a chain's history, EMA and median cache. Provider
// reconnects call this because prices quoted by a dead client are stale.
func (o *Optimizer) DropChain(chain string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.hist, chain)
	delete(o.medianCache, chain)
	log.Debug("gas history dropped", "chain", chain)
}

// HistorySize returns the number of retained samples for the chain.
func (o *Optimizer) HistorySize(chain string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h := o.hist[chain]; h != nil {
		return len(h.samples)
	}
	return 0
}

func weiToGwei(wei *big.Int) int64 {
	return new(big.Int).Quo(wei, big.NewInt(1e9)).Int64()
}

func gasPriceGauge(chain string) *metrics.Gauge {
	return metrics.GetOrRegisterGauge("arb/gas/price/gwei/"+chain, nil)
}
