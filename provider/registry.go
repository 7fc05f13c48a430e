package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/mevlab/arb-engine/params"
)

// NonceBinder is the nonce source-of-truth the registry re-registers with
// after a reconnect.
type NonceBinder interface {
	ResetChain(chain string)
}

// Health is one chain's connectivity record.
type Health struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastError           string
}

// Registry owns one RPC client and wallet per configured chain, watches
// their connectivity and replaces clients that fail repeatedly.
//
// Signing keys are cached at initialization and reused on reconnect; the
// process environment is never consulted again after startup.
type Registry struct {
	mu     sync.RWMutex
	cfg    params.ProviderConfig
	chains map[string]*params.ChainProfile
	dial   Dialer

	clients map[string]Client
	wallets map[string]*Wallet
	keys    map[string]*ecdsa.PrivateKey
	health  map[string]*Health

	healthyCount int

	deriver KeyDeriver
	kms     KMSSigner
	nonces  NonceBinder

	onReconnect func(chain string)

	checking  sync.Mutex // re-entrancy guard for health cycles; TryLock
	inFlight  singleflight.Group
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewRegistry constructs a registry. deriver and kms may be nil when those
// wallet sources are not configured.
func NewRegistry(cfg params.ProviderConfig, chains map[string]*params.ChainProfile, dial Dialer, deriver KeyDeriver, kms KMSSigner) *Registry {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Registry{
		cfg:     cfg,
		chains:  chains,
		dial:    dial,
		clients: make(map[string]Client),
		wallets: make(map[string]*Wallet),
		keys:    make(map[string]*ecdsa.PrivateKey),
		health:  make(map[string]*Health),
		deriver: deriver,
		kms:     kms,
		quit:    make(chan struct{}),
	}
}

// BindNonceSource wires the nonce source-of-truth for reconnects.
func (r *Registry) BindNonceSource(n NonceBinder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonces = n
}

// OnProviderReconnect registers the single reconnect subscriber; consumers
// use it to drop gas history quoted by the dead client.
func (r *Registry) OnProviderReconnect(cb func(chain string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReconnect = cb
}

// Initialize dials every configured chain and binds its wallet. Dial and
// wallet failures are per-chain: one bad chain does not stop the rest.
// Concurrent initializations collapse into a single flight.
func (r *Registry) Initialize(ctx context.Context) error {
	_, err, _ := r.inFlight.Do("initialize", func() (any, error) {
		return nil, r.initialize(ctx)
	})
	return err
}

func (r *Registry) initialize(ctx context.Context) error {
	var firstErr error
	for name, profile := range r.chains {
		if err := r.initChain(ctx, name, profile); err != nil {
			log.Error("provider initialization failed", "chain", name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) initChain(ctx context.Context, name string, profile *params.ChainProfile) error {
	client, err := r.dial(ctx, profile.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}

	wallet, key, werr := r.bindWallet(name, profile)
	if werr != nil {
		client.Close()
		return werr
	}

	r.mu.Lock()
	r.clients[name] = client
	if wallet != nil {
		r.wallets[name] = wallet
	}
	if key != nil {
		r.keys[name] = key
	}
	if r.health[name] == nil {
		r.health[name] = &Health{}
	}
	r.setHealthyLocked(name, true, "")
	r.mu.Unlock()

	log.Info("provider initialized", "chain", name, "rpc", profile.RPCURL,
		"wallet", walletAddr(wallet))
	return nil
}

// bindWallet resolves the chain's signing identity by priority: explicit
// key, derived key, then KMS when feature-flagged. A chain without any
// source runs unsigned (read-only).
func (r *Registry) bindWallet(name string, profile *params.ChainProfile) (*Wallet, *ecdsa.PrivateKey, error) {
	chainID := big.NewInt(profile.ChainID)
	if hexkey, ok := r.cfg.PrivateKeys[name]; ok && hexkey != "" {
		key, err := parseKeyHex(name, hexkey)
		if err != nil {
			return nil, nil, err
		}
		w, err := newWalletFromKey(name, key, chainID)
		return w, key, err
	}
	if r.deriver != nil {
		key, err := r.deriver.DeriveKey(name)
		if err != nil {
			return nil, nil, fmt.Errorf("derive key for %s: %w", name, err)
		}
		w, err := newWalletFromKey(name, key, chainID)
		return w, key, err
	}
	if r.cfg.UseKMS && r.kms != nil {
		opts, addr, err := r.kms.TransactOpts(name, chainID)
		if err != nil {
			return nil, nil, fmt.Errorf("kms signer for %s: %w", name, err)
		}
		return &Wallet{Chain: name, Address: addr, Opts: opts}, nil, nil
	}
	log.Warn("no signing key for chain, running read-only", "chain", name)
	return nil, nil, nil
}

// ValidateConnectivity probes every client with a bounded getBlockNumber.
// Failures are logged but non-fatal.
func (r *Registry) ValidateConnectivity(ctx context.Context) {
	r.forEachClient(func(name string, client Client) {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectivityTimeout)
		defer cancel()
		if n, err := client.BlockNumber(cctx); err != nil {
			log.Warn("connectivity validation failed", "chain", name, "err", err)
		} else {
			log.Debug("connectivity validated", "chain", name, "block", n)
		}
	})
}

// StartHealthChecks launches the periodic health loop.
func (r *Registry) StartHealthChecks() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

func (r *Registry) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.CheckAll(context.Background())
		case <-r.quit:
			return
		}
	}
}

// CheckAll runs one health cycle: parallel per-chain checks with error
// isolation. Overlapping cycles are skipped.
func (r *Registry) CheckAll(ctx context.Context) {
	if !r.checking.TryLock() {
		log.Debug("provider health cycle already running, skipping")
		return
	}
	defer r.checking.Unlock()

	var wg sync.WaitGroup
	r.forEachClient(func(name string, client Client) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("provider health check panicked", "chain", name, "err", rec)
				}
			}()
			r.checkChain(ctx, name, client)
		}()
	})
	wg.Wait()
}

func (r *Registry) checkChain(ctx context.Context, name string, client Client) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectivityTimeout)
	defer cancel()
	_, err := client.BlockNumber(cctx)

	r.mu.Lock()
	h := r.health[name]
	if h == nil {
		h = &Health{}
		r.health[name] = h
	}
	h.LastCheck = time.Now()
	if err == nil {
		h.ConsecutiveFailures = 0
		r.setHealthyLocked(name, true, "")
		r.mu.Unlock()
		return
	}
	h.ConsecutiveFailures++
	r.setHealthyLocked(name, false, err.Error())
	failures := h.ConsecutiveFailures
	r.mu.Unlock()

	log.Warn("provider health check failed", "chain", name, "failures", failures, "err", err)
	if failures >= r.cfg.ReconnectionFailureThreshold {
		r.reconnect(ctx, name)
	}
}

// reconnect replaces the chain's client: dial, verify, swap atomically,
// rebind the wallet from the cached key, reset the nonce source-of-truth
// and notify the reconnect subscriber.
func (r *Registry) reconnect(ctx context.Context, name string) {
	profile := r.chains[name]
	if profile == nil {
		return
	}
	fresh, err := r.dial(ctx, profile.RPCURL)
	if err != nil {
		log.Error("provider reconnect dial failed", "chain", name, "err", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectivityTimeout)
	_, err = fresh.BlockNumber(cctx)
	cancel()
	if err != nil {
		fresh.Close()
		log.Error("provider reconnect verification failed", "chain", name, "err", err)
		return
	}

	r.mu.Lock()
	old := r.clients[name]
	r.clients[name] = fresh
	if key := r.keys[name]; key != nil {
		if w, werr := newWalletFromKey(name, key, big.NewInt(profile.ChainID)); werr == nil {
			r.wallets[name] = w
		} else {
			log.Error("wallet rebind failed after reconnect", "chain", name, "err", werr)
		}
	}
	if h := r.health[name]; h != nil {
		h.ConsecutiveFailures = 0
	}
	r.setHealthyLocked(name, true, "")
	nonces := r.nonces
	cb := r.onReconnect
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if nonces != nil {
		nonces.ResetChain(name)
	}
	if cb != nil {
		cb(name)
	}
	reconnectMeter.Mark(1)
	log.Info("provider reconnected", "chain", name)
}

// GetProvider returns the chain's client, or nil.
func (r *Registry) GetProvider(chain string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[chain]
}

// GetWallet returns the chain's wallet, or nil.
func (r *Registry) GetWallet(chain string) *Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wallets[chain]
}

// GetHealthMap returns a copy of the per-chain health records.
func (r *Registry) GetHealthMap() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.health))
	for name, h := range r.health {
		out[name] = *h
	}
	return out
}

// GetHealthyCount returns the cached healthy-chain count in O(1).
func (r *Registry) GetHealthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyCount
}

// Stop halts the health loop, closes every client and clears the cached
// signing keys.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
	for name := range r.keys {
		delete(r.keys, name)
	}
	for name := range r.wallets {
		delete(r.wallets, name)
	}
	r.healthyCount = 0
	log.Info("provider registry stopped")
}

// setHealthyLocked maintains the O(1) healthy counter on every transition.
// Must be called with r.mu held and r.health[name] present.
func (r *Registry) setHealthyLocked(name string, healthy bool, lastError string) {
	h := r.health[name]
	if h.Healthy != healthy {
		if healthy {
			r.healthyCount++
		} else {
			r.healthyCount--
		}
		healthyCountGauge.Update(int64(r.healthyCount))
	}
	h.Healthy = healthy
	h.LastError = lastError
}

func (r *Registry) forEachClient(fn func(name string, client Client)) {
	r.mu.RLock()
	snapshot := make(map[string]Client, len(r.clients))
	for name, client := range r.clients {
		snapshot[name] = client
	}
	r.mu.RUnlock()
	for name, client := range snapshot {
		fn(name, client)
	}
}

func walletAddr(w *Wallet) string {
	if w == nil {
		return "none"
	}
	return w.Address.Hex()
}
