package locker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/mevlab/arb-engine/params"
)

// ErrNotAcquired is returned when the chain-wide lock is held elsewhere.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ChainLock is a chain-wide distributed mutex backed by redis SET NX PX.
// It serialises execution per chain across engine instances; the TTL bounds
// how long a crashed holder can wedge a chain.
type ChainLock struct {
	client redis.UniversalClient
	cfg    params.LockerConfig
}

// NewChainLock constructs a distributed chain lock.
func NewChainLock(client redis.UniversalClient, cfg params.LockerConfig) *ChainLock {
	return &ChainLock{client: client, cfg: cfg}
}

func lockKey(chain string) string {
	return fmt.Sprintf("chain-lock:%s", chain)
}

// Acquire takes the chain lock for holderID or returns ErrNotAcquired.
func (l *ChainLock) Acquire(ctx context.Context, chain, holderID string) error {
	ok, err := l.client.SetNX(ctx, lockKey(chain), holderID, l.cfg.LockTTL).Result()
	if err != nil {
		return fmt.Errorf("chain lock acquire: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}
	log.Trace("chain lock acquired", "chain", chain, "holder", holderID)
	return nil
}

// Release drops the chain lock if holderID still owns it.
func (l *ChainLock) Release(ctx context.Context, chain, holderID string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{lockKey(chain)}, holderID).Int64()
	if err != nil {
		return fmt.Errorf("chain lock release: %w", err)
	}
	if deleted == 0 {
		log.Debug("chain lock release skipped, not the owner", "chain", chain, "holder", holderID)
	}
	return nil
}

// ForceRelease unconditionally deletes the chain lock. Only the stale-lock
// recovery path uses this.
func (l *ChainLock) ForceRelease(ctx context.Context, chain string) error {
	if err := l.client.Del(ctx, lockKey(chain)).Err(); err != nil {
		return fmt.Errorf("chain lock force release: %w", err)
	}
	log.Warn("chain lock force released", "chain", chain)
	staleLockRecoveryMeter.Mark(1)
	return nil
}

// Holder returns the current holder id, or empty when unlocked.
func (l *ChainLock) Holder(ctx context.Context, chain string) (string, error) {
	v, err := l.client.Get(ctx, lockKey(chain)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
