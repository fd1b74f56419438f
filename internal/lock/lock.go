// Package lock provides named distributed locks on Redis. Locks are
// holder-scoped: only the holder that acquired a lock may release or refresh
// it, enforced by compare-and-delete scripts. Liveness comes from the TTL,
// not from holder cooperation.
package lock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/walletscope/walletscope/internal/domain"
)

// releaseScript deletes the key only when the stored holder matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript re-arms the TTL only when the stored holder matches.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// WalletSyncKey names the per-wallet sync mutual-exclusion lock.
func WalletSyncKey(address string) string {
	return "lock:wallet:sync:" + address
}

// SimilarityKey names the per-request similarity computation lock.
func SimilarityKey(requestID string) string {
	return "lock:similarity:" + requestID
}

// Service acquires, refreshes and releases named locks.
type Service struct {
	client       redis.UniversalClient
	pollInterval time.Duration
}

// NewService creates a lock service. pollInterval is the base interval for
// Await's jittered polling.
func NewService(client redis.UniversalClient, pollInterval time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	return &Service{client: client, pollInterval: pollInterval}
}

// TryAcquire attempts to take the lock for holder. It returns true when the
// lock was acquired, false when another holder owns it. Acquiring a lock the
// holder already owns re-arms the TTL and reports acquired.
func (s *Service) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, domain.WrapError(domain.KindExternalUnavailable, err, fmt.Sprintf("acquire lock %s", key))
	}

	if acquired {
		return true, nil
	}

	refreshed, refreshErr := s.Refresh(ctx, key, holder, ttl)
	if refreshErr != nil {
		return false, refreshErr
	}

	return refreshed, nil
}

// Release frees the lock if holder owns it. Releasing a lock held by someone
// else, or not held at all, is a no-op.
func (s *Service) Release(ctx context.Context, key, holder string) error {
	err := releaseScript.Run(ctx, s.client, []string{key}, holder).Err()
	if err != nil {
		return domain.WrapError(domain.KindExternalUnavailable, err, fmt.Sprintf("release lock %s", key))
	}

	return nil
}

// Refresh re-arms the TTL if holder owns the lock. Returns false when the
// lock is gone or owned by another holder.
func (s *Service) Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, domain.WrapError(domain.KindExternalUnavailable, err, fmt.Sprintf("refresh lock %s", key))
	}

	return n == 1, nil
}

// IsHeld reports whether any holder currently owns the lock.
func (s *Service) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, domain.WrapError(domain.KindExternalUnavailable, err, fmt.Sprintf("check lock %s", key))
	}

	return n > 0, nil
}

// Await blocks until the lock is free or the timeout elapses, polling with
// jittered intervals so concurrent waiters do not stampede. It does not
// acquire the lock; callers race for it afterwards.
func (s *Service) Await(ctx context.Context, key string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		held, err := s.IsHeld(ctx, key)
		if err != nil {
			return err
		}

		if !held {
			return nil
		}

		if time.Now().After(deadline) {
			return domain.Errorf(domain.KindTimeout, "lock %s still held after %s", key, timeout)
		}

		// Uniform jitter in [0.5, 1.5) of the base interval.
		wait := time.Duration(float64(s.pollInterval) * (0.5 + rand.Float64()))

		select {
		case <-ctx.Done():
			return domain.WrapError(domain.KindTimeout, ctx.Err(), fmt.Sprintf("await lock %s", key))
		case <-time.After(wait):
		}
	}
}
