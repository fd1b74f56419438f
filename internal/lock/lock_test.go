package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/lock"
)

func TestKeyBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "lock:wallet:sync:abc", lock.WalletSyncKey("abc"))
	assert.Equal(t, "lock:similarity:req-1", lock.SimilarityKey("req-1"))
}

// openTestRedis connects to the broker named by REDIS_URL, skipping the test
// when the variable is unset.
func openTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	client := openTestRedis(t)
	svc := lock.NewService(client, 10*time.Millisecond)
	ctx := context.Background()
	key := lock.WalletSyncKey(uuid.NewString())

	acquired, err := svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = svc.TryAcquire(ctx, key, "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second holder must not steal the lock")

	acquired, err = svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "re-acquire by the owner re-arms the TTL")

	require.NoError(t, svc.Release(ctx, key, "holder-a"))

	held, err := svc.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	client := openTestRedis(t)
	svc := lock.NewService(client, 10*time.Millisecond)
	ctx := context.Background()
	key := lock.WalletSyncKey(uuid.NewString())

	_, err := svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, key, "holder-b"))

	held, err := svc.IsHeld(ctx, key)
	require.NoError(t, err)
	assert.True(t, held, "foreign release must not free the lock")

	require.NoError(t, svc.Release(ctx, key, "holder-a"))
}

func TestRefreshOnlyByHolder(t *testing.T) {
	client := openTestRedis(t)
	svc := lock.NewService(client, 10*time.Millisecond)
	ctx := context.Background()
	key := lock.WalletSyncKey(uuid.NewString())

	_, err := svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	refreshed, err = svc.Refresh(ctx, key, "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed)

	require.NoError(t, svc.Release(ctx, key, "holder-a"))
}

func TestAwaitReturnsWhenLockFrees(t *testing.T) {
	client := openTestRedis(t)
	svc := lock.NewService(client, 10*time.Millisecond)
	ctx := context.Background()
	key := lock.WalletSyncKey(uuid.NewString())

	_, err := svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.Release(ctx, key, "holder-a")
	}()

	require.NoError(t, svc.Await(ctx, key, 5*time.Second))
}

func TestAwaitTimesOut(t *testing.T) {
	client := openTestRedis(t)
	svc := lock.NewService(client, 10*time.Millisecond)
	ctx := context.Background()
	key := lock.WalletSyncKey(uuid.NewString())

	_, err := svc.TryAcquire(ctx, key, "holder-a", time.Minute)
	require.NoError(t, err)
	defer func() { _ = svc.Release(ctx, key, "holder-a") }()

	err = svc.Await(ctx, key, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}
