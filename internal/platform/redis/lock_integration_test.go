//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/platform/config"
	"setu/internal/platform/redis"
	"setu/pkg/testutil/containers"
)

func newLockClient(t *testing.T) *redis.Client {
	t.Helper()
	rc := containers.NewRedisContainer(t)
	client, err := redis.New(config.Redis{URL: rc.Addr})
	require.NoError(t, err)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func Test_Lock_MutualExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := newLockClient(t)
	lock := redis.NewLock(client, time.Minute)

	release, ok := lock.TryLock(ctx, "poller:req-1")
	require.True(t, ok)

	_, ok = lock.TryLock(ctx, "poller:req-1")
	assert.False(t, ok)

	// A different key is independent.
	otherRelease, ok := lock.TryLock(ctx, "poller:req-2")
	require.True(t, ok)
	otherRelease()

	release()
	release2, ok := lock.TryLock(ctx, "poller:req-1")
	require.True(t, ok)
	release2()
}

func Test_Lock_ExpiresWithTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := newLockClient(t)
	lock := redis.NewLock(client, time.Second)

	_, ok := lock.TryLock(ctx, "poller:req-1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		release, ok := lock.TryLock(ctx, "poller:req-1")
		if ok {
			release()
		}
		return ok
	}, 5*time.Second, 100*time.Millisecond)
}

// A stale holder's release must not clobber a lock reacquired after expiry.
func Test_Lock_StaleReleaseIsNoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	client := newLockClient(t)

	short := redis.NewLock(client, time.Second)
	staleRelease, ok := short.TryLock(ctx, "poller:req-1")
	require.True(t, ok)

	long := redis.NewLock(client, time.Minute)
	var release func()
	require.Eventually(t, func() bool {
		var held bool
		release, held = long.TryLock(ctx, "poller:req-1")
		return held
	}, 5*time.Second, 100*time.Millisecond)

	staleRelease()

	// Still held by the second acquirer.
	_, ok = short.TryLock(ctx, "poller:req-1")
	assert.False(t, ok)
	release()
}
