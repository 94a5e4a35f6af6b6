//go:build integration

package identity_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/identity"
	"setu/pkg/testutil/containers"
)

func newTokenEndpoint(t *testing.T, issued *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostFormValue("grant_type"))
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   900,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

// A second source sharing the Redis cache must reuse the first source's token
// instead of hitting the endpoint again.
func Test_TokenSource_SharedRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	var issued atomic.Int32
	server := newTokenEndpoint(t, &issued)

	first := identity.NewClientCredentialsSource(server.URL, "tenant-a", "secret",
		identity.WithCache(rc.Client))
	token, err := first.Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, int32(1), issued.Load())

	// Fresh source, cold in-process cache, warm Redis.
	second := identity.NewClientCredentialsSource(server.URL, "tenant-a", "secret",
		identity.WithCache(rc.Client))
	cached, err := second.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, cached)
	assert.Equal(t, int32(1), issued.Load())

	// A different client id misses the cache and fetches its own token.
	other := identity.NewClientCredentialsSource(server.URL, "tenant-b", "secret",
		identity.WithCache(rc.Client))
	otherToken, err := other.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, token, otherToken)
	assert.Equal(t, int32(2), issued.Load())
}

func Test_TokenSource_CacheExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.NewRedisContainer(t)

	var issued atomic.Int32
	server := newTokenEndpoint(t, &issued)

	source := identity.NewClientCredentialsSource(server.URL, "tenant-a", "secret",
		identity.WithCache(rc.Client))
	_, err := source.Token(ctx)
	require.NoError(t, err)

	require.NoError(t, rc.FlushAll(ctx))

	// In-process cache still holds the token; no refetch yet.
	_, err = source.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), issued.Load())

	// A source with neither cache warm fetches again.
	cold := identity.NewClientCredentialsSource(server.URL, "tenant-a", "secret",
		identity.WithCache(rc.Client))
	_, err = cold.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), issued.Load())
}
