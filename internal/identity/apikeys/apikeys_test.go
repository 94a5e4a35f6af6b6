package apikeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "setu/pkg/domain-errors"
)

func seededStore(t *testing.T) *InMemoryStore {
	t.Helper()
	store := NewInMemoryStore()
	require.NoError(t, store.Seed("tenant-a", "key-alpha"))
	require.NoError(t, store.Seed("tenant-b", "key-beta"))
	return store
}

func Test_VerifyKey(t *testing.T) {
	store := seededStore(t)

	tenantID, err := store.VerifyKey(context.Background(), "key-beta")
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", tenantID.String())
}

func Test_VerifyKey_Unknown(t *testing.T) {
	store := seededStore(t)

	_, err := store.VerifyKey(context.Background(), "key-gamma")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	_, err = store.VerifyKey(context.Background(), "")
	require.Error(t, err)
}

func Test_VerifySecret(t *testing.T) {
	store := seededStore(t)

	require.NoError(t, store.VerifySecret(context.Background(), "tenant-a", "key-alpha"))

	err := store.VerifySecret(context.Background(), "tenant-a", "key-beta")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	err = store.VerifySecret(context.Background(), "tenant-z", "key-alpha")
	require.Error(t, err)
}
