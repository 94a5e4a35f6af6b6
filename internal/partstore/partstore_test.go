package partstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/crypto"
	"setu/pkg/platform/sentinel"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func Test_WriteRead_RoundTrip(t *testing.T) {
	store := testStore(t)

	env := &crypto.Envelope{KeyID: "k1", Nonce: "bm9uY2U=", Ciphertext: "Y3Q=", ContentType: "json"}
	require.NoError(t, store.Write("req-1", 1, env))

	read, err := store.Read("req-1", 1)
	require.NoError(t, err)
	assert.Equal(t, env, read)
}

func Test_Read_Missing(t *testing.T) {
	store := testStore(t)

	_, err := store.Read("req-1", 7)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func Test_Write_Overwrites(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Write("req-1", 1, &crypto.Envelope{KeyID: "k1", Ciphertext: "b2xk"}))
	require.NoError(t, store.Write("req-1", 1, &crypto.Envelope{KeyID: "k1", Ciphertext: "bmV3"}))

	read, err := store.Read("req-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "bmV3", read.Ciphertext)
}

func Test_Write_LeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	require.NoError(t, err)

	require.NoError(t, store.Write("req-1", 1, &crypto.Envelope{KeyID: "k1"}))
	require.True(t, store.Exists("req-1", 1))
	assert.False(t, store.Exists("req-1", 2))

	entries, err := os.ReadDir(filepath.Dir(store.Path("req-1", 1)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1.json", entries[0].Name())
}
