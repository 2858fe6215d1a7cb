package trajectory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPair(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "trajectory.key")

	sec1, pub1, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	require.NotNil(t, sec1)
	require.NotNil(t, pub1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Second load returns the same key material: what one process sealed,
	// a restarted process can still open.
	sec2, pub2, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)

	store := newTestStore(t)
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "task"), pub1)
	require.NoError(t, err)

	got, err := store.Decrypt(context.Background(), id, sec2)
	require.NoError(t, err)
	assert.Equal(t, "task", got.Task)

	assert.Equal(t, pub1.Bytes(), pub2.Bytes())
}

func TestLoadOrCreateKeyPair_CorruptSeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trajectory.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, _, err := LoadOrCreateKeyPair(path)
	require.ErrorIs(t, err, ErrCrypto)
}
