package trajectory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSummary(session, agent, task string) *SessionSummary {
	return &SessionSummary{
		SessionID:     session,
		AgentID:       agent,
		Task:          task,
		InputSummary:  "3 files in scope",
		OutputSummary: "2 edits, 1 commit",
		SuccessScore:  0.9,
		Reward:        1.0,
	}
}

func TestEncryptAndAppend_RoundTrip(t *testing.T) {
	t.Parallel()

	sec, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	summary := testSummary("sess-1", "agent-a", "fix flaky auth test")

	id, err := store.EncryptAndAppend(context.Background(), summary, pub)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Decrypt(context.Background(), id, sec)
	require.NoError(t, err)
	assert.Equal(t, summary.SessionID, got.SessionID)
	assert.Equal(t, summary.Task, got.Task)
	assert.Equal(t, summary.OutputSummary, got.OutputSummary)
	assert.InDelta(t, summary.SuccessScore, got.SuccessScore, 0.001)
}

func TestEncryptAndAppend_PlaintextNeverPersisted(t *testing.T) {
	t.Parallel()

	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "task"), pub)
	require.NoError(t, err)

	rec, err := store.Get(id)
	require.NoError(t, err)
	assert.NotContains(t, string(rec.Ciphertext), "2 edits, 1 commit")
	assert.NotEmpty(t, rec.KEMCiphertext)
	assert.NotEmpty(t, rec.Nonce)
	assert.NotEmpty(t, rec.AuthTag)
}

func TestEncryptAndAppend_FreshNoncePerCall(t *testing.T) {
	t.Parallel()

	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	summary := testSummary("sess-1", "agent-a", "identical payload")

	id1, err := store.EncryptAndAppend(context.Background(), summary, pub)
	require.NoError(t, err)
	id2, err := store.EncryptAndAppend(context.Background(), summary, pub)
	require.NoError(t, err)

	rec1, err := store.Get(id1)
	require.NoError(t, err)
	rec2, err := store.Get(id2)
	require.NoError(t, err)

	assert.NotEqual(t, rec1.Nonce, rec2.Nonce, "every encryption uses a fresh nonce")
	assert.NotEqual(t, rec1.Ciphertext, rec2.Ciphertext,
		"identical plaintexts must not share ciphertext")
	assert.NotEqual(t, rec1.KEMCiphertext, rec2.KEMCiphertext,
		"every call gets a fresh encapsulation")
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	sec, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "task"), pub)
	require.NoError(t, err)

	// Flip a ciphertext bit in place.
	store.mu.Lock()
	store.byID[id].Ciphertext[0] ^= 0x01
	store.mu.Unlock()

	_, err = store.Decrypt(context.Background(), id, sec)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestDecrypt_TamperedAuthTag(t *testing.T) {
	t.Parallel()

	sec, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "task"), pub)
	require.NoError(t, err)

	store.mu.Lock()
	store.byID[id].AuthTag[0] ^= 0x01
	store.mu.Unlock()

	_, err = store.Decrypt(context.Background(), id, sec)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestDecrypt_WrongKey(t *testing.T) {
	t.Parallel()

	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	otherSec, _, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "task"), pub)
	require.NoError(t, err)

	_, err = store.Decrypt(context.Background(), id, otherSec)
	require.ErrorIs(t, err, ErrCrypto)
}

func TestDecrypt_UnknownID(t *testing.T) {
	t.Parallel()

	sec, _, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	_, err = store.Decrypt(context.Background(), "nope", sec)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptAndAppend_Validation(t *testing.T) {
	t.Parallel()

	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	store := newTestStore(t)

	_, err = store.EncryptAndAppend(context.Background(),
		&SessionSummary{SessionID: "s", AgentID: "a"}, pub)
	require.ErrorIs(t, err, ErrEmptyTask)

	_, err = store.EncryptAndAppend(context.Background(),
		testSummary("s", "a", "task"), nil)
	require.ErrorIs(t, err, ErrNilKey)
}

func TestQueryByKeyword_PlaintextIndexOnly(t *testing.T) {
	t.Parallel()

	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	store := newTestStore(t)
	_, err = store.EncryptAndAppend(context.Background(),
		testSummary("s1", "agent-a", "refactor auth middleware"), pub)
	require.NoError(t, err)
	_, err = store.EncryptAndAppend(context.Background(),
		testSummary("s2", "agent-b", "write parser tests"), pub)
	require.NoError(t, err)
	_, err = store.EncryptAndAppend(context.Background(),
		testSummary("s3", "agent-c", "tune auth rate limits"), pub)
	require.NoError(t, err)

	hits := store.QueryByKeyword("auth", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "s3", hits[0].SessionID, "most recent first")
	assert.Equal(t, "s1", hits[1].SessionID)

	// Keyword present only in encrypted payload never matches.
	hits = store.QueryByKeyword("2 edits", 10)
	assert.Empty(t, hits)

	hits = store.QueryByKeyword("auth", 1)
	assert.Len(t, hits, 1)
}

func TestStore_ReloadFromFile(t *testing.T) {
	t.Parallel()

	sec, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trajectories.jsonl")

	store := newTestStore(t, WithPath(path))
	id, err := store.EncryptAndAppend(context.Background(),
		testSummary("sess-1", "agent-a", "persisted task"), pub)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := newTestStore(t, WithPath(path))
	assert.Equal(t, 1, reopened.Len())

	got, err := reopened.Decrypt(context.Background(), id, sec)
	require.NoError(t, err)
	assert.Equal(t, "persisted task", got.Task)
}
