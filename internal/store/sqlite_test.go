package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStoreRejectsEmptyDSN(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.Error(t, err)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	first, err := s.Append(ctx, "alice", "before restart")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Append(ctx, "bob", "after restart")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, second.Timestamp.Before(first.Timestamp))

	got, err := reopened.ListOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "before restart", got[0].Content)
	assert.Equal(t, "after restart", got[1].Content)
}

func TestSQLiteStoreReadsRowsWrittenWithDefaultTimestamp(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (sender, content) VALUES (?, ?)`, "legacy", "row")
	require.NoError(t, err)

	got, err := s.ListOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "legacy", got[0].Sender)
	assert.False(t, got[0].Timestamp.IsZero())
}
