package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crucible/internal/storage"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "crucible.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.BootstrapSQLite(ctx, db))
	return NewLedger(db)
}

func TestBeginAndFinish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := testLedger(t)

	id, err := l.Begin(ctx, "sess-1", "demo-soc", PhaseBuild)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := l.ForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "running", entries[0].State)
	assert.Nil(t, entries[0].FinishedAt)

	require.NoError(t, l.Finish(ctx, id, "built", ""))

	entries, err = l.ForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "built", entries[0].State)
	assert.Equal(t, PhaseBuild, entries[0].Phase)
	require.NotNil(t, entries[0].FinishedAt)
	assert.False(t, entries[0].FinishedAt.Before(entries[0].StartedAt))
}

func TestFinishRecordsExitMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := testLedger(t)

	id, err := l.Begin(ctx, "sess-1", "demo-soc", PhaseRun)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, id, "failed run", "command failed with exit status 2"))

	entries, err := l.ForSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed run", entries[0].State)
	assert.Contains(t, entries[0].ExitMessage, "exit status 2")
}

func TestFinishUnknownEntry(t *testing.T) {
	t.Parallel()

	l := testLedger(t)
	err := l.Finish(context.Background(), "no-such-id", "built", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestForSessionIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := testLedger(t)

	_, err := l.Begin(ctx, "sess-a", "demo-soc", PhaseBuild)
	require.NoError(t, err)
	_, err = l.Begin(ctx, "sess-b", "demo-soc", PhaseRun)
	require.NoError(t, err)

	entries, err := l.ForSession(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess-a", entries[0].SessionID)
}

func TestRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := testLedger(t)

	for i := 0; i < 3; i++ {
		_, err := l.Begin(ctx, "sess-1", "demo-soc", PhaseRun)
		require.NoError(t, err)
	}

	entries, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
