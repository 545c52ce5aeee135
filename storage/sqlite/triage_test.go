package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/status"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "triage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIssueTriageCacheUpsertAndGet(t *testing.T) {
	cache := NewIssueTriageCache(openTestDB(t))

	now := time.Now().UTC()
	err := cache.Upsert(TriageRow{
		IssueNumber: 42,
		Complexity:  "small",
		Phase:       status.PhaseImplementing,
		Branch:      "worker/issue-42",
		RetryCount:  0,
		LastSeenAt:  now,
	})
	require.NoError(t, err)

	row, found, err := cache.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, status.PhaseImplementing, row.Phase)

	err = cache.Upsert(TriageRow{
		IssueNumber: 42,
		Complexity:  "small",
		Phase:       status.PhaseCompleted,
		Branch:      "worker/issue-42",
		RetryCount:  1,
		LastSeenAt:  now.Add(time.Minute),
	})
	require.NoError(t, err)

	row, found, err = cache.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, status.PhaseCompleted, row.Phase)
	require.Equal(t, 1, row.RetryCount)
}

func TestIssueTriageCacheGetMissing(t *testing.T) {
	cache := NewIssueTriageCache(openTestDB(t))
	_, found, err := cache.Get(999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIssueTriageCacheRebuildFromSnapshots(t *testing.T) {
	cache := NewIssueTriageCache(openTestDB(t))
	require.NoError(t, cache.Upsert(TriageRow{IssueNumber: 1, Phase: status.PhaseBlocked, LastSeenAt: time.Now()}))

	err := cache.RebuildFromSnapshots([]status.WorkerSnapshot{
		{IssueNumber: 2, Phase: status.PhaseCompleted, UpdatedAt: time.Now()},
	})
	require.NoError(t, err)

	_, found, err := cache.Get(1)
	require.NoError(t, err)
	require.False(t, found, "rebuild must discard rows not present in the new snapshot set")

	row, found, err := cache.Get(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, status.PhaseCompleted, row.Phase)
}
