package status

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, filepath.Join(dir, "notifications.jsonl"), filepath.Join(dir, "escalations.jsonl"))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := WorkerSnapshot{
		PID:         4242,
		IssueNumber: 42,
		Branch:      "worker/issue-42",
		Phase:       PhaseImplementing,
		StartedAt:   now,
		UpdatedAt:   now,
		Commits:     []string{"abc123"},
		CreatedIssues: []int{},
		Logs:        []string{},
	}
	require.NoError(t, store.WriteWorker(42, snap))

	got, err := store.ReadWorker(42)
	require.NoError(t, err)
	require.Equal(t, snap.PID, got.PID)
	require.Equal(t, snap.Phase, got.Phase)
	require.Equal(t, snap.Branch, got.Branch)
	require.True(t, snap.StartedAt.Equal(got.StartedAt))
}

func TestReadWorkerNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "", "")
	require.NoError(t, err)

	_, err = store.ReadWorker(999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadWorkerMalformedTreatedAsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "", "")
	require.NoError(t, err)

	path := workerPath(dir, 7)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o640))

	_, err = store.ReadWorker(7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkerSnapshots(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "", "")
	require.NoError(t, err)

	require.NoError(t, store.WriteWorker(1, WorkerSnapshot{PID: 1, IssueNumber: 1, Phase: PhaseImplementing}))
	require.NoError(t, store.WriteAnimation(2, AnimationSnapshot{PID: 2, IssueNumber: 2, Phase: PhaseImplementing}))

	entries, err := store.ListWorkerSnapshots()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].IssueID)
	require.False(t, entries[0].Animation)
	require.Equal(t, 2, entries[1].IssueID)
	require.True(t, entries[1].Animation)
}

// TestNotificationJournalNoLossUnderConcurrency exercises invariant 4 of the
// spec: 10 workers each appending 100 notifications must yield exactly 1000
// records with no loss and no duplication.
func TestNotificationJournalNoLossUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "notifications.jsonl")
	store, err := NewStore(dir, journal, "")
	require.NoError(t, err)

	const workers = 10
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := store.AppendNotification(Notification{
					WorkerPID:   pid,
					IssueNumber: pid,
					Category:    NotificationStatusUpdate,
					Message:     "progress",
					Timestamp:   time.Now(),
				})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	records, err := ReadNotifications(journal)
	require.NoError(t, err)
	require.Len(t, records, workers*perWorker)
}
