package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/escalation"
	"github.com/foundry-ci/foundry/issuesource"
	"github.com/foundry-ci/foundry/pool"
	"github.com/foundry-ci/foundry/status"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sleeperSpawn(seconds string) pool.SpawnFunc {
	return func(ctx context.Context, issueID int) (*os.Process, error) {
		cmd := exec.Command("sleep", seconds)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go func() { _ = cmd.Wait() }()
		return cmd.Process, nil
	}
}

type recordingNotifier struct{ events []status.Escalation }

func (r *recordingNotifier) Notify(ctx context.Context, e status.Escalation) error {
	r.events = append(r.events, e)
	return nil
}

func newTestSupervisor(t *testing.T, spawn pool.SpawnFunc) (*Supervisor, *issuesource.Fake, *status.Store, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()

	store, err := status.NewStore(filepath.Join(dir, "status"), filepath.Join(dir, "notifications.jsonl"), filepath.Join(dir, "escalations.jsonl"))
	require.NoError(t, err)

	p := pool.New(pool.Config{MaxConcurrentWorkers: 2}, spawn, store, testLog())

	notifier := &recordingNotifier{}
	sink := escalation.New(store, notifier, escalation.Config{NotifyOnBlock: true, NotifyOnMainFailure: true})

	metrics := NewMetrics(prometheus.NewRegistry())

	fake := issuesource.NewFake()

	cfg := DefaultConfig("acme", "widgets")
	cfg.BaseDir = dir
	cfg.WorktreeBaseDir = dir
	cfg.StatusDir = filepath.Join(dir, "status")
	cfg.WorkerBinaryPath = "worker"

	sup := New(cfg, fake, p, sink, nil, metrics, testLog())
	return sup, fake, store, notifier
}

func TestSupervisorAdmitsEligibleIssueUpToCapacity(t *testing.T) {
	sup, fake, _, _ := newTestSupervisor(t, sleeperSpawn("5"))

	fake.AddIssue(issuesource.Issue{ID: 1, Title: "fix bug", Body: "short", Labels: []string{"bug"}})
	fake.AddIssue(issuesource.Issue{ID: 2, Title: "another bug", Body: "short", Labels: []string{"bug"}})
	fake.AddIssue(issuesource.Issue{ID: 3, Title: "third bug", Body: "short", Labels: []string{"bug"}})

	require.NoError(t, sup.Tick(context.Background()))

	proj := sup.Projection()
	require.Len(t, proj, 2, "only max_concurrent_workers issues should be admitted")
}

func TestSupervisorSkipsLabeledIssues(t *testing.T) {
	sup, fake, _, _ := newTestSupervisor(t, sleeperSpawn("5"))

	fake.AddIssue(issuesource.Issue{ID: 1, Title: "stale", Body: "body", Labels: []string{"bug", "wontfix"}})

	require.NoError(t, sup.Tick(context.Background()))

	require.Empty(t, sup.Projection())
}

func TestSupervisorRaisesEscalationOnWorkerFailure(t *testing.T) {
	sup, fake, _, notifier := newTestSupervisor(t, sleeperSpawn("0"))

	fake.AddIssue(issuesource.Issue{ID: 1, Title: "crashy", Body: "body", Labels: []string{"bug"}})

	require.NoError(t, sup.Tick(context.Background()))

	require.Eventually(t, func() bool {
		require.NoError(t, sup.Tick(context.Background()))
		info, ok := sup.Projection()[1]
		return ok && info.State == pool.WorkerFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, notifier.events, 1)
	require.Equal(t, status.EscalationFailed, notifier.events[0].Category)
}

func TestSupervisorRaisesPostMergeRegressionEscalation(t *testing.T) {
	sup, fake, store, notifier := newTestSupervisor(t, sleeperSpawn("0"))

	fake.AddIssue(issuesource.Issue{ID: 1, Title: "merged but broke main", Body: "body", Labels: []string{"bug"}})

	require.NoError(t, sup.Tick(context.Background()))

	// Simulate the worker reaching its post-merge-regression terminal state
	// (worker/runtime.go's enterVerifyingMain -> terminal), the way the real
	// worker process would persist it before exiting.
	prNumber := 42
	reason := "post-merge build failed"
	require.NoError(t, store.WriteWorker(1, status.WorkerSnapshot{
		IssueNumber:   1,
		Phase:         status.PhaseFailed,
		BlockedReason: &reason,
		PRNumber:      &prNumber,
		CreatedIssues: []int{},
		Logs:          []string{},
	}))

	require.Eventually(t, func() bool {
		require.NoError(t, sup.Tick(context.Background()))
		info, ok := sup.Projection()[1]
		return ok && info.State == pool.WorkerFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	require.Equal(t, status.EscalationPostMergeRegression, event.Category)
	require.Equal(t, 42, event.Context["pr_number"])
	require.Equal(t, 1, event.Context["issue_number"])
}
