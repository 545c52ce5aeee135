package pool

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/status"
)

// spawnSleeper starts a real, short-lived OS process so liveness/signal
// checks exercise the genuine syscall path rather than a fake.
func spawnSleeper(seconds string) SpawnFunc {
	return func(ctx context.Context, issueID int) (*os.Process, error) {
		cmd := exec.Command("sleep", seconds)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go func() { _ = cmd.Wait() }()
		return cmd.Process, nil
	}
}

func newTestPool(t *testing.T, cfg Config, spawn SpawnFunc) *Pool {
	t.Helper()
	dir := t.TempDir()
	store, err := status.NewStore(filepath.Join(dir, "status"), "", "")
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, spawn, store, log)
}

func TestPoolAdmissionRespectsSlotLimit(t *testing.T) {
	p := newTestPool(t, Config{MaxConcurrentWorkers: 1}, spawnSleeper("5"))

	h1, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, WorkerStarting, h1.State)

	_, err = p.Admit(context.Background(), 2)
	require.Error(t, err)
}

func TestPoolAdmitIsIdempotentPerIssue(t *testing.T) {
	p := newTestPool(t, Config{MaxConcurrentWorkers: 2}, spawnSleeper("5"))

	h1, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)
	h2, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, h1.PID, h2.PID, "re-admitting a tracked issue must return the existing handle")
}

func TestPoolReconcileMarksFailedWhenProcessDiesWithoutStatus(t *testing.T) {
	p := newTestPool(t, Config{MaxConcurrentWorkers: 2}, spawnSleeper("0"))

	_, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)

	// Give the short-lived "sleep 0" process time to exit.
	require.Eventually(t, func() bool {
		terminated := p.Reconcile(context.Background())
		return len(terminated) == 1 && terminated[0].State == WorkerFailed
	}, 2*time.Second, 10*time.Millisecond)

	require.Empty(t, p.Handles(), "terminal worker must be reaped")
}

func TestPoolReconcileTimesOutStuckWorker(t *testing.T) {
	p := newTestPool(t, Config{MaxConcurrentWorkers: 2, WorkerTimeout: 10 * time.Millisecond, KillGrace: 20 * time.Millisecond}, spawnSleeper("30"))

	h, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	terminated := p.Reconcile(context.Background())
	require.Len(t, terminated, 1)
	require.Equal(t, WorkerFailed, terminated[0].State)
	require.Equal(t, "timeout", terminated[0].BlockedReason)

	require.Eventually(t, func() bool { return !processAlive(h.PID) }, time.Second, 10*time.Millisecond)
}

func TestPoolAvailableSlots(t *testing.T) {
	p := newTestPool(t, Config{MaxConcurrentWorkers: 3}, spawnSleeper("5"))
	require.Equal(t, 3, p.AvailableSlots())

	_, err := p.Admit(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, p.AvailableSlots())
}
