package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/status"
)

type recordingNotifier struct {
	events []status.Escalation
}

func (r *recordingNotifier) Notify(ctx context.Context, e status.Escalation) error {
	r.events = append(r.events, e)
	return nil
}

func newTestStore(t *testing.T) (*status.Store, string) {
	t.Helper()
	dir := t.TempDir()
	escalationPath := dir + "/escalations.jsonl"
	store, err := status.NewStore(dir, dir+"/notifications.jsonl", escalationPath)
	require.NoError(t, err)
	return store, escalationPath
}

func TestSinkAlwaysAppendsRegardlessOfNotifyFlags(t *testing.T) {
	store, escalationPath := newTestStore(t)
	notifier := &recordingNotifier{}
	sink := New(store, notifier, Config{NotifyOnBlock: false, NotifyOnMainFailure: false})

	err := sink.Raise(context.Background(), status.Escalation{IssueNumber: 1, Category: status.EscalationBlocked, Message: "blocked_reason"})
	require.NoError(t, err)
	require.Empty(t, notifier.events)

	escalations, err := status.ReadEscalations(escalationPath)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
}

func TestSinkNotifiesWhenConfigured(t *testing.T) {
	store, _ := newTestStore(t)
	notifier := &recordingNotifier{}
	sink := New(store, notifier, Config{NotifyOnBlock: true})

	err := sink.Raise(context.Background(), status.Escalation{IssueNumber: 2, Category: status.EscalationBlocked, Message: "stuck"})
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)

	err = sink.Raise(context.Background(), status.Escalation{IssueNumber: 3, Category: status.EscalationPostMergeRegression, Message: "regressed"})
	require.NoError(t, err)
	require.Len(t, notifier.events, 1) // main-failure notify not enabled
}
