// Package escalation implements the EscalationSink (§4.6 of SPEC_FULL.md):
// the supervisor's exclusive channel for recording events that need human
// attention, with an optional Slack echo.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/foundry-ci/foundry/status"
)

// Notifier is a pluggable callback invoked alongside the always-on
// JSON-Lines append. A nil Notifier, or one returning an error, never
// prevents the append from happening.
type Notifier interface {
	Notify(ctx context.Context, e status.Escalation) error
}

// Config gates which escalation categories are echoed to the Notifier, per
// §6's notify_on_block / notify_on_main_failure configuration flags.
type Config struct {
	NotifyOnBlock       bool
	NotifyOnMainFailure bool
}

// Sink is the Supervisor's sole writer of the escalation log.
type Sink struct {
	store    *status.Store
	notifier Notifier
	cfg      Config
}

// New builds a Sink. notifier may be nil, in which case only the journal
// append happens.
func New(store *status.Store, notifier Notifier, cfg Config) *Sink {
	return &Sink{store: store, notifier: notifier, cfg: cfg}
}

// Raise appends an escalation record and, if configured, echoes it to the
// Notifier. The journal append always happens regardless of notifier state.
func (s *Sink) Raise(ctx context.Context, e status.Escalation) error {
	e.Timestamp = timeNow()
	if err := s.store.AppendEscalation(e); err != nil {
		return fmt.Errorf("escalation: append: %w", err)
	}

	if s.notifier == nil {
		return nil
	}
	if !s.shouldNotify(e.Category) {
		return nil
	}
	// A notifier failure is logged by the caller via the returned error but
	// never un-does the already-durable journal append.
	return s.notifier.Notify(ctx, e)
}

func (s *Sink) shouldNotify(category status.EscalationCategory) bool {
	switch category {
	case status.EscalationBlocked:
		return s.cfg.NotifyOnBlock
	case status.EscalationPostMergeRegression:
		return s.cfg.NotifyOnMainFailure
	default:
		return s.cfg.NotifyOnBlock || s.cfg.NotifyOnMainFailure
	}
}

// timeNow is a seam so tests can freeze escalation timestamps if needed; the
// production path always uses wall-clock time.
var timeNow = func() time.Time { return time.Now().UTC() }
