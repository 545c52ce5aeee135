// Package supervisor implements the Supervisor loop of SPEC_FULL.md §4: the
// single long-running process that polls the issue source, admits issues to
// a WorkerPool, reconciles worker state each tick, and raises escalations.
// It owns the Issue -> WorkerInfo projection exclusively (§3); workers never
// read this state and the supervisor never writes a worker's status file.
package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/foundry-ci/foundry/escalation"
	"github.com/foundry-ci/foundry/issuesource"
	"github.com/foundry-ci/foundry/pool"
	"github.com/foundry-ci/foundry/status"
	"github.com/foundry-ci/foundry/storage/sqlite"
)

// WorkerInfo is the supervisor-owned projection of one issue's worker, per
// the §3 ownership note: "Supervisor exclusively owns the Issue -> WorkerInfo
// projection."
type WorkerInfo struct {
	IssueID       int
	PID           int
	State         pool.WorkerState
	BlockedReason string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// Supervisor drives one tick at a time: poll issues, admit, reconcile,
// escalate, record metrics. All mutable state lives on the instance so
// tests can run multiple supervisors side by side (§9).
type Supervisor struct {
	cfg     Config
	issues  issuesource.Client
	pool    *pool.Pool
	sink    *escalation.Sink
	triage  *sqlite.IssueTriageCache
	metrics *Metrics
	log     *slog.Logger

	mu         sync.Mutex
	projection map[int]WorkerInfo
}

// New wires a Supervisor from its collaborators. triage may be nil (no
// secondary index maintained); metrics may be nil (no /metrics export).
func New(cfg Config, issues issuesource.Client, p *pool.Pool, sink *escalation.Sink, triage *sqlite.IssueTriageCache, metrics *Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		issues:     issues,
		pool:       p,
		sink:       sink,
		triage:     triage,
		metrics:    metrics,
		log:        log,
		projection: make(map[int]WorkerInfo),
	}
}

// Run executes the supervisor's event loop (§5: poll -> admit -> spawn ->
// poll workers -> reconcile -> sleep) until ctx is cancelled, then returns
// exit code 0. A tick error is logged and the loop keeps ticking; Run has no
// other exit path.
func (s *Supervisor) Run(ctx context.Context) int {
	ticker := time.NewTicker(s.cfg.IssuePollInterval())
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			// Per §7: "the supervisor must not crash because one worker's
			// status file is malformed" — log and keep ticking.
			s.log.Error("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.log.Info("supervisor shutting down")
			return 0
		case <-ticker.C:
		}
	}
}

// Tick runs exactly one supervisor cycle: triage + admit new issues, then
// reconcile already-running workers against their status files.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.admitEligibleIssues(ctx)
	s.reconcile(ctx)
	s.recordGaugeMetrics()
	return nil
}

func (s *Supervisor) admitEligibleIssues(ctx context.Context) {
	if s.pool.AvailableSlots() <= 0 {
		return
	}

	issues, err := s.issues.ListOpenIssues(ctx, issuesource.ListFilter{
		ExcludeLabels:          s.cfg.SkipLabels,
		HasLinkedChangeRequest: boolPtr(false),
	})
	if err != nil {
		s.log.Error("list open issues failed", "error", err)
		return
	}

	for _, issue := range issues {
		if s.pool.AvailableSlots() <= 0 {
			return
		}
		if s.alreadyTracked(issue.ID) {
			continue
		}
		if !s.eligible(issue) {
			continue
		}

		h, err := s.pool.Admit(ctx, issue.ID)
		if err != nil {
			s.log.Error("admit failed", "issue_id", issue.ID, "error", err)
			continue
		}

		s.mu.Lock()
		s.projection[issue.ID] = WorkerInfo{
			IssueID:   issue.ID,
			PID:       h.PID,
			State:     h.State,
			StartedAt: h.StartedAt,
			UpdatedAt: time.Now().UTC(),
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.IssuesAdmittedTotal.Inc()
		}
		s.log.Info("admitted issue", "issue_id", issue.ID, "complexity", issue.Complexity)

		if s.triage != nil {
			_ = s.triage.Upsert(sqlite.TriageRow{
				IssueNumber: issue.ID,
				Complexity:  string(issue.Complexity),
				Phase:       status.PhaseInitializing,
				Branch:      "worker/issue-" + strconv.Itoa(issue.ID),
				LastSeenAt:  time.Now().UTC(),
			})
		}
	}
}

func (s *Supervisor) eligible(issue issuesource.Issue) bool {
	for _, skip := range s.cfg.SkipLabels {
		if issue.HasLabel(skip) {
			return false
		}
	}
	if len(s.cfg.AutoAssignLabels) == 0 {
		return true
	}
	for _, label := range s.cfg.AutoAssignLabels {
		if issue.HasLabel(label) {
			return true
		}
	}
	return false
}

func (s *Supervisor) alreadyTracked(issueID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.projection[issueID]
	return ok && info.State.Active()
}

// reconcile reads back every pool-tracked worker's state and raises
// escalations for any that just became terminal this tick.
func (s *Supervisor) reconcile(ctx context.Context) {
	terminated := s.pool.Reconcile(ctx)

	s.mu.Lock()
	for _, h := range s.pool.Handles() {
		s.projection[h.IssueID] = WorkerInfo{
			IssueID:       h.IssueID,
			PID:           h.PID,
			State:         h.State,
			BlockedReason: h.BlockedReason,
			StartedAt:     h.StartedAt,
			UpdatedAt:     time.Now().UTC(),
		}
	}
	s.mu.Unlock()

	for _, h := range terminated {
		s.raiseEscalationFor(ctx, h)

		s.mu.Lock()
		s.projection[h.IssueID] = WorkerInfo{
			IssueID:       h.IssueID,
			PID:           h.PID,
			State:         h.State,
			BlockedReason: h.BlockedReason,
			StartedAt:     h.StartedAt,
			UpdatedAt:     time.Now().UTC(),
		}
		s.mu.Unlock()

		if s.triage != nil {
			reason := h.BlockedReason
			_ = s.triage.Upsert(sqlite.TriageRow{
				IssueNumber:   h.IssueID,
				Phase:         phaseFor(h.State),
				BlockedReason: strPtr(reason),
				LastSeenAt:    time.Now().UTC(),
			})
		}
	}
}

// postMergeRegressionReason is the exact BlockedReason the worker state
// machine sets when a post-merge build failure is observed
// (worker/runtime.go's enterVerifyingMain -> terminal), carried here through
// pool.Handle as the plain string it already is for every other blocked
// reason (e.g. "timeout").
const postMergeRegressionReason = "post-merge build failed"

func (s *Supervisor) raiseEscalationFor(ctx context.Context, h *pool.Handle) {
	if s.sink == nil {
		return
	}

	var category status.EscalationCategory
	switch {
	case h.BlockedReason == "timeout":
		category = status.EscalationTimeout
	case h.BlockedReason == postMergeRegressionReason:
		category = status.EscalationPostMergeRegression
	case h.State == pool.WorkerBlocked:
		category = status.EscalationBlocked
	case h.State == pool.WorkerFailed:
		category = status.EscalationFailed
	default:
		return // completed workers are not escalated
	}

	escContext := map[string]interface{}{"issue_id": h.IssueID}
	if category == status.EscalationPostMergeRegression {
		prNumber := 0
		if h.PRNumber != nil {
			prNumber = *h.PRNumber
		}
		escContext = map[string]interface{}{"pr_number": prNumber, "issue_number": h.IssueID}
	}

	pid := h.PID
	err := s.sink.Raise(ctx, status.Escalation{
		IssueNumber: h.IssueID,
		WorkerPID:   &pid,
		Category:    category,
		Message:     h.BlockedReason,
		Context:     escContext,
	})
	if err != nil {
		s.log.Error("raise escalation failed", "issue_id", h.IssueID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.EscalationsTotal.WithLabelValues(string(category)).Inc()
	}
}

func (s *Supervisor) recordGaugeMetrics() {
	if s.metrics == nil {
		return
	}
	active := 0
	s.mu.Lock()
	for _, info := range s.projection {
		if info.State.Active() {
			active++
		}
	}
	s.mu.Unlock()
	s.metrics.WorkersActive.Set(float64(active))
}

// Projection returns a snapshot of the current Issue -> WorkerInfo map, for
// the `list`/`status` CLI surface.
func (s *Supervisor) Projection() map[int]WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]WorkerInfo, len(s.projection))
	for k, v := range s.projection {
		out[k] = v
	}
	return out
}

func phaseFor(state pool.WorkerState) status.Phase {
	switch state {
	case pool.WorkerDone:
		return status.PhaseCompleted
	case pool.WorkerBlocked:
		return status.PhaseBlocked
	case pool.WorkerFailed:
		return status.PhaseFailed
	default:
		return status.PhaseImplementing
	}
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
