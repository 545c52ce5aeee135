// Package worker implements the WorkerRuntime PR-lifecycle state machine
// (§4.3 of SPEC_FULL.md): a per-issue process that advances through
// implement → validate → open change-request → await review → address
// feedback → await CI → resolve conflicts → merge → verify post-merge build,
// persisting a full snapshot before every external side effect.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/foundry-ci/foundry/codegen"
	"github.com/foundry-ci/foundry/issuesource"
	"github.com/foundry-ci/foundry/rag"
	"github.com/foundry-ci/foundry/status"
	"github.com/foundry-ci/foundry/storage/sqlite"
	"github.com/foundry-ci/foundry/vcs"
)

// ErrBlocked is the sentinel error carrying a blocking reason across phase
// boundaries; the state machine never panics or propagates raw errors past a
// phase's explicit outcome arm (§7).
type ErrBlocked struct{ Reason string }

func (e *ErrBlocked) Error() string { return e.Reason }

func blocked(reason string) error { return &ErrBlocked{Reason: reason} }

// Runtime drives one issue through the PR lifecycle. It owns exactly one
// StatusStore entry and one VCS working tree; no state here is shared with
// any other worker process.
type Runtime struct {
	cfg      Config
	issues   issuesource.Client
	codegen  codegen.Driver
	vcsDrv   vcs.Driver
	store    *status.Store
	log      *slog.Logger
	retriever *rag.Retriever       // nil unless cfg.RAGEnabled
	audit     *sqlite.AuditTrail // nil unless WithAuditTrail is called

	tracker             *ReviewTracker
	snap                status.WorkerSnapshot
	cr                  *issuesource.ChangeRequest
	pendingReview       *issuesource.Review
	retries             int
	postMergeRegression bool
}

// NewRuntime builds a Runtime. store must be rooted at cfg.StatusDir.
func NewRuntime(cfg Config, issues issuesource.Client, drv codegen.Driver, vcsDrv vcs.Driver, store *status.Store, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:     cfg,
		issues:  issues,
		codegen: drv,
		vcsDrv:  vcsDrv,
		store:   store,
		log:     log.With("component", "worker", "issue_id", cfg.IssueID),
		tracker: NewReviewTracker(),
	}
}

// WithRetriever attaches an optional RAG retriever, exercised only when
// cfg.RAGEnabled (§4.9).
func (r *Runtime) WithRetriever(retriever *rag.Retriever) *Runtime {
	r.retriever = retriever
	return r
}

// WithAuditTrail attaches an optional record of every codegen invocation
// (§4.8). Nil-safe: a Runtime without an audit trail skips recording.
func (r *Runtime) WithAuditTrail(audit *sqlite.AuditTrail) *Runtime {
	r.audit = audit
	return r
}

// Run drives the state machine to a terminal phase (completed/failed/blocked)
// and returns the corresponding process exit code (§6: 0 completed, 1
// failed/blocked).
func (r *Runtime) Run(ctx context.Context) int {
	r.snap = status.WorkerSnapshot{
		PID:           os.Getpid(),
		IssueNumber:   r.cfg.IssueID,
		Branch:        r.cfg.Branch(),
		CreatedIssues: []int{},
		Logs:          []string{},
		Phase:         status.PhaseInitializing,
		StartedAt:     time.Now().UTC(),
	}
	if err := r.persist(); err != nil {
		r.log.Error("initial status persist failed", "error", err)
		return 1
	}

	phase := status.PhaseInitializing
	validationRetried := false
	ciRetried := false

	for {
		select {
		case <-ctx.Done():
			// SIGTERM: per §5, a worker is not required to persist a final
			// "failed" state; the supervisor infers failure from process exit.
			return 130
		default:
		}

		var next status.Phase
		var err error

		switch phase {
		case status.PhaseInitializing:
			next, err = r.enterInitializing(ctx)
		case status.PhaseImplementing:
			next, err = r.enterImplementing(ctx)
		case status.PhaseValidating:
			next, err = r.enterValidating(ctx, validationRetried)
			if next == status.PhaseFixingValidation {
				validationRetried = true
			}
		case status.PhaseFixingValidation:
			next, err = r.enterFixingValidation(ctx)
		case status.PhaseCreatingCR:
			next, err = r.enterCreatingCR(ctx)
		case status.PhaseAwaitingReview:
			next, err = r.enterAwaitingReview(ctx)
		case status.PhaseAddressingFeedback:
			next, err = r.enterAddressingFeedback(ctx)
		case status.PhaseCheckingCI:
			next, err = r.enterCheckingCI(ctx, ciRetried)
			if next == status.PhaseFixingCI {
				ciRetried = true
			}
		case status.PhaseFixingCI:
			next, err = r.enterFixingCI(ctx)
		case status.PhaseResolvingConflicts:
			next, err = r.enterResolvingConflicts(ctx)
		case status.PhaseMerging:
			next, err = r.enterMerging(ctx)
		case status.PhaseVerifyingMain:
			next, err = r.enterVerifyingMain(ctx)
		default:
			err = fmt.Errorf("worker: unreachable phase %q", phase)
		}

		if err != nil {
			var be *ErrBlocked
			if errors.As(err, &be) {
				return r.terminal(status.PhaseBlocked, be.Reason)
			}
			return r.terminal(status.PhaseFailed, err.Error())
		}

		phase = next
		r.snap.Phase = phase
		if err := r.persist(); err != nil {
			r.log.Error("status persist failed", "error", err)
			return 1
		}

		if phase == status.PhaseCompleted {
			return r.terminal(status.PhaseCompleted, "")
		}
	}
}

func (r *Runtime) persist() error {
	r.snap.UpdatedAt = time.Now().UTC()
	return r.store.WriteWorker(r.cfg.IssueID, r.snap)
}

func (r *Runtime) notify(category status.NotificationCategory, message string, requiresResponse bool, meta map[string]interface{}) {
	err := r.store.AppendNotification(status.Notification{
		WorkerPID:        os.Getpid(),
		IssueNumber:      r.cfg.IssueID,
		Category:         category,
		Message:          message,
		RequiresResponse: requiresResponse,
		Timestamp:        time.Now().UTC(),
		Metadata:         meta,
	})
	if err != nil {
		r.log.Warn("notification append failed", "error", err)
	}
}

// terminal persists the final snapshot, emits the matching notification,
// cleans up the worktree unless blocked, and returns the process exit code.
func (r *Runtime) terminal(phase status.Phase, reason string) int {
	r.snap.Phase = phase
	if reason != "" {
		r.snap.BlockedReason = &reason
	}
	if err := r.persist(); err != nil {
		r.log.Error("terminal status persist failed", "error", err)
	}

	switch phase {
	case status.PhaseCompleted:
		r.notify(status.NotificationCompleted, "issue completed", false, nil)
		r.cleanup(context.Background())
		return 0
	case status.PhaseFailed:
		if r.postMergeRegression {
			r.notify(status.NotificationPostMergeFailed, reason, true, map[string]interface{}{
				"pr_number":    r.snap.PRNumber,
				"issue_number": r.cfg.IssueID,
			})
		} else {
			r.notify(status.NotificationFailed, reason, false, nil)
		}
		r.cleanup(context.Background())
		return 1
	case status.PhaseBlocked:
		// §7/§8 invariant 7: worktree is preserved on blocked, for human
		// intervention; never cleaned up here.
		r.notify(status.NotificationBlocked, reason, true, nil)
		return 1
	default:
		return 1
	}
}

func (r *Runtime) cleanup(ctx context.Context) {
	if r.vcsDrv == nil || r.snap.WorktreePath == "" {
		return
	}
	if err := r.vcsDrv.Cleanup(ctx, r.snap.WorktreePath, r.snap.Branch); err != nil {
		r.log.Warn("worktree cleanup failed", "error", err)
	}
}

func (r *Runtime) enterInitializing(ctx context.Context) (status.Phase, error) {
	path, branch, err := r.vcsDrv.CreateOrResumeWorktree(ctx, r.cfg.IssueID)
	if err != nil {
		return "", blocked("worktree unavailable")
	}
	r.snap.WorktreePath = path
	r.snap.Branch = branch
	if err := r.persist(); err != nil {
		return "", err
	}

	kind, err := r.vcsDrv.DetectManifestKind(ctx, path)
	if err == nil && kind != "" {
		_ = r.vcsDrv.InstallDependencies(ctx, path, kind) // best-effort; absence of a manifest means skip
	}
	return status.PhaseImplementing, nil
}

func (r *Runtime) enterImplementing(ctx context.Context) (status.Phase, error) {
	issue, err := r.issues.GetIssue(ctx, r.cfg.IssueID)
	if err != nil {
		return "", blocked("Failed to implement feature")
	}

	prompt := fmt.Sprintf("Implement the following issue in this working tree.\n\nTitle: %s\n\n%s", issue.Title, renderIssueBody(issue.Body))
	if r.retriever != nil {
		r.enrichWithRAG(ctx, issue, &prompt)
	}

	start := time.Now().UTC()
	result, genErr := r.codegen.Generate(ctx, codegenRequestFor(r.snap.WorktreePath, prompt))
	r.recordAudit(prompt, result, genErr, start)
	if genErr != nil {
		return "", blocked("Failed to implement feature")
	}

	sha, err := r.vcsDrv.CommitAll(ctx, r.snap.WorktreePath, fmt.Sprintf("Implement feature for issue #%d", r.cfg.IssueID))
	if err != nil {
		return "", blocked("Failed to implement feature")
	}
	r.snap.Commits = append(r.snap.Commits, sha)

	if err := r.vcsDrv.Push(ctx, r.snap.WorktreePath, r.snap.Branch, false); err != nil {
		return "", blocked("Failed to implement feature")
	}
	return status.PhaseValidating, nil
}

// enrichWithRAG splices the top retrieved excerpts into prompt, per the
// optional enrichment step of §4.9. Failure here is non-fatal: the phase
// proceeds with the unenriched prompt.
func (r *Runtime) enrichWithRAG(ctx context.Context, issue issuesource.Issue, prompt *string) {
	chunks, err := r.retriever.TopK(ctx, issue.Title+" "+issue.Body, 5)
	if err != nil || len(chunks) == 0 {
		return
	}
	excerpts := rag.RenderExcerpts(chunks, 4000)
	*prompt = *prompt + "\n\nRelevant existing code:\n" + excerpts
}

func codegenRequestFor(workdir, prompt string) codegen.Request {
	return codegen.Request{WorkDir: workdir, Prompt: prompt, AllowedTools: codegen.StandardToolSet}
}

// recordAudit persists one CodegenDriver invocation, per §4.8. Purely
// additive: a nil audit trail (the common case when no --triage-db-path was
// configured) or a write failure never affects the state machine's outcome.
func (r *Runtime) recordAudit(prompt string, result codegen.Result, genErr error, start time.Time) {
	if r.audit == nil {
		return
	}
	errStr := ""
	if genErr != nil {
		errStr = genErr.Error()
	}
	if _, err := r.audit.Record(sqlite.AuditRecord{
		IssueNumber:  r.cfg.IssueID,
		Driver:       r.cfg.CodegenMode,
		Prompt:       prompt,
		FilesChanged: result.FilesChanged,
		RawOutput:    result.RawOutput,
		Err:          errStr,
		Duration:     time.Since(start),
		StartedAt:    start,
	}); err != nil {
		r.log.Warn("record audit entry failed", "error", err)
	}
}

// runValidation runs lint/type-check/test, auto-detected from the manifest
// kind. All three must pass.
func (r *Runtime) runValidation(ctx context.Context) error {
	kind, err := r.vcsDrv.DetectManifestKind(ctx, r.snap.WorktreePath)
	if err != nil {
		return fmt.Errorf("worker: detect manifest kind: %w", err)
	}
	cmds := validationCommandsFor(kind)
	for _, c := range cmds {
		result, err := r.codegen.Generate(ctx, codegen.Request{
			WorkDir:      r.snap.WorktreePath,
			Prompt:       fmt.Sprintf("Run `%s` and report failure if it exits non-zero.", c),
			AllowedTools: []codegen.Tool{codegen.ToolShell, codegen.ToolRead},
		})
		if err != nil {
			return fmt.Errorf("worker: validation command %q failed: %w", c, err)
		}
		if containsFailureMarker(result.Summary) {
			return fmt.Errorf("worker: validation command %q reported failure", c)
		}
	}
	return nil
}

func validationCommandsFor(kind vcs.ManifestKind) []string {
	switch kind {
	case vcs.ManifestNodeJS:
		return []string{"npm run lint", "npm run typecheck", "npm test"}
	case vcs.ManifestGo:
		return []string{"go vet ./...", "go build ./...", "go test ./..."}
	case vcs.ManifestPython:
		return []string{"ruff check .", "mypy .", "pytest"}
	case vcs.ManifestRust:
		return []string{"cargo clippy", "cargo check", "cargo test"}
	default:
		return nil
	}
}

func containsFailureMarker(output string) bool {
	for _, marker := range []string{"FAIL", "failure", "error:", "Error:"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func (r *Runtime) enterValidating(ctx context.Context, alreadyRetried bool) (status.Phase, error) {
	if err := r.runValidation(ctx); err != nil {
		if alreadyRetried {
			return "", blocked("Validation failed after retries")
		}
		return status.PhaseFixingValidation, nil
	}
	return status.PhaseCreatingCR, nil
}

func (r *Runtime) enterFixingValidation(ctx context.Context) (status.Phase, error) {
	prompt := "The previous implementation failed lint/type-check/test validation. " +
		"Fix the failures without modifying any lint, type-check, test, or CI configuration files."
	if _, err := r.codegen.Generate(ctx, codegenRequestFor(r.snap.WorktreePath, prompt)); err != nil {
		return "", blocked("Validation failed after retries")
	}
	sha, err := r.vcsDrv.CommitAll(ctx, r.snap.WorktreePath, fmt.Sprintf("Fix validation for issue #%d", r.cfg.IssueID))
	if err != nil {
		return "", blocked("Validation failed after retries")
	}
	r.snap.Commits = append(r.snap.Commits, sha)
	if err := r.vcsDrv.Push(ctx, r.snap.WorktreePath, r.snap.Branch, false); err != nil {
		return "", blocked("Validation failed after retries")
	}

	if err := r.runValidation(ctx); err != nil {
		return "", blocked("Validation failed after retries")
	}
	return status.PhaseCreatingCR, nil
}

func (r *Runtime) enterCreatingCR(ctx context.Context) (status.Phase, error) {
	issue, err := r.issues.GetIssue(ctx, r.cfg.IssueID)
	if err != nil {
		return "", blocked("Failed to create change request")
	}
	cr, err := r.issues.CreateChangeRequest(ctx, r.snap.Branch, issue.Title, issue.Body)
	if err != nil {
		return "", blocked("Failed to create change request")
	}
	r.cr = &cr
	id := cr.ID
	url := cr.URL
	r.snap.PRNumber = &id
	r.snap.PRURL = &url
	return status.PhaseAwaitingReview, nil
}

func (r *Runtime) enterAwaitingReview(ctx context.Context) (status.Phase, error) {
	deadline := time.Now().Add(r.cfg.ReviewTimeout)
	for time.Now().Before(deadline) {
		review, found, err := r.pollForNewReview(ctx)
		if err != nil {
			return "", err
		}
		if found {
			state := string(review.State)
			r.snap.ReviewStatus = &state
			switch review.State {
			case issuesource.ReviewApproved:
				return status.PhaseCheckingCI, nil
			case issuesource.ReviewChangesRequested:
				r.pendingReview = &review
				return status.PhaseAddressingFeedback, nil
			default:
				return status.PhaseCheckingCI, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.ReviewPoll):
		}
	}
	// Timeout: treat as implicit COMMENTED per §4.3.
	return status.PhaseCheckingCI, nil
}

// pollForNewReview looks at both formal reviews and bot issue-comments
// (synthesized per the review-synthesis rule), returning the first one not
// already in the tracker.
func (r *Runtime) pollForNewReview(ctx context.Context) (issuesource.Review, bool, error) {
	reviews, err := r.issues.ListReviews(ctx, *r.cr)
	if err != nil {
		return issuesource.Review{}, false, fmt.Errorf("worker: list reviews: %w", err)
	}
	for _, rv := range reviews {
		if r.tracker.MarkSeen(rv.ID) {
			return rv, true, nil
		}
	}

	comments, err := r.issues.ListIssueComments(ctx, *r.cr)
	if err != nil {
		return issuesource.Review{}, false, fmt.Errorf("worker: list issue comments: %w", err)
	}
	for _, c := range comments {
		synthetic, ok := SynthesizeReview(c)
		if !ok {
			continue
		}
		if r.tracker.MarkSeen(synthetic.ID) {
			return synthetic, true, nil
		}
	}
	return issuesource.Review{}, false, nil
}

func (r *Runtime) enterAddressingFeedback(ctx context.Context) (status.Phase, error) {
	if r.retries >= r.cfg.MaxRetries {
		return "", blocked("Exhausted retry attempts")
	}
	if r.pendingReview == nil {
		return status.PhaseAwaitingReview, nil
	}
	review := *r.pendingReview
	r.pendingReview = nil

	blocking, nonBlocking := PartitionComments(review.Comments)

	for _, c := range nonBlocking {
		id, err := r.issues.CreateIssue(ctx,
			fmt.Sprintf("Follow-up from review on issue #%d", r.cfg.IssueID),
			c.Body,
			[]string{"follow-up", "from-review"},
		)
		if err != nil {
			r.log.Warn("failed to create follow-up issue", "error", err)
			continue
		}
		r.snap.CreatedIssues = append(r.snap.CreatedIssues, id)
	}

	if len(blocking) > 0 {
		var feedback string
		for _, c := range blocking {
			feedback += fmt.Sprintf("- %s: %s\n", c.Path, c.Body)
		}
		prompt := "Address the following blocking review feedback:\n" + feedback
		if _, err := r.codegen.Generate(ctx, codegenRequestFor(r.snap.WorktreePath, prompt)); err != nil {
			return "", blocked("Failed to address review feedback")
		}
		sha, err := r.vcsDrv.CommitAll(ctx, r.snap.WorktreePath, fmt.Sprintf("Address review feedback for issue #%d", r.cfg.IssueID))
		if err != nil {
			return "", blocked("Failed to address review feedback")
		}
		r.snap.Commits = append(r.snap.Commits, sha)
		if err := r.vcsDrv.Push(ctx, r.snap.WorktreePath, r.snap.Branch, false); err != nil {
			return "", blocked("Failed to address review feedback")
		}
	}

	r.retries++
	r.snap.RetryCount = r.retries
	return status.PhaseAwaitingReview, nil
}

func (r *Runtime) enterCheckingCI(ctx context.Context, alreadyRetried bool) (status.Phase, error) {
	head := ""
	if len(r.snap.Commits) > 0 {
		head = r.snap.Commits[len(r.snap.Commits)-1]
	}

	deadline := time.Now().Add(r.cfg.CITimeout)
	for {
		check, err := r.issues.GetCombinedCheckStatus(ctx, head)
		if err != nil {
			return "", fmt.Errorf("worker: get combined check status: %w", err)
		}
		ciStatusStr := string(check)
		r.snap.CIStatus = &ciStatusStr

		switch check {
		case issuesource.CheckSuccess:
			return status.PhaseResolvingConflicts, nil
		case issuesource.CheckFailure:
			if alreadyRetried {
				return "", blocked("CI failed after retries")
			}
			return status.PhaseFixingCI, nil
		}

		if time.Now().After(deadline) {
			if alreadyRetried {
				return "", blocked("CI failed after retries")
			}
			return status.PhaseFixingCI, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.CIPoll):
		}
	}
}

func (r *Runtime) enterFixingCI(ctx context.Context) (status.Phase, error) {
	if r.retries >= r.cfg.MaxRetries {
		return "", blocked("CI failed after retries")
	}
	prompt := "The CI pipeline failed for this branch. Fix the failing checks without modifying " +
		"any lint, type-check, test, or CI configuration files."
	if _, err := r.codegen.Generate(ctx, codegenRequestFor(r.snap.WorktreePath, prompt)); err != nil {
		return "", blocked("CI failed after retries")
	}
	sha, err := r.vcsDrv.CommitAll(ctx, r.snap.WorktreePath, fmt.Sprintf("Fix CI for issue #%d", r.cfg.IssueID))
	if err != nil {
		return "", blocked("CI failed after retries")
	}
	r.snap.Commits = append(r.snap.Commits, sha)
	if err := r.vcsDrv.Push(ctx, r.snap.WorktreePath, r.snap.Branch, false); err != nil {
		return "", blocked("CI failed after retries")
	}
	r.retries++
	r.snap.RetryCount = r.retries
	return status.PhaseAwaitingReview, nil
}

func (r *Runtime) enterResolvingConflicts(ctx context.Context) (status.Phase, error) {
	mergeable, err := r.issues.Mergeable(ctx, *r.cr)
	if err != nil {
		return "", fmt.Errorf("worker: check mergeable: %w", err)
	}
	if mergeable == issuesource.MergeableFalse {
		if err := r.vcsDrv.RebaseOntoDefault(ctx, r.snap.WorktreePath); err != nil {
			return "", blocked("Merge conflicts require manual resolution")
		}
		if err := r.vcsDrv.Push(ctx, r.snap.WorktreePath, r.snap.Branch, true); err != nil {
			return "", blocked("Merge conflicts require manual resolution")
		}
		return status.PhaseCheckingCI, nil
	}
	return status.PhaseMerging, nil
}

func (r *Runtime) enterMerging(ctx context.Context) (status.Phase, error) {
	if r.retries >= r.cfg.MaxRetries {
		return "", blocked("Exhausted retry attempts")
	}
	ok, err := r.issues.Merge(ctx, *r.cr)
	if err != nil || !ok {
		r.retries++
		r.snap.RetryCount = r.retries
		return status.PhaseMerging, nil
	}
	return status.PhaseVerifyingMain, nil
}

func (r *Runtime) enterVerifyingMain(ctx context.Context) (status.Phase, error) {
	deadline := time.Now().Add(r.cfg.MainBuildTimeout)
	for {
		check, err := r.issues.GetCombinedCheckStatus(ctx, "HEAD")
		if err != nil {
			return "", fmt.Errorf("worker: verify main build: %w", err)
		}
		switch check {
		case issuesource.CheckSuccess:
			r.snap.MainBranchVerified = true
			return status.PhaseCompleted, nil
		case issuesource.CheckFailure:
			r.postMergeRegression = true
			return "", fmt.Errorf("post-merge build failed")
		}
		if time.Now().After(deadline) {
			// Pending past timeout: completed with verified=false, no escalation.
			r.snap.MainBranchVerified = false
			return status.PhaseCompleted, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.MainBuildPoll):
		}
	}
}
