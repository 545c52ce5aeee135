// Package vcs implements the VCSDriver contract: isolated working trees (one
// per issue), commit/push/rebase/conflict-check, and cleanup. Grounded on the
// teacher's git.WorktreeManager, adapted from one-worktree-per-ticket to
// one-worktree-per-issue and extended with rebase and manifest detection per
// §4.5 of SPEC_FULL.md. Mergeability is not checked here; it comes from
// issuesource.Client.Mergeable.
package vcs

import "context"

// ManifestKind names a recognized dependency-manifest format, used to decide
// whether (and how) to install dependencies in a fresh worktree.
type ManifestKind string

const (
	ManifestNone       ManifestKind = ""
	ManifestNodeJS     ManifestKind = "node"
	ManifestGo         ManifestKind = "go"
	ManifestPython     ManifestKind = "python"
	ManifestRust       ManifestKind = "rust"
)

// Driver is the contract consumed by WorkerRuntime for all working-tree and
// branch operations.
type Driver interface {
	// CreateOrResumeWorktree allocates <worktree_base>/issue-<id> and checks
	// out worker/issue-<id>, resuming the branch if it already exists on the
	// remote.
	CreateOrResumeWorktree(ctx context.Context, issueID int) (path string, branch string, err error)

	DetectManifestKind(ctx context.Context, worktreePath string) (ManifestKind, error)
	InstallDependencies(ctx context.Context, worktreePath string, kind ManifestKind) error

	CommitAll(ctx context.Context, worktreePath, message string) (commitSHA string, err error)
	Push(ctx context.Context, worktreePath, branch string, force bool) error

	// RebaseOntoDefault rebases the worktree's branch onto the latest default
	// branch. On conflict it aborts the rebase and returns ErrRebaseConflict.
	RebaseOntoDefault(ctx context.Context, worktreePath string) error

	Cleanup(ctx context.Context, worktreePath, branch string) error
}

// ErrWorktreeUnavailable signals the `initializing` phase's fatal "worktree
// unavailable" blocking condition.
var ErrWorktreeUnavailable = newSentinel("vcs: worktree unavailable")

// ErrRebaseConflict signals the `resolving_conflicts` phase's "merge
// conflicts require manual resolution" blocking condition.
var ErrRebaseConflict = newSentinel("vcs: rebase conflict, manual resolution required")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

func newSentinel(msg string) error { return sentinelError(msg) }
