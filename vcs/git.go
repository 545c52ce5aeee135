package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// GitDriver runs real git/npm/go/pip subprocess commands against worktrees
// under a shared bare or working repository checkout. Grounded on
// git.WorktreeManager's runGit wrapper and worktree bookkeeping.
type GitDriver struct {
	repoRoot     string // main repository checkout (or bare repo)
	worktreeBase string // directory under which per-issue worktrees live
	defaultBranch string
	installTimeoutSeconds int
}

// NewGitDriver builds a GitDriver. defaultBranch is the integration branch
// (commonly "main").
func NewGitDriver(repoRoot, worktreeBase, defaultBranch string) *GitDriver {
	return &GitDriver{
		repoRoot:      repoRoot,
		worktreeBase:  worktreeBase,
		defaultBranch: defaultBranch,
		installTimeoutSeconds: 300,
	}
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]`)

func sanitize(s string) string {
	return unsafeBranchChars.ReplaceAllString(s, "-")
}

func (g *GitDriver) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) // #nosec G204 -- args are built from fixed verbs and sanitized identifiers
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("vcs: git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *GitDriver) branchExists(ctx context.Context, branch string) bool {
	_, err := g.runGit(ctx, g.repoRoot, "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

func (g *GitDriver) CreateOrResumeWorktree(ctx context.Context, issueID int) (string, string, error) {
	branch := fmt.Sprintf("worker/issue-%d", issueID)
	worktreePath, err := filepath.Abs(filepath.Join(g.worktreeBase, fmt.Sprintf("issue-%d", issueID)))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrWorktreeUnavailable, err)
	}

	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, branch, nil // already allocated; resume in place
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o750); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrWorktreeUnavailable, err)
	}

	if _, err := g.runGit(ctx, g.repoRoot, "fetch", "origin", g.defaultBranch); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrWorktreeUnavailable, err)
	}

	var addArgs []string
	if g.branchExists(ctx, branch) {
		addArgs = []string{"worktree", "add", worktreePath, branch}
	} else {
		addArgs = []string{"worktree", "add", "-b", branch, worktreePath, "origin/" + g.defaultBranch}
	}
	if _, err := g.runGit(ctx, g.repoRoot, addArgs...); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrWorktreeUnavailable, err)
	}

	return worktreePath, branch, nil
}

func (g *GitDriver) DetectManifestKind(ctx context.Context, worktreePath string) (ManifestKind, error) {
	checks := []struct {
		file string
		kind ManifestKind
	}{
		{"package.json", ManifestNodeJS},
		{"go.mod", ManifestGo},
		{"requirements.txt", ManifestPython},
		{"Cargo.toml", ManifestRust},
	}
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(worktreePath, c.file)); err == nil {
			return c.kind, nil
		}
	}
	return ManifestNone, nil
}

func (g *GitDriver) InstallDependencies(ctx context.Context, worktreePath string, kind ManifestKind) error {
	var cmdName string
	var args []string
	switch kind {
	case ManifestNodeJS:
		cmdName, args = "npm", []string{"install"}
	case ManifestGo:
		cmdName, args = "go", []string{"mod", "download"}
	case ManifestPython:
		cmdName, args = "pip", []string{"install", "-r", "requirements.txt"}
	case ManifestRust:
		cmdName, args = "cargo", []string{"fetch"}
	case ManifestNone:
		return nil
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.installTimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, cmdName, args...) // #nosec G204 -- cmdName/args are from a closed, code-controlled switch
	cmd.Dir = worktreePath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("vcs: install dependencies (%s): %w: %s", kind, err, stderr.String())
	}
	return nil
}

func (g *GitDriver) CommitAll(ctx context.Context, worktreePath, message string) (string, error) {
	if _, err := g.runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("vcs: stage changes: %w", err)
	}
	// An empty diff is not an error: the phase may have nothing residual to
	// commit if the generation engine already committed.
	if _, err := g.runGit(ctx, worktreePath, "diff", "--cached", "--quiet"); err == nil {
		sha, _ := g.runGit(ctx, worktreePath, "rev-parse", "HEAD")
		return sha, nil
	}
	if _, err := g.runGit(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("vcs: commit: %w", err)
	}
	sha, err := g.runGit(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: resolve new commit: %w", err)
	}
	return sha, nil
}

func (g *GitDriver) Push(ctx context.Context, worktreePath, branch string, force bool) error {
	args := []string{"push", "origin", branch}
	if force {
		args = []string{"push", "--force-with-lease", "origin", branch}
	}
	if _, err := g.runGit(ctx, worktreePath, args...); err != nil {
		return fmt.Errorf("vcs: push: %w", err)
	}
	return nil
}

func (g *GitDriver) RebaseOntoDefault(ctx context.Context, worktreePath string) error {
	if _, err := g.runGit(ctx, worktreePath, "fetch", "origin", g.defaultBranch); err != nil {
		return fmt.Errorf("vcs: fetch before rebase: %w", err)
	}
	if _, err := g.runGit(ctx, worktreePath, "rebase", "origin/"+g.defaultBranch); err != nil {
		_, _ = g.runGit(ctx, worktreePath, "rebase", "--abort")
		return fmt.Errorf("%w: %v", ErrRebaseConflict, err)
	}
	return nil
}

func (g *GitDriver) Cleanup(ctx context.Context, worktreePath, branch string) error {
	if _, err := g.runGit(ctx, g.repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("vcs: remove worktree: %w", err)
	}
	return nil
}

var _ Driver = (*GitDriver)(nil)
