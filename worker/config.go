package worker

import (
	"strconv"
	"time"
)

// Config is the single typed configuration record for a worker process, per
// SPEC_FULL.md §6 and §9's "replace ad-hoc CLI option parsing" guidance.
type Config struct {
	RepoOwner    string
	RepoName     string
	IssueID      int
	BaseDir      string
	WorktreeBase string
	StatusDir    string

	NotificationFile string

	MaxRetries int

	ReviewTimeout    time.Duration
	ReviewPoll       time.Duration
	CITimeout        time.Duration
	CIPoll           time.Duration
	MainBuildTimeout time.Duration
	MainBuildPoll    time.Duration

	CoverageThreshold int // advisory only, not enforced (§6)

	CodegenMode string // "cli" | "api"
	RAGEnabled  bool
}

// DefaultConfig returns a Config with every default named in §5/§6 applied,
// for the given repo/issue. Callers override fields from CLI flags or env.
func DefaultConfig(owner, repo string, issueID int) Config {
	return Config{
		RepoOwner:         owner,
		RepoName:          repo,
		IssueID:           issueID,
		MaxRetries:        3,
		ReviewTimeout:     600 * time.Second,
		ReviewPoll:        15 * time.Second,
		CITimeout:         600 * time.Second,
		CIPoll:            30 * time.Second,
		MainBuildTimeout:  300 * time.Second,
		MainBuildPoll:     15 * time.Second,
		CoverageThreshold: 70,
		CodegenMode:       "cli",
	}
}

// Branch returns the deterministic branch name for this worker's issue.
func (c Config) Branch() string {
	return branchForIssue(c.IssueID)
}

func branchForIssue(issueID int) string {
	return "worker/issue-" + strconv.Itoa(issueID)
}
