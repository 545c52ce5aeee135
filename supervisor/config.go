package supervisor

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the single typed configuration record for the Supervisor
// process, per SPEC_FULL.md §6 and §9's "replace ad-hoc CLI option parsing"
// guidance. Validation is tag-driven via validator/v10 rather than
// hand-rolled field checks, per §6/§10.
type Config struct {
	RepoOwner string `validate:"required"`
	RepoName  string `validate:"required"`

	BaseDir         string `validate:"required"`
	WorktreeBaseDir string `validate:"required"`
	StatusDir       string `validate:"required"`
	EscalationFile  string

	MaxConcurrentWorkers int `validate:"min=1"`
	WorkerTimeoutHours   int `validate:"min=1"`

	IssuePollSeconds  int `validate:"min=1"`
	WorkerPollSeconds int `validate:"min=1"`

	AutoAssignLabels []string
	SkipLabels       []string

	NotifyOnBlock       bool
	NotifyOnMainFailure bool

	TriageDBPath     string
	SlackWebhookURL  string

	WorkerBinaryPath string `validate:"required"`
	WorkerLogDir     string
}

// DefaultConfig returns a Config with every default named in §6 applied.
func DefaultConfig(owner, repo string) Config {
	return Config{
		RepoOwner:            owner,
		RepoName:             repo,
		MaxConcurrentWorkers: 3,
		WorkerTimeoutHours:   4,
		IssuePollSeconds:     60,
		WorkerPollSeconds:    30,
		AutoAssignLabels:     []string{"good-first-issue", "bug", "enhancement"},
		SkipLabels:           []string{"wontfix", "duplicate", "invalid", "manual"},
		NotifyOnBlock:        true,
		NotifyOnMainFailure:  true,
	}
}

// ApplyEnvOverrides reads the ESCALATION_SLACK_WEBHOOK environment override
// named in §6, when set.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ESCALATION_SLACK_WEBHOOK"); v != "" {
		c.SlackWebhookURL = v
	}
	if c.TriageDBPath == "" && c.BaseDir != "" {
		c.TriageDBPath = c.BaseDir + "/triage.db"
	}
}

// Validate checks all required fields and numeric bounds via validator/v10.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("supervisor: invalid configuration: %w", err)
	}
	return nil
}

// IssuePollInterval returns the configured issue-poll cadence as a Duration.
func (c Config) IssuePollInterval() time.Duration {
	return time.Duration(c.IssuePollSeconds) * time.Second
}

// WorkerPollInterval returns the configured worker-poll cadence as a Duration.
func (c Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollSeconds) * time.Second
}

// WorkerTimeout returns the configured hard wall-clock worker timeout.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutHours) * time.Hour
}
