package sqlite

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditRecord captures one CodegenDriver invocation, grounded on the
// teacher's AuditLogger (agents/audit.go): what was asked, what came back,
// how long it took, and whether it errored.
type AuditRecord struct {
	RequestID    string // filled by Record if empty
	IssueNumber  int
	Driver       string // "cli" or "api"
	Prompt       string
	FilesChanged []string
	RawOutput    string
	Err          string
	Duration     time.Duration
	StartedAt    time.Time
}

const maxStoredPromptBytes = 50_000

// AuditTrail persists every CodegenDriver invocation for later inspection,
// per SPEC_FULL.md §4.8. It is purely additive: nothing in the worker state
// machine reads it back.
type AuditTrail struct {
	db *DB
}

// NewAuditTrail wraps db.
func NewAuditTrail(db *DB) *AuditTrail {
	return &AuditTrail{db: db}
}

// Record appends one AuditRecord, truncating an oversized prompt the same
// way the teacher's logger does (first 50KB, with a truncation marker).
func (a *AuditTrail) Record(rec AuditRecord) (string, error) {
	prompt := rec.Prompt
	if len(prompt) > maxStoredPromptBytes {
		prompt = prompt[:maxStoredPromptBytes] + "\n...[truncated]"
	}

	filesChanged := ""
	for i, f := range rec.FilesChanged {
		if i > 0 {
			filesChanged += ","
		}
		filesChanged += f
	}

	requestID := rec.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	_, err := a.db.Exec(`
		INSERT INTO codegen_audit (
			request_id, issue_number, driver, prompt, files_changed, raw_output, error, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		requestID, rec.IssueNumber, rec.Driver, prompt, filesChanged, rec.RawOutput, rec.Err,
		rec.Duration.Milliseconds(), rec.StartedAt,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: record audit entry for issue %d: %w", rec.IssueNumber, err)
	}
	return requestID, nil
}

// CountForIssue returns how many CodegenDriver invocations have been
// recorded for issueNumber, used by diagnostics to spot runaway retry loops.
func (a *AuditTrail) CountForIssue(issueNumber int) (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM codegen_audit WHERE issue_number = ?`, issueNumber).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count audit entries for issue %d: %w", issueNumber, err)
	}
	return n, nil
}
