package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foundry-ci/foundry/status"
)

// TriageRow is one row of the issue_triage secondary index: the last known
// summary of a worker's lifecycle, kept only for fast queries (the `status`
// CLI subcommand, dashboards a future Non-goal might add). It is never
// consulted for crash recovery (§9): StatusStore's live snapshots remain
// the sole source of truth.
type TriageRow struct {
	IssueNumber        int
	Complexity         string
	Phase              status.Phase
	Branch             string
	PRNumber           *int
	BlockedReason      *string
	RetryCount         int
	MainBranchVerified bool
	LastSeenAt         time.Time
}

// IssueTriageCache is a queryable secondary index over issue/worker history.
// The supervisor updates it incrementally with Upsert (on admission and when
// a worker is observed terminal); it does not rebuild the cache on startup.
// RebuildFromSnapshots repopulates it from a snapshot set when called.
type IssueTriageCache struct {
	db *DB
}

// NewIssueTriageCache wraps db.
func NewIssueTriageCache(db *DB) *IssueTriageCache {
	return &IssueTriageCache{db: db}
}

// Upsert records the latest known state for issueNumber, overwriting any
// prior row.
func (c *IssueTriageCache) Upsert(row TriageRow) error {
	_, err := c.db.Exec(`
		INSERT INTO issue_triage (
			issue_number, complexity, phase, branch, pr_number,
			blocked_reason, retry_count, main_branch_verified, last_seen_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(issue_number) DO UPDATE SET
			complexity = excluded.complexity,
			phase = excluded.phase,
			branch = excluded.branch,
			pr_number = excluded.pr_number,
			blocked_reason = excluded.blocked_reason,
			retry_count = excluded.retry_count,
			main_branch_verified = excluded.main_branch_verified,
			last_seen_at = excluded.last_seen_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		row.IssueNumber, row.Complexity, string(row.Phase), row.Branch, row.PRNumber,
		row.BlockedReason, row.RetryCount, boolToInt(row.MainBranchVerified), row.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert issue triage %d: %w", row.IssueNumber, err)
	}
	return nil
}

// Get returns the cached row for issueNumber, or false if never seen.
func (c *IssueTriageCache) Get(issueNumber int) (TriageRow, bool, error) {
	row := c.db.QueryRow(`
		SELECT issue_number, complexity, phase, branch, pr_number,
			blocked_reason, retry_count, main_branch_verified, last_seen_at
		FROM issue_triage WHERE issue_number = ?
	`, issueNumber)

	r, err := scanTriageRow(row)
	if err == sql.ErrNoRows {
		return TriageRow{}, false, nil
	}
	if err != nil {
		return TriageRow{}, false, fmt.Errorf("sqlite: get issue triage %d: %w", issueNumber, err)
	}
	return r, true, nil
}

// ListByPhase returns every cached row currently recorded in the given phase.
func (c *IssueTriageCache) ListByPhase(phase status.Phase) ([]TriageRow, error) {
	rows, err := c.db.Query(`
		SELECT issue_number, complexity, phase, branch, pr_number,
			blocked_reason, retry_count, main_branch_verified, last_seen_at
		FROM issue_triage WHERE phase = ? ORDER BY issue_number
	`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list issue triage by phase: %w", err)
	}
	defer rows.Close()

	var out []TriageRow
	for rows.Next() {
		r, err := scanTriageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan issue triage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTriageRow(s scanner) (TriageRow, error) {
	var r TriageRow
	var phase string
	var mainVerified int
	if err := s.Scan(
		&r.IssueNumber, &r.Complexity, &phase, &r.Branch, &r.PRNumber,
		&r.BlockedReason, &r.RetryCount, &mainVerified, &r.LastSeenAt,
	); err != nil {
		return TriageRow{}, err
	}
	r.Phase = status.Phase(phase)
	r.MainBranchVerified = mainVerified != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RebuildFromSnapshots replaces the cache wholesale from the authoritative
// StatusStore view: every row is deleted and one row per snapshot is written
// (with an empty complexity). It takes no process-liveness input, so a
// stale on-disk snapshot and a running worker are recorded alike.
func (c *IssueTriageCache) RebuildFromSnapshots(snapshots []status.WorkerSnapshot) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin rebuild: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM issue_triage`); err != nil {
		return fmt.Errorf("sqlite: clear issue triage: %w", err)
	}

	for _, snap := range snapshots {
		_, err := tx.Exec(`
			INSERT INTO issue_triage (
				issue_number, complexity, phase, branch, pr_number,
				blocked_reason, retry_count, main_branch_verified, last_seen_at, updated_at
			) VALUES (?, '', ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`,
			snap.IssueNumber, string(snap.Phase), snap.Branch, snap.PRNumber,
			snap.BlockedReason, snap.RetryCount, boolToInt(snap.MainBranchVerified), snap.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert rebuilt row for issue %d: %w", snap.IssueNumber, err)
		}
	}

	return tx.Commit()
}
