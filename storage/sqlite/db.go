// Package sqlite backs the two supplemented components of SPEC_FULL.md §3/§4.8:
// IssueTriageCache (a non-authoritative queryable index over issue/worker
// history) and AuditTrail (a record of every CodegenDriver invocation).
// Grounded on the teacher's internal/db package: same Open/migrate/WAL
// shape, repurposed from a multi-ticket kanban board to this pipeline's
// single-issue-per-worker history.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection shared by IssueTriageCache and AuditTrail.
// Neither is authoritative: both are rebuilt, or at least reconcilable,
// from StatusStore's live worker snapshots (§9).
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at dbPath, enabling WAL mode for
// concurrent supervisor/CLI access, and applies schema migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	d := &DB{DB: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var version int
	if err := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1IssueTriage},
		{2, migration2AuditTrail},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

const migration1IssueTriage = `
CREATE TABLE IF NOT EXISTS issue_triage (
    issue_number INTEGER PRIMARY KEY,
    complexity TEXT,
    phase TEXT NOT NULL,
    branch TEXT,
    pr_number INTEGER,
    blocked_reason TEXT,
    retry_count INTEGER DEFAULT 0,
    main_branch_verified INTEGER DEFAULT 0,
    last_seen_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_issue_triage_phase ON issue_triage(phase);
`

const migration2AuditTrail = `
CREATE TABLE IF NOT EXISTS codegen_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    issue_number INTEGER NOT NULL,
    driver TEXT NOT NULL,
    prompt TEXT NOT NULL,
    files_changed TEXT,
    raw_output TEXT,
    error TEXT,
    duration_ms INTEGER NOT NULL,
    started_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_codegen_audit_issue ON codegen_audit(issue_number);
`
