package sqlite

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditTrailRecordAndCount(t *testing.T) {
	trail := NewAuditTrail(openTestDB(t))

	rec := AuditRecord{
		IssueNumber:  7,
		Driver:       "cli",
		Prompt:       "implement the feature",
		FilesChanged: []string{"main.go", "main_test.go"},
		RawOutput:    "applied changes",
		Duration:     2 * time.Second,
		StartedAt:    time.Now().UTC(),
	}
	id, err := trail.Record(rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := trail.CountForIssue(7)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = trail.Record(rec)
	require.NoError(t, err)
	n, err = trail.CountForIssue(7)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = trail.CountForIssue(999)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestAuditTrailTruncatesOversizedPrompt(t *testing.T) {
	trail := NewAuditTrail(openTestDB(t))
	db := trail.db

	huge := strings.Repeat("x", maxStoredPromptBytes+1000)
	_, err := trail.Record(AuditRecord{
		IssueNumber: 1,
		Driver:      "api",
		Prompt:      huge,
		StartedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	var stored string
	err = db.QueryRow(`SELECT prompt FROM codegen_audit WHERE issue_number = 1`).Scan(&stored)
	require.NoError(t, err)
	require.Less(t, len(stored), len(huge))
	require.Contains(t, stored, "[truncated]")
}
