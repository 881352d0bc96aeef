// Package ledger keeps a local SQLite history of pipeline runs, one row per
// run, so outcomes survive the process and `runs list` / `runs show` have
// something to read.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded pipeline run.
type Run struct {
	ID             string
	Program        string
	Backend        string
	Status         string
	FailurePhase   string
	Error          string
	Precompiles    bool
	BuildDuration  time.Duration
	ProveDuration  time.Duration
	ArtifactBytes  int64
	VerifyingKeyID string
	SubmissionID   string
	ReceiptStatus  string
	CreatedAt      time.Time
}

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Ledger wraps the run-history database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %v", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %v", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id               TEXT PRIMARY KEY,
  program          TEXT NOT NULL,
  backend          TEXT NOT NULL,
  status           TEXT NOT NULL,
  failure_phase    TEXT,
  error            TEXT,
  precompiles      INTEGER NOT NULL DEFAULT 0,
  build_ms         INTEGER NOT NULL DEFAULT 0,
  prove_ms         INTEGER NOT NULL DEFAULT 0,
  artifact_bytes   INTEGER NOT NULL DEFAULT 0,
  verifying_key_id TEXT,
  submission_id    TEXT,
  receipt_status   TEXT,
  created_at       TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap ledger schema: %v", err)
		}
	}
	return nil
}

// Append records a run and returns its id. A zero ID and CreatedAt are
// filled in.
func (l *Ledger) Append(ctx context.Context, run *Run) (string, error) {
	if run.Program == "" {
		return "", fmt.Errorf("run program is empty")
	}
	if run.Backend == "" {
		return "", fmt.Errorf("run backend is empty")
	}
	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	precompiles := 0
	if run.Precompiles {
		precompiles = 1
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(
  id, program, backend, status, failure_phase, error, precompiles,
  build_ms, prove_ms, artifact_bytes, verifying_key_id, submission_id,
  receipt_status, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, run.Program, run.Backend, run.Status, run.FailurePhase, run.Error, precompiles,
		run.BuildDuration.Milliseconds(), run.ProveDuration.Milliseconds(),
		run.ArtifactBytes, run.VerifyingKeyID, run.SubmissionID, run.ReceiptStatus,
		createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("failed to record run: %v", err)
	}
	return id, nil
}

// List returns the most recent runs, newest first. A non-positive limit
// defaults to 20.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, program, backend, status, failure_phase, error, precompiles,
       build_ms, prove_ms, artifact_bytes, verifying_key_id, submission_id,
       receipt_status, created_at
FROM runs
ORDER BY created_at DESC, id ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %v", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %v", err)
	}
	return runs, nil
}

// Get resolves a run by id. Unique id prefixes are accepted, so `runs show`
// works with the short form the list prints.
func (l *Ledger) Get(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, program, backend, status, failure_phase, error, precompiles,
       build_ms, prove_ms, artifact_bytes, verifying_key_id, submission_id,
       receipt_status, created_at
FROM runs
WHERE id LIKE ?
ORDER BY created_at DESC;
`, id+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %v", id, err)
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if run.ID == id {
			return run, nil
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %v", id, err)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no run with id %s", id)
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("run id %s is ambiguous: %d matches", id, len(matches))
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		run          Run
		failurePhase sql.NullString
		runError     sql.NullString
		precompiles  int
		buildMS      int64
		proveMS      int64
		vkID         sql.NullString
		submissionID sql.NullString
		receipt      sql.NullString
		createdAtS   string
	)
	err := rows.Scan(
		&run.ID, &run.Program, &run.Backend, &run.Status, &failurePhase, &runError,
		&precompiles, &buildMS, &proveMS, &run.ArtifactBytes, &vkID, &submissionID,
		&receipt, &createdAtS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %v", err)
	}

	run.FailurePhase = failurePhase.String
	run.Error = runError.String
	run.Precompiles = precompiles != 0
	run.BuildDuration = time.Duration(buildMS) * time.Millisecond
	run.ProveDuration = time.Duration(proveMS) * time.Millisecond
	run.VerifyingKeyID = vkID.String
	run.SubmissionID = submissionID.String
	run.ReceiptStatus = receipt.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		run.CreatedAt = t
	}
	return &run, nil
}
