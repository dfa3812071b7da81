package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

// Run statuses stored in ingest_runs.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// RunRecord is one row of ingest_runs.
type RunRecord struct {
	RunID                 uuid.UUID
	StartedAt             time.Time
	FinishedAt            *time.Time
	Status                string
	CredentialFingerprint string
	Stats                 json.RawMessage
	Error                 *string
}

// RunJournal records pipeline runs in ingest_runs.
type RunJournal struct {
	conn *Connection
}

// NewRunJournal creates a new RunJournal.
func NewRunJournal(conn *Connection) *RunJournal {
	return &RunJournal{conn: conn}
}

// Start records a running pipeline run.
func (j *RunJournal) Start(ctx context.Context, runID uuid.UUID, fingerprint string) error {
	query := `
		INSERT INTO ingest_runs (run_id, status, credential_fingerprint)
		VALUES ($1::uuid, $2, NULLIF($3, ''))
		ON CONFLICT (run_id) DO NOTHING
	`
	if _, err := j.conn.Exec(ctx, query, runID.String(), RunStatusRunning, fingerprint); err != nil {
		return shared.WrapError("journal", "Start", shared.ErrStorage, "failed to record run start", err)
	}
	return nil
}

// Finish marks a run as finished with its stats. A nil runErr means success.
func (j *RunJournal) Finish(ctx context.Context, runID uuid.UUID, stats any, runErr error) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}

	status := RunStatusSucceeded
	var errText *string
	if runErr != nil {
		status = RunStatusFailed
		s := runErr.Error()
		errText = &s
	}

	query := `
		UPDATE ingest_runs
		SET finished_at = NOW(), status = $2, stats = $3::jsonb, error = $4
		WHERE run_id = $1::uuid
	`
	tag, err := j.conn.Exec(ctx, query, runID.String(), status, string(payload), errText)
	if err != nil {
		return shared.WrapError("journal", "Finish", shared.ErrStorage, "failed to record run finish", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewDomainError("journal", "Finish", shared.ErrStorage,
			fmt.Sprintf("run %s was never started", runID))
	}
	return nil
}

// LastRun returns the most recently started run, or nil when there is none.
func (j *RunJournal) LastRun(ctx context.Context) (*RunRecord, error) {
	query := `
		SELECT run_id::text, started_at, finished_at, status,
		       COALESCE(credential_fingerprint, ''), COALESCE(stats, 'null'::jsonb)::text, error
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	var (
		rec   RunRecord
		id    string
		stats string
	)
	err := j.conn.QueryRow(ctx, query).Scan(
		&id, &rec.StartedAt, &rec.FinishedAt, &rec.Status,
		&rec.CredentialFingerprint, &stats, &rec.Error,
	)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, shared.WrapError("journal", "LastRun", shared.ErrStorage, "failed to read last run", err)
	}

	rec.RunID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", id, err)
	}
	rec.Stats = json.RawMessage(stats)
	return &rec, nil
}
