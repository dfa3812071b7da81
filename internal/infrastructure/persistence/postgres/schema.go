package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEMA
// ══════════════════════════════════════════════════════════════════════════════

// schemaSQL creates every table the pipeline writes. It is safe to run on
// every start. Identifiers are canonical text; references between tables are
// deliberately not foreign keys because the forum sends forward references.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS terms (
    term_id    TEXT PRIMARY KEY,
    term_title TEXT
);

CREATE TABLE IF NOT EXISTS colleges (
    college_id   TEXT PRIMARY KEY,
    college_code TEXT,
    college_name TEXT
);

CREATE TABLE IF NOT EXISTS courses (
    course_id    TEXT PRIMARY KEY,
    course_title TEXT,
    course_code  TEXT,
    college_id   TEXT,
    term_id      TEXT,
    state        TEXT
);

CREATE INDEX IF NOT EXISTS idx_courses_term_id ON courses(term_id);

CREATE TABLE IF NOT EXISTS learning_outcomes (
    outcome_id  TEXT PRIMARY KEY,
    description TEXT,
    name        TEXT,
    course_id   TEXT
);

CREATE TABLE IF NOT EXISTS outcome_assessments (
    assessment_id   TEXT PRIMARY KEY,
    assignment_id   TEXT,
    comment         TEXT,
    created_on      TIMESTAMP WITH TIME ZONE,
    graded_blindly  BOOLEAN,
    grader_user_id  TEXT,
    outcome_id      TEXT,
    score           DOUBLE PRECISION,
    type            TEXT,
    target_group_id TEXT,
    target_user_id  TEXT,
    seq             BIGSERIAL,
    inserted_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_outcome_assessments_assignment_id ON outcome_assessments(assignment_id);
CREATE INDEX IF NOT EXISTS idx_outcome_assessments_outcome_id ON outcome_assessments(outcome_id);

CREATE TABLE IF NOT EXISTS assignments_data (
    assignment_id     TEXT PRIMARY KEY,
    section_id        TEXT,
    section_title     TEXT,
    assignment_title  TEXT,
    weight            DOUBLE PRECISION,
    makeup_assignment TEXT
);

CREATE TABLE IF NOT EXISTS course_scores (
    course_id  TEXT NOT NULL,
    term_id    TEXT NOT NULL,
    score      DOUBLE PRECISION,
    fetched_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (course_id, term_id)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
    run_id                 UUID PRIMARY KEY,
    started_at             TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    finished_at            TIMESTAMP WITH TIME ZONE,
    status                 TEXT NOT NULL DEFAULT 'running',
    credential_fingerprint TEXT,
    stats                  JSONB,
    error                  TEXT,

    CONSTRAINT valid_run_status CHECK (status IN ('running', 'succeeded', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs(started_at DESC);
`

// EnsureSchema creates the tables in one transaction. A failure here is fatal
// for the run.
func (c *Connection) EnsureSchema(ctx context.Context) error {
	err := c.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, schemaSQL)
		return err
	})
	if err != nil {
		return shared.WrapError("postgres", "EnsureSchema", shared.ErrStorage, "schema creation failed", err)
	}
	return nil
}
