// Package ingest drives one ingestion run: root collections first, then the
// two dependent fetch chains, then the read views.
package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/external/forum"
)

// Source is the subset of the forum API the pipeline reads from.
type Source interface {
	Terms(ctx context.Context) ([]forum.TermDTO, error)
	Colleges(ctx context.Context) ([]forum.CollegeDTO, error)
	LearningOutcomeTrees(ctx context.Context) ([]forum.LearningOutcomeTreeDTO, error)
	OutcomeAssessments(ctx context.Context) ([]forum.OutcomeAssessmentDTO, error)
	OutcomeIndexItems(ctx context.Context, termID feedback.ID, outcomeType string) ([]forum.OutcomeIndexItemDTO, error)
	AssignmentDetail(ctx context.Context, assignmentID feedback.ID) (*forum.AssignmentDetailDTO, error)
}

// Store is the relational store. Dependency reads always hit committed data,
// never an in-memory copy of what was just fetched.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, table feedback.TableSpec, rows []feedback.Row) (feedback.LoadResult, error)
	DistinctTermIDs(ctx context.Context) ([]feedback.ID, error)
	DistinctAssignmentIDs(ctx context.Context) ([]feedback.ID, error)
	BuildViews(ctx context.Context) error
}

// Journal records run lifecycle rows.
type Journal interface {
	Start(ctx context.Context, runID uuid.UUID, fingerprint string) error
	Finish(ctx context.Context, runID uuid.UUID, stats any, runErr error) error
}

// Tracker holds the single-run lock and publishes progress.
type Tracker interface {
	AcquireRunLock(ctx context.Context, runID string) (bool, error)
	ReleaseRunLock(ctx context.Context, runID string) error
	ReportProgress(ctx context.Context, runID, stage string, done, total int) error
	SaveSummary(ctx context.Context, summary any) error
}

// ProgressReporter receives chain progress.
type ProgressReporter interface {
	Progress(ctx context.Context, stage string, done, total int)
}

type nopJournal struct{}

func (nopJournal) Start(context.Context, uuid.UUID, string) error      { return nil }
func (nopJournal) Finish(context.Context, uuid.UUID, any, error) error { return nil }

type nopTracker struct{}

func (nopTracker) AcquireRunLock(context.Context, string) (bool, error)           { return true, nil }
func (nopTracker) ReleaseRunLock(context.Context, string) error                   { return nil }
func (nopTracker) ReportProgress(context.Context, string, string, int, int) error { return nil }
func (nopTracker) SaveSummary(context.Context, any) error                         { return nil }

type nopProgress struct{}

func (nopProgress) Progress(context.Context, string, int, int) {}
