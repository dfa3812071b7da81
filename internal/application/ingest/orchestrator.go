package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/external/forum"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
)

// ChainState is the state a dependent chain finished in.
type ChainState string

const (
	StatePending           ChainState = "PENDING"
	StateSkipped           ChainState = "SKIPPED"
	StateScoresLoaded      ChainState = "SCORES_LOADED"
	StateAssignmentsLoaded ChainState = "ASSIGNMENTS_LOADED"
	StateInterrupted       ChainState = "INTERRUPTED"
)

const (
	ChainCourseScores      = "course_scores"
	ChainAssignmentDetails = "assignment_details"
)

// ChainStats summarises one dependent chain.
type ChainStats struct {
	State ChainState `json:"state"`

	// Units is the number of distinct dependency ids read from the store.
	Units     int `json:"units"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Empty counts units that answered but yielded no usable row.
	Empty int `json:"empty"`

	Rows feedback.LoadResult `json:"rows"`
}

// OrchestratorConfig holds configuration for the dependent chains.
type OrchestratorConfig struct {
	// OutcomeType is passed to outcome-index-items.
	OutcomeType string

	// ProgressEvery controls how often the assignment fan-out logs and reports progress.
	ProgressEvery int

	Progress ProgressReporter
	Logger   *slog.Logger
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		OutcomeType:   "lo",
		ProgressEvery: 15,
	}
}

// Orchestrator runs the fetches that depend on previously committed rows.
type Orchestrator struct {
	source Source
	store  Store
	config OrchestratorConfig
	logger *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(source Source, store Store, config OrchestratorConfig) *Orchestrator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Progress == nil {
		config.Progress = nopProgress{}
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = DefaultOrchestratorConfig().ProgressEvery
	}
	if config.OutcomeType == "" {
		config.OutcomeType = DefaultOrchestratorConfig().OutcomeType
	}
	return &Orchestrator{
		source: source,
		store:  store,
		config: config,
		logger: config.Logger.With(logger.Component("orchestrator")),
	}
}

// RunCourseScores fetches the outcome index of every term referenced by a
// stored course and upserts one course_scores batch per term. A failing term
// is logged and skipped.
func (o *Orchestrator) RunCourseScores(ctx context.Context) (ChainStats, error) {
	stats := ChainStats{State: StatePending}
	log := o.logger.With(logger.Stage(ChainCourseScores))

	termIDs, err := o.store.DistinctTermIDs(ctx)
	if err != nil {
		return stats, shared.WrapError("orchestrator", "RunCourseScores", shared.ErrStorage,
			"failed to read term ids", err)
	}
	termIDs = feedback.DistinctIDs(termIDs)
	stats.Units = len(termIDs)

	if len(termIDs) == 0 {
		log.Info("no courses with a term stored, skipping course scores")
		stats.State = StateSkipped
		return stats, nil
	}

	log.Info("fetching course scores", slog.Int("terms", len(termIDs)))

	for _, termID := range termIDs {
		if err := ctx.Err(); err != nil {
			stats.State = StateInterrupted
			return stats, err
		}

		termLog := log.With(logger.TermID(termID.String()))

		items, err := o.source.OutcomeIndexItems(ctx, termID, o.config.OutcomeType)
		if err != nil {
			if ctx.Err() != nil {
				stats.State = StateInterrupted
				return stats, ctx.Err()
			}
			stats.Failed++
			logFetchFailure(termLog, "failed to fetch outcome index items", err)
			continue
		}

		rows := make([]feedback.Row, 0, len(items))
		for _, item := range items {
			ex := forum.ExtractCourseScore(termID, item)
			if ex.Skip {
				termLog.Debug("index item without course or mean skipped", slog.Any("defaulted", ex.Defaulted))
				continue
			}
			rows = append(rows, ex.Row)
		}

		if len(rows) == 0 {
			stats.Empty++
			termLog.Info("term has no course scores")
			continue
		}

		res, err := o.store.Load(ctx, feedback.CourseScoresTable, rows)
		stats.Rows.Add(res)
		if err != nil {
			if ctx.Err() != nil {
				stats.State = StateInterrupted
				return stats, ctx.Err()
			}
			stats.Failed++
			termLog.Error("failed to store course scores", logger.Err(err))
			continue
		}
		if res.Failed > 0 {
			stats.Failed++
			termLog.Error("some course scores were not stored",
				slog.Int("rows", len(rows)),
				slog.Int("failed_rows", res.Failed),
			)
			continue
		}

		stats.Succeeded++
		termLog.Debug("course scores stored", slog.Int("rows", len(rows)))
	}

	stats.State = StateScoresLoaded
	log.Info("course scores complete",
		slog.Int("terms", stats.Units),
		slog.Int("failed", stats.Failed),
		slog.Int("inserted", stats.Rows.Inserted),
	)
	return stats, nil
}

// RunAssignmentDetails fetches the detail of every assignment referenced by a
// stored assessment, in first-seen order, once per id. Each record commits on
// its own so an interrupted run keeps what it already wrote.
func (o *Orchestrator) RunAssignmentDetails(ctx context.Context) (ChainStats, error) {
	stats := ChainStats{State: StatePending}
	log := o.logger.With(logger.Stage(ChainAssignmentDetails))

	ids, err := o.store.DistinctAssignmentIDs(ctx)
	if err != nil {
		return stats, shared.WrapError("orchestrator", "RunAssignmentDetails", shared.ErrStorage,
			"failed to read assignment ids", err)
	}
	ids = feedback.DistinctIDs(ids)
	stats.Units = len(ids)

	if len(ids) == 0 {
		log.Info("no assessments reference an assignment, skipping assignment details")
		stats.State = StateSkipped
		return stats, nil
	}

	total := len(ids)
	log.Info("fetching assignment details", slog.Int("assignments", total))

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			stats.State = StateInterrupted
			return stats, err
		}

		o.processAssignment(ctx, log, id, &stats)
		if ctx.Err() != nil {
			stats.State = StateInterrupted
			return stats, ctx.Err()
		}

		done := i + 1
		if done%o.config.ProgressEvery == 0 || done == total {
			log.Info("assignment progress", slog.Int("done", done), slog.Int("total", total))
			o.config.Progress.Progress(ctx, ChainAssignmentDetails, done, total)
		}
	}

	stats.State = StateAssignmentsLoaded
	log.Info("assignment details complete",
		slog.Int("assignments", stats.Units),
		slog.Int("failed", stats.Failed),
		slog.Int("inserted", stats.Rows.Inserted),
	)
	return stats, nil
}

func (o *Orchestrator) processAssignment(ctx context.Context, log *slog.Logger, id feedback.ID, stats *ChainStats) {
	aLog := log.With(logger.AssignmentID(id.String()))

	dto, err := o.source.AssignmentDetail(ctx, id)
	if err != nil {
		stats.Failed++
		logFetchFailure(aLog, "failed to fetch assignment detail", err)
		return
	}
	if dto == nil {
		stats.Empty++
		aLog.Warn("assignment detail response was empty")
		return
	}

	ex := forum.ExtractAssignmentDetail(*dto)
	if ex.Skip {
		stats.Empty++
		aLog.Warn("assignment detail lacks an id, skipped")
		return
	}
	if len(ex.Defaulted) > 0 {
		aLog.Debug("assignment detail fields defaulted", slog.Any("defaulted", ex.Defaulted))
	}
	if ex.Row.AssignmentID != id {
		aLog.Warn("assignment detail returned a different id",
			slog.String("returned_id", ex.Row.AssignmentID.String()))
	}

	res, err := o.store.Load(ctx, feedback.AssignmentsTable, []feedback.Row{ex.Row})
	stats.Rows.Add(res)
	if err != nil || res.Failed > 0 {
		stats.Failed++
		aLog.Error("failed to store assignment detail", logger.Err(err))
		return
	}
	stats.Succeeded++
}

// logFetchFailure logs a failed request with whatever transport detail is
// available.
func logFetchFailure(log *slog.Logger, msg string, err error) {
	attrs := []any{logger.Err(err)}

	var te *forum.TransportError
	if errors.As(err, &te) {
		attrs = append(attrs, logger.URL(te.URL))
		if te.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", te.StatusCode))
		}
		if te.Body != "" {
			attrs = append(attrs, slog.String("body", te.Body))
		}
	}
	log.Warn(msg, attrs...)
}
