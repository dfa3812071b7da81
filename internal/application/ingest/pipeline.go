package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/external/forum"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
)

// Stage names, in execution order.
const (
	StageInitSchema  = "init_schema"
	StageFetchRoot   = "fetch_root"
	StageLoadRoot    = "load_root"
	StageScores      = ChainCourseScores
	StageAssignments = ChainAssignmentDetails
	StageBuildViews  = "build_views"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("another ingestion run holds the lock")

// PipelineConfig holds configuration for one run.
type PipelineConfig struct {
	Orchestrator OrchestratorConfig

	SkipScores      bool
	SkipAssignments bool

	// ViewsOnly creates the schema and rebuilds the views without fetching.
	ViewsOnly bool

	// Fingerprint identifies the credential pair in logs and the journal.
	Fingerprint string

	Logger *slog.Logger
}

// StageResult records one executed stage.
type StageResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// CollectionStats summarises one root collection.
type CollectionStats struct {
	Fetched   int                 `json:"fetched"`
	Skipped   int                 `json:"skipped"`
	Defaulted int                 `json:"defaulted"`
	FetchErr  string              `json:"fetch_error,omitempty"`
	Rows      feedback.LoadResult `json:"rows"`
}

// RootStats summarises the root stages.
type RootStats struct {
	Terms            CollectionStats `json:"terms"`
	Colleges         CollectionStats `json:"colleges"`
	Courses          CollectionStats `json:"courses"`
	LearningOutcomes CollectionStats `json:"learning_outcomes"`
	Assessments      CollectionStats `json:"outcome_assessments"`
}

// RunReport is the outcome of one run.
type RunReport struct {
	RunID        uuid.UUID     `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Stages       []StageResult `json:"stages"`
	Root         RootStats     `json:"root"`
	CourseScores ChainStats    `json:"course_scores"`
	Assignments  ChainStats    `json:"assignments"`
	Error        string        `json:"error,omitempty"`

	Err error `json:"-"`
}

// rootCollections is the number of collections fetchRoot requests.
const rootCollections = 4

// rootData is what fetch_root hands to load_root.
type rootData struct {
	terms       []forum.TermDTO
	colleges    []forum.CollegeDTO
	trees       []forum.LearningOutcomeTreeDTO
	assessments []forum.OutcomeAssessmentDTO
}

func (d rootData) empty() bool {
	return len(d.terms) == 0 && len(d.colleges) == 0 && len(d.trees) == 0 && len(d.assessments) == 0
}

// Pipeline executes the stages of a run in order, committing each before the
// next begins.
type Pipeline struct {
	source  Source
	store   Store
	journal Journal
	tracker Tracker
	config  PipelineConfig
	logger  *slog.Logger
}

// NewPipeline creates a new Pipeline. journal and tracker may be nil.
func NewPipeline(source Source, store Store, journal Journal, tracker Tracker, config PipelineConfig) *Pipeline {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Pipeline{
		source:  source,
		store:   store,
		journal: journal,
		tracker: tracker,
		config:  config,
		logger:  config.Logger.With(logger.Component("pipeline")),
	}
}

// Run executes one ingestion run. The report is always returned; err is
// non-nil when a fatal stage failed or the run was interrupted.
func (p *Pipeline) Run(ctx context.Context) (report *RunReport, err error) {
	report = &RunReport{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
	}
	runID := report.RunID.String()
	log := p.logger.With(logger.RunID(runID))

	acquired, lockErr := p.tracker.AcquireRunLock(ctx, runID)
	switch {
	case lockErr != nil:
		log.Warn("run lock unavailable, continuing without it", logger.Err(lockErr))
	case !acquired:
		err = shared.WrapError("pipeline", "Run", shared.ErrPrecondition, "run lock held", ErrRunInProgress)
		report.Err = err
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		return report, err
	}

	if jErr := p.journal.Start(ctx, report.RunID, p.config.Fingerprint); jErr != nil {
		log.Warn("failed to journal run start", logger.Err(jErr))
	}

	log.Info("ingestion run started", logger.Fingerprint(p.config.Fingerprint))

	defer func() {
		report.FinishedAt = time.Now().UTC()
		if err != nil {
			report.Err = err
			report.Error = err.Error()
		}

		// The run context may already be cancelled; bookkeeping still has to land.
		bg := context.WithoutCancel(ctx)
		if jErr := p.journal.Finish(bg, report.RunID, report, err); jErr != nil {
			log.Warn("failed to journal run finish", logger.Err(jErr))
		}
		if tErr := p.tracker.SaveSummary(bg, report); tErr != nil {
			log.Warn("failed to save run summary", logger.Err(tErr))
		}
		if lockErr == nil {
			if tErr := p.tracker.ReleaseRunLock(bg, runID); tErr != nil {
				log.Warn("failed to release run lock", logger.Err(tErr))
			}
		}
	}()

	if err = p.stage(ctx, log, report, StageInitSchema, p.store.EnsureSchema); err != nil {
		return report, err
	}

	if !p.config.ViewsOnly {
		if err = p.ingest(ctx, log, report); err != nil {
			return report, err
		}
	}

	if err = p.stage(ctx, log, report, StageBuildViews, p.store.BuildViews); err != nil {
		return report, err
	}

	log.Info("ingestion run complete", slog.Duration("elapsed", time.Since(report.StartedAt)))
	return report, nil
}

func (p *Pipeline) ingest(ctx context.Context, log *slog.Logger, report *RunReport) error {
	var data rootData
	err := p.stage(ctx, log, report, StageFetchRoot, func(ctx context.Context) error {
		var err error
		data, err = p.fetchRoot(ctx, log, &report.Root)
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, log, report, StageLoadRoot, func(ctx context.Context) error {
		return p.loadRoot(ctx, log, data, &report.Root)
	})
	if err != nil {
		return err
	}

	orchConfig := p.config.Orchestrator
	if orchConfig.Logger == nil {
		orchConfig.Logger = log
	}
	if orchConfig.Progress == nil {
		orchConfig.Progress = trackerProgress{tracker: p.tracker, runID: report.RunID.String(), logger: log}
	}
	orch := NewOrchestrator(p.source, p.store, orchConfig)

	if p.config.SkipScores {
		log.Info("course scores skipped by request")
		report.CourseScores.State = StateSkipped
	} else {
		err = p.stage(ctx, log, report, StageScores, func(ctx context.Context) error {
			var err error
			report.CourseScores, err = orch.RunCourseScores(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}

	if p.config.SkipAssignments {
		log.Info("assignment details skipped by request")
		report.Assignments.State = StateSkipped
		return nil
	}
	return p.stage(ctx, log, report, StageAssignments, func(ctx context.Context) error {
		var err error
		report.Assignments, err = orch.RunAssignmentDetails(ctx)
		return err
	})
}

// stage runs fn as a named stage and records it on the report.
func (p *Pipeline) stage(ctx context.Context, log *slog.Logger, report *RunReport, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log = log.With(logger.Stage(name))
	log.Info("stage started")
	start := time.Now()

	err := fn(ctx)

	res := StageResult{Name: name, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		log.Error("stage failed", logger.Err(err), logger.Latency(res.Duration))
	} else {
		log.Info("stage complete", logger.Latency(res.Duration))
	}
	report.Stages = append(report.Stages, res)
	return err
}

// fetchRoot fetches the four root collections. A failing collection is
// logged and the run continues with the rest, except for credential
// rejection, which aborts.
func (p *Pipeline) fetchRoot(ctx context.Context, log *slog.Logger, stats *RootStats) (rootData, error) {
	var data rootData
	var fetchErrs []error
	check := func(name string, err error, cs *CollectionStats) error {
		if err != nil {
			fetchErrs = append(fetchErrs, err)
		}
		return p.checkRootFetch(ctx, log, name, err, cs)
	}

	var err error
	data.terms, err = p.source.Terms(ctx)
	if err = check("terms", err, &stats.Terms); err != nil {
		return data, err
	}
	stats.Terms.Fetched = len(data.terms)

	data.colleges, err = p.source.Colleges(ctx)
	if err = check("colleges", err, &stats.Colleges); err != nil {
		return data, err
	}
	stats.Colleges.Fetched = len(data.colleges)

	data.trees, err = p.source.LearningOutcomeTrees(ctx)
	if err = check("lo-trees", err, &stats.Courses); err != nil {
		return data, err
	}
	stats.Courses.Fetched = len(data.trees)

	data.assessments, err = p.source.OutcomeAssessments(ctx)
	if err = check("outcome-assessments", err, &stats.Assessments); err != nil {
		return data, err
	}
	stats.Assessments.Fetched = len(data.assessments)

	log.Info("root collections fetched",
		slog.Int("terms", len(data.terms)),
		slog.Int("colleges", len(data.colleges)),
		slog.Int("lo_trees", len(data.trees)),
		slog.Int("outcome_assessments", len(data.assessments)),
		slog.Int("failed", len(fetchErrs)),
	)

	switch {
	case len(fetchErrs) == rootCollections:
		return data, shared.WrapError("pipeline", StageFetchRoot, shared.ErrRootUnavailable,
			"forum unreachable or answering with something other than the API", errors.Join(fetchErrs...))
	case data.empty():
		return data, shared.WrapError("pipeline", StageFetchRoot, shared.ErrNoRootData,
			"all root collections were empty or failed", errors.Join(fetchErrs...))
	}
	return data, nil
}

// checkRootFetch returns a non-nil error only when the fetch failure must
// abort the run.
func (p *Pipeline) checkRootFetch(ctx context.Context, log *slog.Logger, name string, err error, stats *CollectionStats) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, shared.ErrUnauthenticated) {
		return shared.WrapError("pipeline", StageFetchRoot, shared.ErrUnauthenticated,
			"forum rejected the session credentials while fetching "+name, err)
	}
	stats.FetchErr = err.Error()
	logFetchFailure(log.With(slog.String("collection", name)), "root collection fetch failed", err)
	return nil
}

// loadRoot extracts and stores the root collections, referenced entities
// first so later dependency reads see them.
func (p *Pipeline) loadRoot(ctx context.Context, log *slog.Logger, data rootData, stats *RootStats) error {
	terms := extractAll(data.terms, forum.ExtractTerm, &stats.Terms)
	if err := p.load(ctx, log, feedback.TermsTable, feedback.Rows(terms), &stats.Terms); err != nil {
		return err
	}

	colleges := extractAll(data.colleges, forum.ExtractCollege, &stats.Colleges)
	if err := p.load(ctx, log, feedback.CollegesTable, feedback.Rows(colleges), &stats.Colleges); err != nil {
		return err
	}

	courses := extractAll(data.trees, forum.ExtractCourse, &stats.Courses)
	if err := p.load(ctx, log, feedback.CoursesTable, feedback.Rows(courses), &stats.Courses); err != nil {
		return err
	}

	var outcomes []feedback.LearningOutcome
	for _, tree := range data.trees {
		for _, ex := range forum.ExtractLearningOutcomes(tree) {
			stats.LearningOutcomes.Fetched++
			if keep := countExtraction(ex.Skip, ex.Defaulted, &stats.LearningOutcomes); keep {
				outcomes = append(outcomes, ex.Row)
			}
		}
	}
	if err := p.load(ctx, log, feedback.LearningOutcomesTable, feedback.Rows(outcomes), &stats.LearningOutcomes); err != nil {
		return err
	}

	assessments := extractAll(data.assessments, forum.ExtractOutcomeAssessment, &stats.Assessments)
	return p.load(ctx, log, feedback.OutcomeAssessmentsTable, feedback.Rows(assessments), &stats.Assessments)
}

func (p *Pipeline) load(ctx context.Context, log *slog.Logger, table feedback.TableSpec, rows []feedback.Row, stats *CollectionStats) error {
	if len(rows) == 0 {
		log.Info("nothing to store", logger.Table(table.Name))
		return nil
	}

	res, err := p.store.Load(ctx, table, rows)
	stats.Rows.Add(res)
	if err != nil {
		return shared.WrapError("pipeline", StageLoadRoot, shared.ErrStorage,
			"failed to store "+table.Name, err)
	}

	log.Info("table stored",
		logger.Table(table.Name),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return nil
}

// extractAll maps every record, dropping those without a primary id.
func extractAll[D any, R feedback.Row](items []D, extract func(D) forum.Extraction[R], stats *CollectionStats) []R {
	out := make([]R, 0, len(items))
	for _, item := range items {
		ex := extract(item)
		if countExtraction(ex.Skip, ex.Defaulted, stats) {
			out = append(out, ex.Row)
		}
	}
	return out
}

func countExtraction(skip bool, defaulted []string, stats *CollectionStats) bool {
	if skip {
		stats.Skipped++
		return false
	}
	if len(defaulted) > 0 {
		stats.Defaulted++
	}
	return true
}

// trackerProgress forwards chain progress to the tracker. Failures are
// logged and otherwise ignored.
type trackerProgress struct {
	tracker Tracker
	runID   string
	logger  *slog.Logger
}

func (t trackerProgress) Progress(ctx context.Context, stage string, done, total int) {
	if err := t.tracker.ReportProgress(ctx, t.runID, stage, done, total); err != nil {
		t.logger.Warn("failed to report progress", logger.Err(err))
	}
}
