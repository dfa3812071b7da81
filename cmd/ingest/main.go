// Package main is the entry point of the forum feedback ingestion run.
//
// One invocation performs one run: it creates the schema, fetches the root
// collections from the forum API, follows the course-score and
// assignment-detail dependency chains, and rebuilds the read views. The
// process exits non-zero when a fatal stage fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedbackhub/forum-feedback/config"
	"github.com/feedbackhub/forum-feedback/internal/application/ingest"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/external/forum"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/metrics"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/persistence/postgres"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/persistence/redis"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FLAGS
// ══════════════════════════════════════════════════════════════════════════════

type flags struct {
	configPath      string
	skipScores      bool
	skipAssignments bool
	viewsOnly       bool
	status          bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "optional YAML config file")
	fs.BoolVar(&f.skipScores, "skip-scores", false, "skip the course scores chain")
	fs.BoolVar(&f.skipAssignments, "skip-assignments", false, "skip the assignment details chain")
	fs.BoolVar(&f.viewsOnly, "views-only", false, "only create the schema and rebuild the views")
	fs.BoolVar(&f.status, "status", false, "print the last run and any run in progress, then exit")
	err := fs.Parse(args)
	return f, err
}

// override applies flags that were switched on without clearing settings
// that came from the file or environment.
func (f flags) override(cfg *config.Config) {
	if f.skipScores {
		cfg.Ingest.SkipScores = true
	}
	if f.skipAssignments {
		cfg.Ingest.SkipAssignments = true
	}
	if f.viewsOnly {
		cfg.Ingest.ViewsOnly = true
	}
	if f.status {
		cfg.Ingest.StatusOnly = true
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath, f.override)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	fingerprint := logger.CredentialFingerprint(cfg.Forum.CSRFToken, cfg.Forum.SessionID)
	log.Info("starting forum feedback ingestion",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		logger.Fingerprint(fingerprint),
		"views_only", cfg.Ingest.ViewsOnly,
		"status_only", cfg.Ingest.StatusOnly,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. METRICS
	// ─────────────────────────────────────────────────────────────────────────
	recorder := metrics.New(metrics.Config{
		PushgatewayURL: cfg.Observability.PushgatewayURL,
		Job:            cfg.Observability.MetricsJob,
		Logger:         log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 4. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbCfg := postgres.DefaultConfig(cfg.Database.URL)
	dbCfg.MaxConns = cfg.Database.MaxConns
	dbCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	dbCfg.ConnectTimeout = cfg.Database.ConnectTimeout
	dbCfg.Logger = log

	dbConn, err := postgres.NewConnection(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()
	log.Info("database connection established")

	loaderCfg := postgres.DefaultLoaderConfig()
	loaderCfg.BatchSize = cfg.Database.BatchSize
	loaderCfg.QueryTimeout = cfg.Database.QueryTimeout
	loaderCfg.Observer = recorder
	store := postgres.NewStore(dbConn, loaderCfg, log)
	journal := postgres.NewRunJournal(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		tracker ingest.Tracker
		monitor runMonitor
	)
	if cfg.Redis.Enabled() {
		log.Info("connecting to Redis...")
		redisCfg := redis.DefaultConfig(cfg.Redis.URL)
		redisCfg.KeyPrefix = cfg.Redis.KeyPrefix
		redisCfg.LockTTL = cfg.Redis.LockTTL
		redisCfg.ProgressTTL = cfg.Redis.ProgressTTL
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.Logger = log

		t, err := redis.NewTracker(ctx, redisCfg)
		if err != nil {
			log.Warn("failed to connect to Redis, run lock and progress disabled", logger.Err(err))
		} else {
			defer t.Close()
			tracker = t
			monitor = t
			log.Info("Redis connection established")
		}
	}

	if cfg.Ingest.StatusOnly {
		return printStatus(ctx, out, journal, monitor)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. FORUM CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	var source ingest.Source
	if cfg.Ingest.NeedsForum() {
		clientCfg := forum.DefaultClientConfig(cfg.Forum.CSRFToken, cfg.Forum.SessionID)
		clientCfg.BaseURL = cfg.Forum.BaseURL
		clientCfg.Timeout = cfg.Forum.RequestTimeout
		clientCfg.MaxAttempts = cfg.Forum.MaxAttempts
		clientCfg.RetryInitialDelay = cfg.Forum.RetryInitialDelay
		clientCfg.RetryMaxDelay = cfg.Forum.RetryMaxDelay
		clientCfg.RateLimiterConfig.RequestsPerSecond = cfg.Forum.RateLimitRPS
		clientCfg.RateLimiterConfig.BurstSize = cfg.Forum.RateLimitBurst
		clientCfg.BreakerThreshold = cfg.Forum.BreakerThreshold
		clientCfg.BreakerCooldown = cfg.Forum.BreakerCooldown
		clientCfg.Observer = recorder
		clientCfg.Logger = log

		client, err := forum.NewClient(clientCfg)
		if err != nil {
			return fmt.Errorf("failed to create forum client: %w", err)
		}
		source = client
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. RUN
	// ─────────────────────────────────────────────────────────────────────────
	orchCfg := ingest.DefaultOrchestratorConfig()
	orchCfg.OutcomeType = cfg.Forum.OutcomeType
	orchCfg.ProgressEvery = cfg.Ingest.ProgressEvery

	pipeline := ingest.NewPipeline(source, store, journal, tracker, ingest.PipelineConfig{
		Orchestrator:    orchCfg,
		SkipScores:      cfg.Ingest.SkipScores,
		SkipAssignments: cfg.Ingest.SkipAssignments,
		ViewsOnly:       cfg.Ingest.ViewsOnly,
		Fingerprint:     fingerprint,
		Logger:          log,
	})

	report, runErr := pipeline.Run(ctx)
	printSummary(out, report)

	recorder.ObserveReport(report)
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := recorder.Push(pushCtx); err != nil {
		log.Warn("failed to push metrics", logger.Err(err))
	}

	if errors.Is(runErr, context.Canceled) {
		log.Warn("run interrupted; committed stages are kept")
	}
	return runErr
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger configures structured logging.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
	if cfg.IsProduction() {
		opts.Format = logger.FormatJSON
	}

	log := logger.New(opts)
	slog.SetDefault(log)
	return log
}

// printSummary writes a human-readable run summary.
func printSummary(w io.Writer, r *ingest.RunReport) {
	if r == nil {
		return
	}

	fmt.Fprintf(w, "\nrun %s finished in %s\n", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	fmt.Fprintln(w, "stages:")
	for _, s := range r.Stages {
		status := "ok"
		if s.Error != "" {
			status = "FAILED: " + s.Error
		}
		fmt.Fprintf(w, "  %-20s %10s  %s\n", s.Name, s.Duration.Round(time.Millisecond), status)
	}

	fmt.Fprintln(w, "root collections:")
	printCollection(w, "terms", r.Root.Terms)
	printCollection(w, "colleges", r.Root.Colleges)
	printCollection(w, "courses", r.Root.Courses)
	printCollection(w, "learning outcomes", r.Root.LearningOutcomes)
	printCollection(w, "assessments", r.Root.Assessments)

	fmt.Fprintln(w, "dependent chains:")
	printChain(w, "course scores", r.CourseScores)
	printChain(w, "assignment details", r.Assignments)

	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
}

func printCollection(w io.Writer, name string, s ingest.CollectionStats) {
	fmt.Fprintf(w, "  %-20s fetched=%d inserted=%d existing=%d failed=%d skipped=%d defaulted=%d",
		name, s.Fetched, s.Rows.Inserted, s.Rows.Skipped, s.Rows.Failed, s.Skipped, s.Defaulted)
	if s.FetchErr != "" {
		fmt.Fprintf(w, " fetch_error=%q", s.FetchErr)
	}
	fmt.Fprintln(w)
}

func printChain(w io.Writer, name string, s ingest.ChainStats) {
	state := s.State
	if state == "" {
		state = ingest.StatePending
	}
	fmt.Fprintf(w, "  %-20s %-18s units=%d ok=%d failed=%d empty=%d inserted=%d\n",
		name, state, s.Units, s.Succeeded, s.Failed, s.Empty, s.Rows.Inserted)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// runHistory reads the run journal.
type runHistory interface {
	LastRun(ctx context.Context) (*postgres.RunRecord, error)
}

// runMonitor reads the live run state kept in Redis.
type runMonitor interface {
	LockHolder(ctx context.Context) (string, error)
	GetProgress(ctx context.Context, runID string) (*redis.Progress, error)
	LastSummary(ctx context.Context, dest any) error
}

// printStatus writes the last journaled run, the run holding the lock with
// its progress, and the last stored summary. monitor may be nil when Redis is
// not configured.
func printStatus(ctx context.Context, w io.Writer, history runHistory, monitor runMonitor) error {
	last, err := history.LastRun(ctx)
	if err != nil {
		return fmt.Errorf("failed to read run journal: %w", err)
	}
	if last == nil {
		fmt.Fprintln(w, "last run: none recorded")
	} else {
		fmt.Fprintf(w, "last run: %s %s started %s", last.RunID, last.Status, last.StartedAt.UTC().Format(time.RFC3339))
		if last.FinishedAt != nil {
			fmt.Fprintf(w, " took %s", last.FinishedAt.Sub(last.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(w)
		if last.Error != nil {
			fmt.Fprintf(w, "  error: %s\n", *last.Error)
		}
	}

	if monitor == nil {
		fmt.Fprintln(w, "live state: Redis not configured")
		return nil
	}

	holder, err := monitor.LockHolder(ctx)
	if err != nil {
		return fmt.Errorf("failed to read run lock: %w", err)
	}
	if holder == "" {
		fmt.Fprintln(w, "in progress: none")
	} else {
		fmt.Fprintf(w, "in progress: %s", holder)
		progress, err := monitor.GetProgress(ctx, holder)
		if err != nil {
			return fmt.Errorf("failed to read run progress: %w", err)
		}
		if progress != nil {
			fmt.Fprintf(w, " %s %d/%d (updated %s)", progress.Stage, progress.Done, progress.Total, progress.UpdatedAt)
		}
		fmt.Fprintln(w)
	}

	var summary ingest.RunReport
	switch err := monitor.LastSummary(ctx, &summary); {
	case errors.Is(err, redis.ErrNoSummary):
		fmt.Fprintln(w, "last summary: none stored")
	case err != nil:
		return fmt.Errorf("failed to read last summary: %w", err)
	default:
		printSummary(w, &summary)
	}
	return nil
}
