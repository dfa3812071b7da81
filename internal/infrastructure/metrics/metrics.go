// Package metrics keeps Prometheus metrics for one ingestion run and pushes
// them to a Pushgateway when the run ends.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/feedbackhub/forum-feedback/internal/application/ingest"
	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
)

const namespace = "forum_feedback"

// Config holds metrics configuration.
type Config struct {
	// PushgatewayURL is where Push sends the metrics. Empty disables pushing.
	PushgatewayURL string

	// Job is the Pushgateway job label.
	Job string

	// Logger for structured logging
	Logger *slog.Logger
}

// Recorder collects the metrics of a run. Its methods satisfy the observer
// ports of the forum client and the loader.
type Recorder struct {
	config   Config
	logger   *slog.Logger
	registry *prometheus.Registry

	forumRequests *prometheus.CounterVec
	forumLatency  prometheus.Histogram
	rowsLoaded    *prometheus.CounterVec
	chainUnits    *prometheus.CounterVec
	stageDuration *prometheus.GaugeVec
	runDuration   prometheus.Gauge
	runSucceeded  prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New(cfg Config) *Recorder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Job == "" {
		cfg.Job = "forum_feedback_ingest"
	}

	r := &Recorder{
		config:   cfg,
		logger:   cfg.Logger,
		registry: prometheus.NewRegistry(),

		forumRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forum_requests_total",
			Help:      "Forum API requests by status class.",
		}, []string{"class"}), // 2xx, 4xx, 5xx, error

		forumLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forum_request_duration_seconds",
			Help:      "Forum API request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		rowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows handed to the loader by table and outcome.",
		}, []string{"table", "result"}), // inserted, skipped, failed

		chainUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_units_total",
			Help:      "Dependent fetch units by chain and outcome.",
		}, []string{"chain", "outcome"}), // succeeded, failed, empty

		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage in the last run.",
		}, []string{"stage"}),

		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),

		runSucceeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_succeeded",
			Help:      "1 if the last run finished without error, else 0.",
		}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished.",
		}),
	}

	r.registry.MustRegister(
		r.forumRequests,
		r.forumLatency,
		r.rowsLoaded,
		r.chainUnits,
		r.stageDuration,
		r.runDuration,
		r.runSucceeded,
	)
	return r
}

// Registry returns the registry holding every metric of the run.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveForumRequest records one HTTP exchange with the forum.
func (r *Recorder) ObserveForumRequest(status int, latency time.Duration) {
	r.forumRequests.WithLabelValues(statusClass(status)).Inc()
	r.forumLatency.Observe(latency.Seconds())
}

// ObserveLoad records the outcome of one loader call.
func (r *Recorder) ObserveLoad(table string, res feedback.LoadResult) {
	r.rowsLoaded.WithLabelValues(table, "inserted").Add(float64(res.Inserted))
	r.rowsLoaded.WithLabelValues(table, "skipped").Add(float64(res.Skipped))
	r.rowsLoaded.WithLabelValues(table, "failed").Add(float64(res.Failed))
}

// ObserveReport records the final report of a run.
func (r *Recorder) ObserveReport(report *ingest.RunReport) {
	if report == nil {
		return
	}

	r.observeChain(ingest.ChainCourseScores, report.CourseScores)
	r.observeChain(ingest.ChainAssignmentDetails, report.Assignments)

	for _, st := range report.Stages {
		r.stageDuration.WithLabelValues(st.Name).Set(st.Duration.Seconds())
	}
	if !report.FinishedAt.IsZero() {
		r.runDuration.Set(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}

	if report.Err != nil {
		r.runSucceeded.Set(0)
		return
	}
	r.runSucceeded.Set(1)
	r.lastSuccess.Set(float64(report.FinishedAt.Unix()))
	// Only successful runs carry the timestamp, so a failed run leaves the
	// gateway's value in place.
	if err := r.registry.Register(r.lastSuccess); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			r.logger.Warn("could not register last success gauge", logger.Err(err))
		}
	}
}

func (r *Recorder) observeChain(chain string, stats ingest.ChainStats) {
	r.chainUnits.WithLabelValues(chain, "succeeded").Add(float64(stats.Succeeded))
	r.chainUnits.WithLabelValues(chain, "failed").Add(float64(stats.Failed))
	r.chainUnits.WithLabelValues(chain, "empty").Add(float64(stats.Empty))
}

// Push sends the run's metrics to the Pushgateway. Metrics with the same name
// are replaced and the rest of the job's group is kept. It does nothing when
// no gateway is configured.
func (r *Recorder) Push(ctx context.Context) error {
	if r.config.PushgatewayURL == "" {
		return nil
	}

	pusher := push.New(r.config.PushgatewayURL, r.config.Job).Gatherer(r.registry)
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", r.config.PushgatewayURL, err)
	}
	r.logger.Info("metrics pushed", "gateway", r.config.PushgatewayURL, "job", r.config.Job)
	return nil
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
