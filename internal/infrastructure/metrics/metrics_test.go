package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackhub/forum-feedback/internal/application/ingest"
	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(502))
	assert.Equal(t, "error", statusClass(0))
}

func TestRecorder_ForumRequestsAndLoads(t *testing.T) {
	r := New(Config{})

	r.ObserveForumRequest(200, 120*time.Millisecond)
	r.ObserveForumRequest(200, 80*time.Millisecond)
	r.ObserveForumRequest(0, time.Second)
	r.ObserveLoad("terms", feedback.LoadResult{Inserted: 3, Skipped: 1})
	r.ObserveLoad("terms", feedback.LoadResult{Inserted: 2, Failed: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.forumRequests.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.forumRequests.WithLabelValues("error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.rowsLoaded.WithLabelValues("terms", "inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rowsLoaded.WithLabelValues("terms", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.forumLatency))
}

func TestRecorder_ObserveReport(t *testing.T) {
	r := New(Config{})
	start := time.Unix(1_700_000_000, 0)

	r.ObserveReport(&ingest.RunReport{
		StartedAt:    start,
		FinishedAt:   start.Add(90 * time.Second),
		Stages:       []ingest.StageResult{{Name: ingest.StageBuildViews, Duration: 2 * time.Second}},
		CourseScores: ingest.ChainStats{Succeeded: 3, Failed: 1},
		Assignments:  ingest.ChainStats{Succeeded: 10, Empty: 2},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(r.chainUnits.WithLabelValues(ingest.ChainCourseScores, "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.chainUnits.WithLabelValues(ingest.ChainAssignmentDetails, "empty")))
	assert.Equal(t, 90.0, testutil.ToFloat64(r.runDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.stageDuration.WithLabelValues(ingest.StageBuildViews)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runSucceeded))
	assert.Equal(t, float64(start.Add(90*time.Second).Unix()), testutil.ToFloat64(r.lastSuccess))

	n, err := testutil.GatherAndCount(r.Registry(), "forum_feedback_last_success_timestamp_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecorder_FailedRunOmitsLastSuccess(t *testing.T) {
	r := New(Config{})

	r.ObserveReport(&ingest.RunReport{Err: errors.New("boom")})

	assert.Equal(t, 0.0, testutil.ToFloat64(r.runSucceeded))
	n, err := testutil.GatherAndCount(r.Registry(), "forum_feedback_last_success_timestamp_seconds")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_PushWithoutGatewayIsNoop(t *testing.T) {
	assert.NoError(t, New(Config{}).Push(context.Background()))
}

func TestRecorder_PushSendsToGateway(t *testing.T) {
	var method, path, body string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method, path = req.Method, req.URL.Path
		b, _ := io.ReadAll(req.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gw.Close()

	r := New(Config{PushgatewayURL: gw.URL, Job: "ingest_test"})
	r.ObserveForumRequest(200, time.Millisecond)

	require.NoError(t, r.Push(context.Background()))
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/metrics/job/ingest_test", path)
	assert.NotEmpty(t, body)
}

func TestRecorder_PushReportsGatewayFailure(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer gw.Close()

	err := New(Config{PushgatewayURL: gw.URL}).Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), gw.URL)
}
