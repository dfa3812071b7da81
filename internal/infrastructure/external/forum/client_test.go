package forum

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*ClientConfig)) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig("csrf-abc", "session-xyz")
	cfg.BaseURL = srv.URL + "/api/v1/"
	cfg.RateLimiterConfig = RateLimiterConfig{}
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(DefaultClientConfig("", "session"))
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
	assert.ErrorIs(t, err, shared.ErrPrecondition)
}

func TestClient_Fetch_SendsAuthHeaders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/terms", r.URL.Path)
		assert.Equal(t, "csrftoken=csrf-abc; sessionid=session-xyz", r.Header.Get("Cookie"))
		assert.Equal(t, "csrf-abc", r.Header.Get("X-Csrftoken"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`[{"id":5,"title":"Fall"}]`))
	}))

	body, err := c.Fetch(context.Background(), "terms", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":5,"title":"Fall"}]`, string(body))
}

func TestClient_Fetch_NonSuccessIsTransportError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	}))

	body, err := c.Fetch(context.Background(), "assignments/9/nested_for_grader", nil)
	assert.Nil(t, body)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Contains(t, te.Body, "not found")
	assert.Contains(t, te.URL, "/api/v1/assignments/9/nested_for_grader")
	assert.True(t, shared.IsTransport(err))
	assert.False(t, errors.Is(err, shared.ErrUnauthenticated))
}

func TestClient_Fetch_UnauthorizedMapsToUnauthenticated(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := c.Fetch(context.Background(), "terms", nil)
		assert.ErrorIs(t, err, shared.ErrUnauthenticated, "status %d", status)
		assert.ErrorIs(t, err, shared.ErrTransport, "status %d", status)
	}
}

func TestClient_Fetch_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Fetch(context.Background(), "terms", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Fetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}), func(cfg *ClientConfig) { cfg.MaxAttempts = 3 })

	_, err := c.Fetch(context.Background(), "terms", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Fetch_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), func(cfg *ClientConfig) { cfg.MaxAttempts = 4 })

	_, err := c.Fetch(context.Background(), "terms", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchList_FollowsNextLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/outcome-assessments", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			_, _ = w.Write([]byte(`{"results":[{"id":1},{"id":2}],"next":"outcome-assessments?page=2"}`))
		case "2":
			_, _ = w.Write([]byte(`{"results":[{"id":3}],"next":null}`))
		}
	})
	c := newTestClient(t, mux)

	items, err := c.FetchList(context.Background(), PathOutcomeAssessments, nil)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestClient_FetchList_NullResultsIsEmptyPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count": 0, "results": null, "next": null}`))
	}))

	terms, err := c.Terms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestClient_FetchList_RejectsForeignNextLink(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":1}],"next":"https://elsewhere.example/api/v1/terms?page=2"}`))
	}))

	items, err := c.FetchList(context.Background(), PathTerms, nil)
	assert.Len(t, items, 1)
	assert.True(t, shared.IsShape(err))
}

func TestClient_FetchList_DetectsLoop(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":1}],"next":"terms"}`))
	}))

	_, err := c.FetchList(context.Background(), PathTerms, nil)
	assert.True(t, shared.IsShape(err))
}

func TestClient_OutcomeIndexItems_Query(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/outcome-index-items", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("termId"))
		assert.Equal(t, "lo", r.URL.Query().Get("outcomeType"))
		_, _ = w.Write([]byte(`[{"course":1,"mean":3.5},{"course":2,"mean":null}]`))
	}))

	items, err := c.OutcomeIndexItems(context.Background(), "5", "lo")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 3.5, *items[0].Mean.Value)
	assert.Nil(t, items[1].Mean.Value)
}

func TestClient_AssignmentDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/assignments/55/nested_for_grader", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"55","title":"Essay1","weight":"2"}`))
	}))

	dto, err := c.AssignmentDetail(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, "55", dto.ID.Value.String())
	assert.Equal(t, "Essay1", *dto.Title.Value)
	assert.Equal(t, 2.0, *dto.Weight.Value)
}

func TestClient_TypedList_DropsNonObjects(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"code":"CS"}, 42, "x", {"id":2}]`))
	}))

	colleges, err := c.Colleges(context.Background())
	require.NoError(t, err)
	assert.Len(t, colleges, 2)
}

func TestClient_Fingerprint(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	fp := c.Fingerprint()
	assert.Len(t, fp, 16)
	assert.NotContains(t, fp, "csrf-abc")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	assert.Nil(t, rl)
	assert.NoError(t, rl.Allow(context.Background()))
	rl.RecordRateLimitHit(time.Second)
}

func TestRateLimiter_BurstThenWait(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 2, WaitTimeout: time.Second})
	require.NotNil(t, rl)

	_, _, ok := rl.take()
	assert.True(t, ok)
	_, _, ok = rl.take()
	assert.True(t, ok)

	assert.NoError(t, rl.Allow(context.Background()))
}

func TestRateLimiter_RetryAfterOutlastsWaitTimeout(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 5, WaitTimeout: 10 * time.Millisecond})
	rl.RecordRateLimitHit(time.Hour)

	_, imposed, ok := rl.take()
	assert.False(t, ok)
	assert.True(t, imposed)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := rl.Allow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var rle *RateLimitError
	assert.False(t, errors.As(err, &rle))
}

func TestRateLimiter_OwnPacingHonoursWaitTimeout(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.01, BurstSize: 1, WaitTimeout: 10 * time.Millisecond})
	require.NoError(t, rl.Allow(context.Background()))

	err := rl.Allow(context.Background())
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Greater(t, rle.RetryAfter, time.Second)
}

func TestClient_Fetch_WaitsOutServerRetryAfter(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id":7}`))
	}), func(cfg *ClientConfig) {
		cfg.RateLimiterConfig = RateLimiterConfig{RequestsPerSecond: 50, BurstSize: 5, WaitTimeout: 10 * time.Millisecond}
	})

	_, err := c.AssignmentDetail(context.Background(), "7")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)

	start := time.Now()
	for i := 0; i < 3; i++ {
		dto, err := c.AssignmentDetail(context.Background(), "7")
		require.NoError(t, err)
		require.NotNil(t, dto)
	}
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, int32(4), hits.Load())
}

func TestRateLimiter_ThrottlingSlowsRefillToFloor(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 4, BurstSize: 1})
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		rl.RecordRateLimitHit(0)
	}
	assert.InDelta(t, 1.0, rl.Rate(), 1e-9)

	wait, imposed, ok := rl.take()
	assert.False(t, ok)
	assert.False(t, imposed)
	assert.Positive(t, wait)

	now = now.Add(time.Minute)
	_, _, ok = rl.take()
	assert.True(t, ok)
}

func TestClient_Fetch_BreakerFailsFastDuringOutage(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), func(cfg *ClientConfig) {
		cfg.BreakerThreshold = 2
		cfg.BreakerCooldown = time.Hour
	})

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), "terms", nil)
		require.Error(t, err)
	}

	_, err := c.Fetch(context.Background(), "terms", nil)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.StatusCode)
	assert.True(t, shared.IsTransport(err))
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_Fetch_MissingRecordsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}), func(cfg *ClientConfig) {
		cfg.BreakerThreshold = 1
	})

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), "assignments/1/nested_for_grader", nil)
		require.Error(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
}

type statusRecorder struct {
	statuses []int
}

func (r *statusRecorder) ObserveForumRequest(status int, _ time.Duration) {
	r.statuses = append(r.statuses, status)
}

func TestClient_Fetch_ReportsEveryAttemptToObserver(t *testing.T) {
	var calls atomic.Int32
	rec := &statusRecorder{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}), func(cfg *ClientConfig) {
		cfg.MaxAttempts = 2
		cfg.Observer = rec
	})

	_, err := c.Fetch(context.Background(), "terms", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{http.StatusServiceUnavailable, http.StatusOK}, rec.statuses)
}
