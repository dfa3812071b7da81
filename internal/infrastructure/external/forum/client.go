// Package forum implements the client for the grading forum REST API and the
// extractors that turn its responses into feedback rows.
package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
	"github.com/feedbackhub/forum-feedback/pkg/circuitbreaker"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
	"github.com/feedbackhub/forum-feedback/pkg/retry"
)

// DefaultBaseURL is the forum API root.
const DefaultBaseURL = "https://forum.minerva.edu/api/v1/"

// Endpoint paths, relative to the base URL.
const (
	PathLearningOutcomeTrees = "lo-trees"
	PathTerms                = "terms"
	PathOutcomeAssessments   = "outcome-assessments"
	PathColleges             = "colleges"
	PathOutcomeIndexItems    = "outcome-index-items"
)

// maxPages bounds pagination when the server keeps returning a next link.
const maxPages = 10000

// maxErrorBody is how much of a failed response body is kept for logging.
const maxErrorBody = 2048

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the forum API client.
type ClientConfig struct {
	// BaseURL is the forum API base URL
	BaseURL string

	// CSRFToken and SessionID are the two session tokens sent on every request
	CSRFToken string
	SessionID string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// MaxAttempts bounds retries of one request; 1 means no retry
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// RateLimiterConfig throttles requests; zero RequestsPerSecond disables it
	RateLimiterConfig RateLimiterConfig

	// BreakerThreshold consecutive upstream failures (network errors, 5xx)
	// make further requests fail fast for BreakerCooldown. Zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client

	// Observer, when set, sees every HTTP exchange
	Observer RequestObserver

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(csrfToken, sessionID string) ClientConfig {
	return ClientConfig{
		BaseURL:           DefaultBaseURL,
		CSRFToken:         csrfToken,
		SessionID:         sessionID,
		Timeout:           30 * time.Second,
		MaxAttempts:       1,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
		BreakerThreshold:  10,
		BreakerCooldown:   30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// TransportError is returned for non-2xx responses and network failures.
type TransportError struct {
	URL        string
	StatusCode int // zero for network failures
	Body       string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Unwrap returns the underlying network error, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches shared.ErrTransport, and shared.ErrUnauthenticated for 401/403.
func (e *TransportError) Is(target error) bool {
	switch target {
	case shared.ErrTransport:
		return true
	case shared.ErrUnauthenticated:
		return e.Unauthenticated()
	}
	return false
}

// Unauthenticated reports whether the forum rejected the credentials.
func (e *TransportError) Unauthenticated() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Retryable reports whether repeating the request may succeed.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// RequestObserver records forum requests. Status is zero when no response
// arrived.
type RequestObserver interface {
	ObserveForumRequest(status int, latency time.Duration)
}

// Client is the forum API client. It issues one request at a time.
type Client struct {
	config      ClientConfig
	baseURL     *url.URL
	header      http.Header
	httpClient  *http.Client
	logger      *slog.Logger
	rateLimiter *RateLimiter
	retrier     *retry.Retrier
	breaker     *circuitbreaker.CircuitBreaker
}

// NewClient creates a new forum API client. Auth headers are built once here.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.CSRFToken == "" || config.SessionID == "" {
		return nil, shared.WrapError("forum", "NewClient", shared.ErrUnauthenticated,
			"missing session tokens", nil)
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid forum base url %q", config.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	header := make(http.Header)
	header.Set("Accept", "application/json")
	header.Set("Cookie", fmt.Sprintf("csrftoken=%s; sessionid=%s", config.CSRFToken, config.SessionID))
	header.Set("X-Csrftoken", config.CSRFToken)

	c := &Client{
		config:      config,
		baseURL:     base,
		header:      header,
		httpClient:  httpClient,
		logger:      config.Logger,
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
	}
	c.retrier = retry.ForumRetrier(config.MaxAttempts, config.RetryInitialDelay, config.RetryMaxDelay,
		retry.WithRetryIf(isRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("retrying forum request",
				"attempt", attempt,
				"delay", delay,
				logger.Err(err),
			)
		}),
	)
	c.breaker = circuitbreaker.ForumBreaker(config.BreakerThreshold, config.BreakerCooldown, isUpstreamFailure,
		func(name string, from, to circuitbreaker.State) {
			c.logger.Warn("forum circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	)
	return c, nil
}

// Fingerprint returns a loggable digest of the credentials in use.
func (c *Client) Fingerprint() string {
	return logger.CredentialFingerprint(c.config.CSRFToken, c.config.SessionID)
}

// ══════════════════════════════════════════════════════════════════════════════
// GENERIC OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Fetch issues GET path?params against the base URL and returns the raw body
// of a 2xx response. Any other outcome is a *TransportError; callers log it and
// treat it as "no data".
func (c *Client) Fetch(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	target, err := c.resolve(path, params)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, target)
}

// FetchList fetches a collection. A bare JSON array is one page; an object with
// "results" is followed through its "next" links until they run out.
func (c *Client) FetchList(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	target, err := c.resolve(path, params)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	seen := make(map[string]struct{})

	for page := 1; ; page++ {
		if page > maxPages {
			return items, shared.NewDomainError("forum", "FetchList", shared.ErrShape,
				fmt.Sprintf("%s: more than %d pages", path, maxPages))
		}
		seen[target.String()] = struct{}{}

		body, err := c.get(ctx, target)
		if err != nil {
			return items, err
		}

		pageItems, next, err := decodePage(body)
		if err != nil {
			return items, shared.WrapError("forum", "FetchList", shared.ErrShape,
				fmt.Sprintf("%s: unexpected list shape", target.Redacted()), err)
		}
		items = append(items, pageItems...)

		if next == "" {
			return items, nil
		}

		target, err = c.resolveNext(next)
		if err != nil {
			return items, err
		}
		if _, dup := seen[target.String()]; dup {
			return items, shared.NewDomainError("forum", "FetchList", shared.ErrShape,
				fmt.Sprintf("%s: pagination loops back to %s", path, target.Redacted()))
		}
	}
}

// decodePage splits one list response into its items and next link.
func decodePage(body json.RawMessage) ([]json.RawMessage, string, error) {
	body = bytes.TrimSpace(body)
	if isNull(body) {
		return nil, "", nil
	}

	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, "", err
		}
		return items, "", nil
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", err
	}
	if len(env.Results) == 0 {
		// A single object where a list was expected.
		return []json.RawMessage{body}, "", nil
	}

	next := ""
	if env.Next != nil {
		next = strings.TrimSpace(*env.Next)
	}
	if isNull(env.Results) {
		return nil, next, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(env.Results, &items); err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// resolve joins a relative path and params onto the base URL.
func (c *Client) resolve(path string, params url.Values) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, shared.WrapError("forum", "resolve", shared.ErrShape,
			fmt.Sprintf("invalid path %q", path), err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, shared.NewDomainError("forum", "resolve", shared.ErrShape,
			fmt.Sprintf("path %q must be relative", path))
	}

	u := c.baseURL.ResolveReference(ref)
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

// resolveNext resolves a pagination link and keeps it on the forum host.
func (c *Client) resolveNext(next string) (*url.URL, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return nil, shared.WrapError("forum", "FetchList", shared.ErrShape,
			fmt.Sprintf("invalid next link %q", next), err)
	}

	u := c.baseURL.ResolveReference(ref)
	if u.Scheme != c.baseURL.Scheme || u.Host != c.baseURL.Host || !strings.HasPrefix(u.Path, c.baseURL.Path) {
		return nil, shared.NewDomainError("forum", "FetchList", shared.ErrShape,
			fmt.Sprintf("next link %q leaves the forum API", next))
	}
	return u, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TYPED ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

// Terms fetches all terms.
func (c *Client) Terms(ctx context.Context) ([]TermDTO, error) {
	return fetchTyped[TermDTO](ctx, c, PathTerms, nil)
}

// Colleges fetches all colleges.
func (c *Client) Colleges(ctx context.Context) ([]CollegeDTO, error) {
	return fetchTyped[CollegeDTO](ctx, c, PathColleges, nil)
}

// LearningOutcomeTrees fetches the course / objective / outcome trees.
func (c *Client) LearningOutcomeTrees(ctx context.Context) ([]LearningOutcomeTreeDTO, error) {
	return fetchTyped[LearningOutcomeTreeDTO](ctx, c, PathLearningOutcomeTrees, nil)
}

// OutcomeAssessments fetches every outcome assessment visible to the session.
func (c *Client) OutcomeAssessments(ctx context.Context) ([]OutcomeAssessmentDTO, error) {
	return fetchTyped[OutcomeAssessmentDTO](ctx, c, PathOutcomeAssessments, nil)
}

// OutcomeIndexItems fetches the per-course index scores of one term.
func (c *Client) OutcomeIndexItems(ctx context.Context, termID feedback.ID, outcomeType string) ([]OutcomeIndexItemDTO, error) {
	params := url.Values{}
	params.Set("termId", termID.String())
	if outcomeType != "" {
		params.Set("outcomeType", outcomeType)
	}
	return fetchTyped[OutcomeIndexItemDTO](ctx, c, PathOutcomeIndexItems, params)
}

// AssignmentDetail fetches the grader view of one assignment.
func (c *Client) AssignmentDetail(ctx context.Context, assignmentID feedback.ID) (*AssignmentDetailDTO, error) {
	body, err := c.Fetch(ctx, AssignmentDetailPath(assignmentID), nil)
	if err != nil {
		return nil, err
	}

	var dto AssignmentDetailDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, shared.WrapError("forum", "AssignmentDetail", shared.ErrShape,
			fmt.Sprintf("assignment %s: response is not an object", assignmentID), err)
	}
	return &dto, nil
}

// AssignmentDetailPath returns the detail endpoint of one assignment.
func AssignmentDetailPath(assignmentID feedback.ID) string {
	return "assignments/" + url.PathEscape(assignmentID.String()) + "/nested_for_grader"
}

// fetchTyped fetches a list and decodes each element. Elements that are not
// JSON objects are logged and dropped.
func fetchTyped[T any](ctx context.Context, c *Client, path string, params url.Values) ([]T, error) {
	raws, err := c.FetchList(ctx, path, params)

	out := make([]T, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		var v T
		if decodeErr := json.Unmarshal(raw, &v); decodeErr != nil {
			dropped++
			continue
		}
		out = append(out, v)
	}
	if dropped > 0 {
		c.logger.Warn("dropped malformed records", "path", path, "dropped", dropped)
	}
	return out, err
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// get performs a GET through the circuit breaker, rate limiter and the
// configured retry policy.
func (c *Client) get(ctx context.Context, target *url.URL) (json.RawMessage, error) {
	var body json.RawMessage
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.rateLimiter.Allow(ctx); err != nil {
				return retry.Permanent(&TransportError{URL: target.Redacted(), Err: err})
			}

			b, err := c.doSingleRequest(ctx, target)
			if err != nil {
				var te *TransportError
				if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
					c.rateLimiter.RecordRateLimitHit(te.RetryAfter)
					c.logger.Warn("forum throttled request",
						logger.URL(te.URL),
						"retry_after", te.RetryAfter,
						"rate", c.rateLimiter.Rate(),
					)
				}
				return err
			}
			body = b
			return nil
		})
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, &TransportError{URL: target.Redacted(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// doSingleRequest performs a single HTTP request.
func (c *Client) doSingleRequest(ctx context.Context, target *url.URL) (json.RawMessage, error) {
	display := target.Redacted()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &TransportError{URL: display, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header = c.header.Clone()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(0, time.Since(start))
		return nil, &TransportError{URL: display, Err: err}
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	c.observe(resp.StatusCode, latency)
	c.logger.Debug("forum request",
		logger.URL(display),
		"status", resp.StatusCode,
		logger.Latency(latency),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			URL:        display,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: display, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, shared.NewDomainError("forum", "Fetch", shared.ErrShape,
			fmt.Sprintf("%s: response is not JSON", display))
	}
	return body, nil
}

func (c *Client) observe(status int, latency time.Duration) {
	if c.config.Observer != nil {
		c.config.Observer.ObserveForumRequest(status, latency)
	}
}

// isRetryable decides which failures the retry policy repeats: network errors,
// 429 and 5xx.
func isRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isUpstreamFailure decides what counts against the circuit breaker: the
// forum being unreachable or erroring, not a missing record or throttling.
func isUpstreamFailure(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 0 || te.StatusCode >= 500
	}
	return false
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
