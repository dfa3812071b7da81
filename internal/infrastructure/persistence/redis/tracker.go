// Package redis implements the optional run tracker of the ingestion pipeline:
// a single-run lock plus progress and last-run summaries that operators can
// inspect while a long assignment fan-out is in flight.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL string

	// KeyPrefix namespaces every key.
	KeyPrefix string

	// LockTTL bounds how long a crashed run can hold the lock.
	LockTTL time.Duration

	// ProgressTTL is how long progress and summaries are kept.
	ProgressTTL time.Duration

	// DialTimeout is the timeout for the initial ping.
	DialTimeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		KeyPrefix:   "feedback:",
		LockTTL:     2 * time.Hour,
		ProgressTTL: 7 * 24 * time.Hour,
		DialTimeout: 5 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrTrackerConnection is returned when Redis connection fails.
	ErrTrackerConnection = errors.New("tracker: connection failed")

	// ErrNoSummary is returned when no run summary is stored.
	ErrNoSummary = errors.New("tracker: no run summary")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS
// ══════════════════════════════════════════════════════════════════════════════

// Key suffixes under the configured prefix.
const (
	keyLock        = "lock:ingest"
	keyProgress    = "progress:"
	keyLastSummary = "run:last"
)

// releaseScript deletes the lock only if this run still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ══════════════════════════════════════════════════════════════════════════════
// TRACKER
// ══════════════════════════════════════════════════════════════════════════════

// Tracker keeps run coordination state in Redis.
type Tracker struct {
	client *redis.Client
	config Config
	logger *slog.Logger
}

// NewTracker connects to Redis and verifies the connection.
func NewTracker(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.ProgressTTL <= 0 {
		cfg.ProgressTTL = defaults.ProgressTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrTrackerConnection, err)
	}
	opts.DialTimeout = cfg.DialTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrTrackerConnection, err)
	}

	return &Tracker{client: client, config: cfg, logger: cfg.Logger}, nil
}

// Close closes the Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}

func (t *Tracker) key(suffix string) string {
	return t.config.KeyPrefix + suffix
}

// AcquireRunLock takes the single-run lock. It returns false when another run
// holds it.
func (t *Tracker) AcquireRunLock(ctx context.Context, runID string) (bool, error) {
	return t.client.SetNX(ctx, t.key(keyLock), runID, t.config.LockTTL).Result()
}

// ReleaseRunLock releases the lock if runID still owns it.
func (t *Tracker) ReleaseRunLock(ctx context.Context, runID string) error {
	return releaseScript.Run(ctx, t.client, []string{t.key(keyLock)}, runID).Err()
}

// LockHolder returns the run currently holding the lock, or "".
func (t *Tracker) LockHolder(ctx context.Context) (string, error) {
	v, err := t.client.Get(ctx, t.key(keyLock)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// ReportProgress records how far a stage of a run has got.
func (t *Tracker) ReportProgress(ctx context.Context, runID, stage string, done, total int) error {
	key := t.key(keyProgress + runID)

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key,
		"stage", stage,
		stage+":done", done,
		stage+":total", total,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, key, t.config.ProgressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Progress is the stored progress of one run.
type Progress struct {
	Stage     string
	Done      int
	Total     int
	UpdatedAt string
}

// GetProgress returns the latest progress of a run.
func (t *Tracker) GetProgress(ctx context.Context, runID string) (*Progress, error) {
	fields, err := t.client.HGetAll(ctx, t.key(keyProgress+runID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	p := &Progress{Stage: fields["stage"], UpdatedAt: fields["updated_at"]}
	p.Done, _ = strconv.Atoi(fields[p.Stage+":done"])
	p.Total, _ = strconv.Atoi(fields[p.Stage+":total"])
	return p, nil
}

// SaveSummary stores the summary of the last finished run.
func (t *Tracker) SaveSummary(ctx context.Context, summary any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("tracker: marshal summary: %w", err)
	}
	return t.client.Set(ctx, t.key(keyLastSummary), data, t.config.ProgressTTL).Err()
}

// LastSummary decodes the last stored run summary into dest.
func (t *Tracker) LastSummary(ctx context.Context, dest any) error {
	data, err := t.client.Get(ctx, t.key(keyLastSummary)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoSummary
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
