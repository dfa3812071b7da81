// Package retry provides bounded retries with exponential backoff and jitter
// for calls against the forum API and the database.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryableError marks an error as worth another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// PermanentError stops the retry loop at once.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as final. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config holds retry configuration.
type Config struct {
	// MaxAttempts counts the first call. One means no retries.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every wait.
	MaxDelay time.Duration

	// Multiplier grows the wait after each attempt.
	Multiplier float64

	// JitterFactor spreads each wait by up to this fraction either way.
	JitterFactor float64

	// RetryIf classifies errors. Nil retries only errors marked Retryable.
	RetryIf func(error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Option configures a Retrier.
type Option func(*Config)

// WithMaxAttempts sets the attempt budget. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithInitialDelay sets the first wait.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialDelay = d
		}
	}
}

// WithMaxDelay sets the wait cap.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxDelay = d
		}
	}
}

// WithMultiplier sets the backoff growth factor.
func WithMultiplier(m float64) Option {
	return func(c *Config) {
		if m >= 1.0 {
			c.Multiplier = m
		}
	}
}

// WithJitter sets the jitter factor, between 0 and 1.
func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1.0 {
			c.JitterFactor = j
		}
	}
}

// WithRetryIf sets the error classifier.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

// WithOnRetry sets the callback run before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Retrier runs an operation until it succeeds, fails permanently or runs out
// of attempts.
type Retrier struct {
	config Config
}

// New creates a Retrier from DefaultConfig and opts.
func New(opts ...Option) *Retrier {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Retrier{config: config}
}

// Do calls op until it returns nil or a non-retryable error, or the attempt
// budget is spent. The error returned is the last one op produced, with any
// Retryable or Permanent marker removed. A context cancelled between attempts
// also ends the loop with that last error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return unmark(last)
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		if IsPermanent(err) || !r.retryable(err) || attempt >= r.config.MaxAttempts {
			return unmark(err)
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		if !sleep(ctx, delay) {
			return unmark(last)
		}
	}
}

func (r *Retrier) retryable(err error) bool {
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsRetryable(err)
}

// calculateDelay returns InitialDelay * Multiplier^(attempt-1), capped at
// MaxDelay and spread by the jitter factor.
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(r.config.MaxDelay))
	if r.config.JitterFactor > 0 {
		d += d * r.config.JitterFactor * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// unmark strips a Retryable or Permanent wrapper.
func unmark(err error) error {
	switch e := err.(type) {
	case *RetryableError:
		return e.Err
	case *PermanentError:
		return e.Err
	}
	return err
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ForumRetrier returns the Retrier for forum API calls. One attempt means the
// call is made once and never retried.
func ForumRetrier(maxAttempts int, initial, max time.Duration, opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initial),
		WithMaxDelay(max),
		WithMultiplier(2.0),
		WithJitter(0.2),
	}
	return New(append(base, opts...)...)
}

// DatabaseRetrier returns the Retrier used while the database comes up.
func DatabaseRetrier(opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(3),
		WithInitialDelay(200 * time.Millisecond),
		WithMaxDelay(2 * time.Second),
		WithMultiplier(2.0),
		WithJitter(0.05),
	}
	return New(append(base, opts...)...)
}
