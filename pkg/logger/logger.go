// Package logger builds the process-wide slog.Logger and keeps attribute keys
// uniform across the ingestion pipeline.
package logger

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Format selects the slog handler.
type Format string

const (
	// FormatJSON writes one JSON object per line (production).
	FormatJSON Format = "json"
	// FormatText writes logfmt-style lines (development).
	FormatText Format = "text"
)

// Options configures the logger.
type Options struct {
	Output io.Writer
	Level  slog.Level
	Format Format
}

// DefaultOptions returns sensible defaults for the logger.
func DefaultOptions() Options {
	return Options{
		Output: os.Stdout,
		Level:  slog.LevelInfo,
		Format: FormatText,
	}
}

// New creates a slog.Logger with the given options.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Format == FormatJSON {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	}
	return slog.New(handler)
}

// ParseLevel parses a string into a slog.Level. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat parses a string into a Format. Unknown values fall back to text.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// Common attribute constructors for the pipeline.
func RunID(id string) slog.Attr         { return slog.String("run_id", id) }
func Stage(name string) slog.Attr       { return slog.String("stage", name) }
func Component(name string) slog.Attr   { return slog.String("component", name) }
func Table(name string) slog.Attr       { return slog.String("table", name) }
func TermID(id string) slog.Attr        { return slog.String("term_id", id) }
func AssignmentID(id string) slog.Attr  { return slog.String("assignment_id", id) }
func URL(u string) slog.Attr            { return slog.String("url", u) }
func Latency(d time.Duration) slog.Attr { return slog.Duration("latency", d) }
func Fingerprint(fp string) slog.Attr   { return slog.String("credential_fingerprint", fp) }

// Err creates an error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// CredentialFingerprint returns a short BLAKE2b digest of the session tokens,
// safe to log and store. Empty tokens produce an empty fingerprint.
func CredentialFingerprint(tokens ...string) string {
	joined := strings.Join(tokens, "\x00")
	if strings.Trim(joined, "\x00") == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:8])
}
