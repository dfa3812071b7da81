package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
	"github.com/feedbackhub/forum-feedback/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEDUPLICATING LOADER
// ══════════════════════════════════════════════════════════════════════════════

// LoaderConfig configures the Loader.
type LoaderConfig struct {
	// BatchSize is the number of rows per transaction.
	BatchSize int

	// QueryTimeout bounds one batch transaction.
	QueryTimeout time.Duration

	// Observer, when set, sees the result of every Load
	Observer LoadObserver

	// Logger for structured logging
	Logger *slog.Logger
}

// LoadObserver records loader results per table.
type LoadObserver interface {
	ObserveLoad(table string, res feedback.LoadResult)
}

// DefaultLoaderConfig returns sensible defaults.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		BatchSize:    500,
		QueryTimeout: 30 * time.Second,
	}
}

// Loader writes rows with insert-if-absent or replace semantics.
type Loader struct {
	conn   *Connection
	config LoaderConfig
	logger *slog.Logger
}

// NewLoader creates a new Loader.
func NewLoader(conn *Connection, config LoaderConfig) *Loader {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultLoaderConfig().BatchSize
	}
	return &Loader{conn: conn, config: config, logger: config.Logger}
}

// Load writes rows into table. Each batch is one transaction and each row runs
// in its own savepoint, so a bad row is logged and skipped while the rest of
// its batch commits. The returned error is set only when a whole batch could
// not be committed; earlier batches stay committed.
func (l *Loader) Load(ctx context.Context, table feedback.TableSpec, rows []feedback.Row) (total feedback.LoadResult, err error) {
	if len(rows) == 0 {
		return total, nil
	}
	if l.config.Observer != nil {
		defer func() { l.config.Observer.ObserveLoad(table.Name, total) }()
	}

	query, err := BuildUpsertSQL(table)
	if err != nil {
		return total, err
	}

	for start := 0; start < len(rows); start += l.config.BatchSize {
		end := min(start+l.config.BatchSize, len(rows))

		res, err := l.loadBatch(ctx, table, query, rows[start:end])
		if err != nil {
			total.Failed += end - start
			return total, shared.WrapError("loader", "Load", shared.ErrStorage,
				fmt.Sprintf("%s: batch at row %d not committed", table.Name, start), err)
		}
		total.Add(res)
	}

	l.logger.Debug("rows loaded",
		logger.Table(table.Name),
		"inserted", total.Inserted,
		"skipped", total.Skipped,
		"failed", total.Failed,
	)
	return total, nil
}

func (l *Loader) loadBatch(ctx context.Context, table feedback.TableSpec, query string, rows []feedback.Row) (feedback.LoadResult, error) {
	if l.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.QueryTimeout)
		defer cancel()
	}

	var res feedback.LoadResult
	err := l.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		res = feedback.LoadResult{}
		for i, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}

			inserted, err := l.insertRow(ctx, tx, table, query, row)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				res.Failed++
				l.logger.Warn("row skipped",
					logger.Table(table.Name),
					"row", i,
					"sqlstate", SQLState(err),
					"reason", FailureReason(err),
					logger.Err(err),
				)
				continue
			}
			if inserted {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	return res, err
}

// insertRow runs one statement inside a savepoint.
func (l *Loader) insertRow(ctx context.Context, tx pgx.Tx, table feedback.TableSpec, query string, row feedback.Row) (bool, error) {
	values := row.Values()
	if len(values) != len(table.Columns) {
		return false, fmt.Errorf("%s: row has %d values for %d columns", table.Name, len(values), len(table.Columns))
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, err
	}

	tag, err := sp.Exec(ctx, query, values...)
	if err != nil {
		_ = sp.Rollback(ctx)
		return false, err
	}
	if err := sp.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// BuildUpsertSQL renders the INSERT statement for a table spec.
func BuildUpsertSQL(table feedback.TableSpec) (string, error) {
	if table.Name == "" || len(table.Columns) == 0 || len(table.Key) == 0 {
		return "", shared.NewDomainError("loader", "BuildUpsertSQL", shared.ErrStorage,
			fmt.Sprintf("incomplete table spec %q", table.Name))
	}

	placeholders := make([]string, len(table.Columns))
	for i := range table.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		pgx.Identifier{table.Name}.Sanitize(),
		joinIdentifiers(table.Columns),
		strings.Join(placeholders, ", "),
		joinIdentifiers(table.Key),
	)

	switch table.Policy {
	case feedback.InsertIfAbsent:
		b.WriteString("DO NOTHING")
	case feedback.Replace:
		isKey := make(map[string]bool, len(table.Key))
		for _, k := range table.Key {
			isKey[k] = true
		}
		var sets []string
		for _, col := range table.Columns {
			if isKey[col] {
				continue
			}
			id := pgx.Identifier{col}.Sanitize()
			sets = append(sets, id+" = EXCLUDED."+id)
		}
		if table.Touch != "" {
			sets = append(sets, pgx.Identifier{table.Touch}.Sanitize()+" = NOW()")
		}
		if len(sets) == 0 {
			b.WriteString("DO NOTHING")
		} else {
			b.WriteString("DO UPDATE SET " + strings.Join(sets, ", "))
		}
	default:
		return "", shared.NewDomainError("loader", "BuildUpsertSQL", shared.ErrStorage,
			fmt.Sprintf("unknown policy %d for %q", table.Policy, table.Name))
	}

	return b.String(), nil
}

func joinIdentifiers(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}
