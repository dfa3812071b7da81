package postgres

import (
	"context"
	"log/slog"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
)

// Store bundles the connection, loader and view builder behind the single
// store port the ingestion pipeline depends on.
type Store struct {
	*Connection
	loader *Loader
	views  *ViewBuilder
}

// NewStore creates a Store over an open connection.
func NewStore(conn *Connection, loaderConfig LoaderConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if loaderConfig.Logger == nil {
		loaderConfig.Logger = logger
	}
	return &Store{
		Connection: conn,
		loader:     NewLoader(conn, loaderConfig),
		views:      NewViewBuilder(conn, logger),
	}
}

// Load writes rows into table.
func (s *Store) Load(ctx context.Context, table feedback.TableSpec, rows []feedback.Row) (feedback.LoadResult, error) {
	return s.loader.Load(ctx, table, rows)
}

// BuildViews creates or replaces every read view.
func (s *Store) BuildViews(ctx context.Context) error {
	return s.views.Build(ctx)
}
