package postgres

import (
	"context"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

// Dependency sets are always re-read from committed rows, never threaded
// through memory between stages.

const distinctTermIDsSQL = `
SELECT term_id::text
FROM courses
WHERE term_id IS NOT NULL AND term_id::text <> ''
GROUP BY term_id::text
ORDER BY term_id::text
`

const distinctAssignmentIDsSQL = `
SELECT assignment_id::text
FROM outcome_assessments
WHERE assignment_id IS NOT NULL AND assignment_id::text <> ''
GROUP BY assignment_id::text
ORDER BY MIN(seq)
`

// DistinctTermIDs returns each term referenced by a stored course once.
func (c *Connection) DistinctTermIDs(ctx context.Context) ([]feedback.ID, error) {
	return c.distinctIDs(ctx, "DistinctTermIDs", distinctTermIDsSQL)
}

// DistinctAssignmentIDs returns each assignment referenced by a stored
// assessment once, in first-seen order.
func (c *Connection) DistinctAssignmentIDs(ctx context.Context) ([]feedback.ID, error) {
	return c.distinctIDs(ctx, "DistinctAssignmentIDs", distinctAssignmentIDsSQL)
}

func (c *Connection) distinctIDs(ctx context.Context, op, query string) ([]feedback.ID, error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return nil, shared.WrapError("postgres", op, shared.ErrStorage, "query failed", err)
	}
	defer rows.Close()

	var raw []feedback.ID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, shared.WrapError("postgres", op, shared.ErrStorage, "scan failed", err)
		}
		raw = append(raw, feedback.CanonicalID(s))
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError("postgres", op, shared.ErrStorage, "iteration failed", err)
	}

	// Legacy rows may hold non-canonical text ("055"), so collapse again.
	return feedback.DistinctIDs(raw), nil
}

// CountRows returns the number of rows in a pipeline table.
func (c *Connection) CountRows(ctx context.Context, table feedback.TableSpec) (int64, error) {
	var n int64
	err := c.QueryRow(ctx, "SELECT count(*) FROM "+quoteIdent(table.Name)).Scan(&n)
	if err != nil {
		return 0, shared.WrapError("postgres", "CountRows", shared.ErrStorage, table.Name, err)
	}
	return n, nil
}
