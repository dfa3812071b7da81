package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

// GroupBy selects how comments are grouped for the summarizer.
type GroupBy string

const (
	// GroupByOutcome groups comments by learning outcome name.
	GroupByOutcome GroupBy = "outcome"
	// GroupByAssignment groups comments by assignment id.
	GroupByAssignment GroupBy = "assignment"
)

// CommentGroup is the free-text feedback of one outcome or assignment.
type CommentGroup struct {
	Key         string
	OutcomeID   string // empty when grouped by assignment
	Description string // outcome description, empty when unknown
	Comments    []string
}

// CommentReader is the read-only query the external summarizer consumes.
type CommentReader struct {
	conn *Connection
}

// NewCommentReader creates a new CommentReader.
func NewCommentReader(conn *Connection) *CommentReader {
	return &CommentReader{conn: conn}
}

const commentsByOutcomeSQL = `
SELECT s.outcome_name,
       MIN(s.outcome_id),
       COALESCE(MIN(lo.description), ''),
       array_agg(s.comment ORDER BY s.created_on NULLS LAST, s.assessment_id)
FROM all_scores s
LEFT JOIN learning_outcomes lo ON lo.outcome_id::text = s.outcome_id
WHERE s.comment IS NOT NULL AND btrim(s.comment) <> '' AND s.outcome_name IS NOT NULL
GROUP BY s.outcome_name
ORDER BY s.outcome_name
`

const commentsByAssignmentSQL = `
SELECT s.assignment_id,
       '',
       '',
       array_agg(s.comment ORDER BY s.created_on NULLS LAST, s.assessment_id)
FROM all_scores s
WHERE s.comment IS NOT NULL AND btrim(s.comment) <> '' AND s.assignment_id IS NOT NULL
GROUP BY s.assignment_id
ORDER BY s.assignment_id
`

// GroupedComments returns non-empty comments grouped by outcome or assignment.
// A limit of zero or less returns every group.
func (r *CommentReader) GroupedComments(ctx context.Context, by GroupBy, limit int) ([]CommentGroup, error) {
	var query string
	switch by {
	case GroupByOutcome, "":
		query = commentsByOutcomeSQL
	case GroupByAssignment:
		query = commentsByAssignmentSQL
	default:
		return nil, fmt.Errorf("unknown comment grouping %q", by)
	}

	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	var groups []CommentGroup
	err := r.conn.WithTx(ctx, ReadOnlyTxOptions(), func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var g CommentGroup
			if err := rows.Scan(&g.Key, &g.OutcomeID, &g.Description, &g.Comments); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			groups = append(groups, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, shared.WrapError("comments", "GroupedComments", shared.ErrStorage, "read failed", err)
	}
	return groups, nil
}
