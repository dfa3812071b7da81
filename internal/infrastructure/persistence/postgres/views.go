package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/feedbackhub/forum-feedback/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// READ VIEWS
// ══════════════════════════════════════════════════════════════════════════════

// ViewDefinition is one named read view.
type ViewDefinition struct {
	Name string
	SQL  string
}

// scoreColumns is shared by assignment_scores and all_scores. Every join
// compares identifiers as text so integer columns in older databases still match.
const scoreColumns = `
    oa.assessment_id::text                              AS assessment_id,
    oa.assignment_id::text                              AS assignment_id,
    oa.outcome_id::text                                 AS outcome_id,
    lo.name                                             AS outcome_name,
    ad.assignment_title                                 AS assignment_title,
    ad.section_title                                    AS section_title,
    ad.weight                                           AS weight,
    c.course_id::text                                   AS course_id,
    c.course_title                                      AS course_title,
    c.course_code                                       AS course_code,
    t.term_id::text                                     AS term_id,
    t.term_title                                        AS term_title,
    c.college_id::text                                  AS college_id,
    oa.score                                            AS score,
    oa.comment                                          AS comment,
    oa.created_on                                       AS created_on,
    oa.grader_user_id::text                             AS grader_user_id,
    oa.type                                             AS type,
    COALESCE(oa.target_group_id::text, oa.target_user_id::text) AS target_group_or_user_id`

// Views lists the read views in creation order.
var Views = []ViewDefinition{
	{
		Name: "assignment_scores",
		SQL: `CREATE VIEW assignment_scores AS
SELECT` + scoreColumns + `
FROM outcome_assessments oa
JOIN assignments_data ad ON ad.assignment_id::text = oa.assignment_id::text
LEFT JOIN learning_outcomes lo ON lo.outcome_id::text = oa.outcome_id::text
LEFT JOIN courses c ON c.course_id::text = lo.course_id::text
LEFT JOIN terms t ON t.term_id::text = c.term_id::text`,
	},
	{
		Name: "all_scores",
		SQL: `CREATE VIEW all_scores AS
SELECT` + scoreColumns + `
FROM outcome_assessments oa
LEFT JOIN assignments_data ad ON ad.assignment_id::text = oa.assignment_id::text
LEFT JOIN learning_outcomes lo ON lo.outcome_id::text = oa.outcome_id::text
LEFT JOIN courses c ON c.course_id::text = lo.course_id::text
LEFT JOIN terms t ON t.term_id::text = c.term_id::text`,
	},
	{
		Name: "course_score_summary",
		SQL: `CREATE VIEW course_score_summary AS
SELECT
    cs.course_id::text AS course_id,
    c.course_title     AS course_title,
    c.course_code      AS course_code,
    cs.term_id::text   AS term_id,
    t.term_title       AS term_title,
    c.college_id::text AS college_id,
    cs.score           AS score,
    cs.fetched_at      AS fetched_at
FROM course_scores cs
LEFT JOIN courses c ON c.course_id::text = cs.course_id::text
LEFT JOIN terms t ON t.term_id::text = cs.term_id::text`,
	},
}

// ViewBuilder drops and recreates the read views.
type ViewBuilder struct {
	conn   *Connection
	views  []ViewDefinition
	logger *slog.Logger
}

// NewViewBuilder creates a ViewBuilder for the standard views.
func NewViewBuilder(conn *Connection, logger *slog.Logger) *ViewBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewBuilder{conn: conn, views: Views, logger: logger}
}

// Build redefines every view in one transaction. Each view is dropped and
// created again, so an older definition with other columns or types is
// replaced too. Any failure rolls back all of them and is returned as a
// storage error; a missing view has no useful partial state.
func (b *ViewBuilder) Build(ctx context.Context) error {
	err := b.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		for i := len(b.views) - 1; i >= 0; i-- {
			name := b.views[i].Name
			if _, err := tx.Exec(ctx, "DROP VIEW IF EXISTS "+quoteIdent(name)+" CASCADE"); err != nil {
				return fmt.Errorf("drop view %s: %w", name, err)
			}
		}
		for _, v := range b.views {
			if _, err := tx.Exec(ctx, v.SQL); err != nil {
				return fmt.Errorf("view %s: %w", v.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return shared.WrapError("views", "Build", shared.ErrStorage, "view definition failed", err)
	}

	b.logger.Info("views rebuilt", "count", len(b.views))
	return nil
}

// ViewNames returns the names of the views the builder maintains.
func (b *ViewBuilder) ViewNames() []string {
	names := make([]string, len(b.views))
	for i, v := range b.views {
		names[i] = v.Name
	}
	return names
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
