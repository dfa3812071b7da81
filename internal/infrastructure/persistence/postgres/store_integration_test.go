package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
)

// =============================================================================
// Test environment
// =============================================================================

// testDB connects to FEEDBACK_TEST_DATABASE_URL inside a throwaway schema.
func testDB(t *testing.T) *Connection {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("FEEDBACK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FEEDBACK_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	admin, err := NewConnection(ctx, Config{URL: dsn, MaxConns: 1, Logger: quiet})
	require.NoError(t, err)

	schema := "feedback_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+quoteIdent(schema))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+quoteIdent(schema)+" CASCADE")
		admin.Close()
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	conn, err := NewConnection(ctx, Config{URL: u.String(), MaxConns: 2, Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	return conn
}

func testLoader(conn *Connection) *Loader {
	return NewLoader(conn, LoaderConfig{
		BatchSize:    2,
		QueryTimeout: 10 * time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func strp(s string) *string        { return &s }
func f64p(f float64) *float64      { return &f }
func timep(t time.Time) *time.Time { return &t }

// =============================================================================
// Loader
// =============================================================================

func TestLoad_Idempotent(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	rows := feedback.Rows([]feedback.OutcomeAssessment{
		{ID: "1", AssignmentID: "7", Score: f64p(3)},
		{ID: "2", AssignmentID: "7", Comment: strp("ok")},
		{ID: "3", AssignmentID: "9", CreatedOn: timep(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
	})

	first, err := loader.Load(ctx, feedback.OutcomeAssessmentsTable, rows)
	require.NoError(t, err)
	assert.Equal(t, feedback.LoadResult{Inserted: 3}, first)

	second, err := loader.Load(ctx, feedback.OutcomeAssessmentsTable, rows)
	require.NoError(t, err)
	assert.Equal(t, feedback.LoadResult{Skipped: 3}, second)

	n, err := conn.CountRows(ctx, feedback.OutcomeAssessmentsTable)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLoad_InsertIfAbsentKeepsStoredValues(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	_, err := loader.Load(ctx, feedback.TermsTable, feedback.Rows([]feedback.Term{{ID: "5", Title: strp("Fall")}}))
	require.NoError(t, err)
	_, err = loader.Load(ctx, feedback.TermsTable, feedback.Rows([]feedback.Term{{ID: "5", Title: strp("Changed")}}))
	require.NoError(t, err)

	var title string
	require.NoError(t, conn.QueryRow(ctx, "SELECT term_title FROM terms WHERE term_id = '5'").Scan(&title))
	assert.Equal(t, "Fall", title)
}

func TestLoad_CourseScoreUpsert(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	_, err := loader.Load(ctx, feedback.CourseScoresTable,
		feedback.Rows([]feedback.CourseScore{{CourseID: "1", TermID: "5", Score: 3.0}}))
	require.NoError(t, err)

	res, err := loader.Load(ctx, feedback.CourseScoresTable,
		feedback.Rows([]feedback.CourseScore{{CourseID: "1", TermID: "5", Score: 4.2}}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	var count int
	var score float64
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*), max(score) FROM course_scores").Scan(&count, &score))
	assert.Equal(t, 1, count)
	assert.Equal(t, 4.2, score)
}

func TestLoad_BadRowIsIsolated(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	// course_scores.term_id is NOT NULL, so the middle row fails alone.
	rows := feedback.Rows([]feedback.CourseScore{
		{CourseID: "1", TermID: "5", Score: 1},
		{CourseID: "2", Score: 2},
		{CourseID: "3", TermID: "5", Score: 3},
	})

	res, err := loader.Load(ctx, feedback.CourseScoresTable, rows)
	require.NoError(t, err)
	assert.Equal(t, feedback.LoadResult{Inserted: 2, Failed: 1}, res)

	n, err := conn.CountRows(ctx, feedback.CourseScoresTable)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// =============================================================================
// Dependency queries
// =============================================================================

func TestDistinctAssignmentIDs_FirstSeenOrder(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	_, err := loader.Load(ctx, feedback.OutcomeAssessmentsTable, feedback.Rows([]feedback.OutcomeAssessment{
		{ID: "1", AssignmentID: "9"},
		{ID: "2", AssignmentID: "7"},
		{ID: "3", AssignmentID: "9"},
		{ID: "4", AssignmentID: "7"},
		{ID: "5"},
	}))
	require.NoError(t, err)

	ids, err := conn.DistinctAssignmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []feedback.ID{"9", "7"}, ids)
}

func TestDistinctTermIDs(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	_, err := loader.Load(ctx, feedback.CoursesTable, feedback.Rows([]feedback.Course{
		{ID: "1", TermID: "5"},
		{ID: "2", TermID: "5"},
		{ID: "3", TermID: "6"},
		{ID: "4"},
	}))
	require.NoError(t, err)

	ids, err := conn.DistinctTermIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []feedback.ID{"5", "6"}, ids)
}

// =============================================================================
// Views
// =============================================================================

func loadScenario(t *testing.T, conn *Connection) {
	t.Helper()
	ctx := context.Background()
	loader := testLoader(conn)

	steps := []struct {
		table feedback.TableSpec
		rows  []feedback.Row
	}{
		{feedback.TermsTable, feedback.Rows([]feedback.Term{{ID: "5", Title: strp("Fall")}})},
		{feedback.CoursesTable, feedback.Rows([]feedback.Course{{ID: "1", Title: strp("CS101"), TermID: "5"}})},
		{feedback.LearningOutcomesTable, feedback.Rows([]feedback.LearningOutcome{{ID: "2", Name: strp("Clarity"), CourseID: "1"}})},
		{feedback.OutcomeAssessmentsTable, feedback.Rows([]feedback.OutcomeAssessment{
			{ID: "100", AssignmentID: "55", OutcomeID: "2", Score: f64p(4), Comment: strp("good")},
		})},
		{feedback.AssignmentsTable, feedback.Rows([]feedback.AssignmentDetail{{AssignmentID: "55", Title: strp("Essay1")}})},
	}
	for _, s := range steps {
		_, err := loader.Load(ctx, s.table, s.rows)
		require.NoError(t, err, s.table.Name)
	}
}

func TestViews_EndToEndRow(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loadScenario(t, conn)

	builder := NewViewBuilder(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, builder.Build(ctx))
	require.NoError(t, builder.Build(ctx), "rebuilding must be idempotent")

	var (
		outcomeName, assignmentTitle, courseTitle, termTitle, comment string
		score                                                         float64
		count                                                         int
	)
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM assignment_scores").Scan(&count))
	assert.Equal(t, 1, count)

	err := conn.QueryRow(ctx, `
		SELECT outcome_name, assignment_title, course_title, term_title, score, comment
		FROM assignment_scores`).Scan(&outcomeName, &assignmentTitle, &courseTitle, &termTitle, &score, &comment)
	require.NoError(t, err)
	assert.Equal(t, "Clarity", outcomeName)
	assert.Equal(t, "Essay1", assignmentTitle)
	assert.Equal(t, "CS101", courseTitle)
	assert.Equal(t, "Fall", termTitle)
	assert.Equal(t, 4.0, score)
	assert.Equal(t, "good", comment)
}

func TestViews_JoinTolerance(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loader := testLoader(conn)

	// Course points at a term that never arrives; assessment has no detail.
	_, err := loader.Load(ctx, feedback.CoursesTable, feedback.Rows([]feedback.Course{{ID: "1", Title: strp("CS101"), TermID: "404"}}))
	require.NoError(t, err)
	_, err = loader.Load(ctx, feedback.LearningOutcomesTable, feedback.Rows([]feedback.LearningOutcome{{ID: "2", CourseID: "1"}}))
	require.NoError(t, err)
	_, err = loader.Load(ctx, feedback.OutcomeAssessmentsTable, feedback.Rows([]feedback.OutcomeAssessment{{ID: "100", AssignmentID: "55", OutcomeID: "2"}}))
	require.NoError(t, err)
	require.NoError(t, NewViewBuilder(conn, nil).Build(ctx))

	var courses int
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM courses WHERE course_id = '1'").Scan(&courses))
	assert.Equal(t, 1, courses)

	var courseTitle string
	var termTitle *string
	require.NoError(t, conn.QueryRow(ctx, "SELECT course_title, term_title FROM all_scores").Scan(&courseTitle, &termTitle))
	assert.Equal(t, "CS101", courseTitle)
	assert.Nil(t, termTitle)

	var inner int
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM assignment_scores").Scan(&inner))
	assert.Equal(t, 0, inner)
}

func TestViews_IntegerAssignmentIDStillJoins(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()

	// An older database stored assessments with an integer assignment_id.
	_, err := conn.Exec(ctx, `
		CREATE TABLE outcome_assessments (
			assessment_id BIGINT PRIMARY KEY,
			assignment_id BIGINT,
			comment TEXT,
			created_on TIMESTAMPTZ,
			graded_blindly BOOLEAN,
			grader_user_id BIGINT,
			outcome_id BIGINT,
			score DOUBLE PRECISION,
			type TEXT,
			target_group_id BIGINT,
			target_user_id BIGINT,
			seq BIGSERIAL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `INSERT INTO outcome_assessments (assessment_id, assignment_id, score) VALUES (100, 55, 4)`)
	require.NoError(t, err)

	require.NoError(t, conn.EnsureSchema(ctx))
	_, err = testLoader(conn).Load(ctx, feedback.AssignmentsTable,
		feedback.Rows([]feedback.AssignmentDetail{{AssignmentID: feedback.CanonicalID("55"), Title: strp("Essay1")}}))
	require.NoError(t, err)
	require.NoError(t, NewViewBuilder(conn, nil).Build(ctx))

	var title string
	require.NoError(t, conn.QueryRow(ctx, "SELECT assignment_title FROM assignment_scores WHERE assignment_id = '55'").Scan(&title))
	assert.Equal(t, "Essay1", title)

	ids, err := conn.DistinctAssignmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []feedback.ID{"55"}, ids)
}

func TestViews_ReplacesViewWithOtherColumns(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loadScenario(t, conn)

	// A view left behind by an older release, with integer ids and fewer columns.
	_, err := conn.Exec(ctx, `
		CREATE VIEW assignment_scores AS
		SELECT 1::bigint AS assignment_id, 2.0::double precision AS score`)
	require.NoError(t, err)

	require.NoError(t, NewViewBuilder(conn, nil).Build(ctx))

	var assignmentID, outcomeName string
	require.NoError(t, conn.QueryRow(ctx,
		"SELECT assignment_id, outcome_name FROM assignment_scores").Scan(&assignmentID, &outcomeName))
	assert.Equal(t, "55", assignmentID)
	assert.Equal(t, "Clarity", outcomeName)
}

// =============================================================================
// Journal and comments
// =============================================================================

func TestRunJournal_Lifecycle(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	journal := NewRunJournal(conn)

	last, err := journal.LastRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	runID := uuid.New()
	require.NoError(t, journal.Start(ctx, runID, "abcd"))
	require.NoError(t, journal.Finish(ctx, runID, map[string]int{"assignments": 2}, errors.New("boom")))

	last, err = journal.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, runID, last.RunID)
	assert.Equal(t, RunStatusFailed, last.Status)
	assert.Equal(t, "abcd", last.CredentialFingerprint)
	assert.JSONEq(t, `{"assignments": 2}`, string(last.Stats))
	require.NotNil(t, last.Error)
	assert.Equal(t, "boom", *last.Error)
	assert.NotNil(t, last.FinishedAt)

	err = journal.Finish(ctx, uuid.New(), nil, nil)
	assert.Error(t, err)
}

func TestCommentReader_GroupedComments(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	require.NoError(t, conn.EnsureSchema(ctx))
	loadScenario(t, conn)

	_, err := testLoader(conn).Load(ctx, feedback.OutcomeAssessmentsTable, feedback.Rows([]feedback.OutcomeAssessment{
		{ID: "101", AssignmentID: "55", OutcomeID: "2", Comment: strp("clear thesis")},
		{ID: "102", AssignmentID: "56", OutcomeID: "2", Comment: strp("  ")},
	}))
	require.NoError(t, err)
	require.NoError(t, NewViewBuilder(conn, nil).Build(ctx))

	reader := NewCommentReader(conn)
	groups, err := reader.GroupedComments(ctx, GroupByOutcome, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Clarity", groups[0].Key)
	assert.Equal(t, "2", groups[0].OutcomeID)
	assert.ElementsMatch(t, []string{"good", "clear thesis"}, groups[0].Comments)

	byAssignment, err := reader.GroupedComments(ctx, GroupByAssignment, 10)
	require.NoError(t, err)
	require.Len(t, byAssignment, 1)
	assert.Equal(t, "55", byAssignment[0].Key)

	_, err = reader.GroupedComments(ctx, GroupBy("nope"), 0)
	assert.Error(t, err)
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	conn := testDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.EnsureSchema(ctx), fmt.Sprintf("attempt %d", i+1))
	}
}
