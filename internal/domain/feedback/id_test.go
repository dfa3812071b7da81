package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ID
	}{
		{"integer", "55", "55"},
		{"padded", "  55 ", "55"},
		{"leading zeros", "055", "55"},
		{"explicit sign", "+55", "55"},
		{"integral float", "55.0", "55"},
		{"exponent", "5.5e1", "55"},
		{"fractional float kept", "55.5", "55.5"},
		{"non-numeric kept", " abc-12 ", "abc-12"},
		{"empty", "", ""},
		{"blank", "   ", ""},
		{"null literal", "null", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalID(tt.in))
		})
	}
}

func TestCanonicalID_NumericAndStringAgree(t *testing.T) {
	// The assessments endpoint sends numbers, the assignment endpoint strings.
	assert.Equal(t, IDFromInt(55), CanonicalID("55"))
	assert.Equal(t, IDFromFloat(55), CanonicalID("55"))
	assert.Equal(t, CanonicalID("55.0"), IDFromFloat(55.0))
}

func TestIDFromFloat(t *testing.T) {
	assert.Equal(t, ID("7"), IDFromFloat(7))
	assert.Equal(t, ID("-3"), IDFromFloat(-3))
	assert.Equal(t, ID("0.25"), IDFromFloat(0.25))
}

func TestID_Nullable(t *testing.T) {
	assert.Nil(t, ID("").Nullable())
	assert.Equal(t, "9", ID("9").Nullable())
	assert.True(t, ID("").IsZero())
	assert.False(t, ID("0").IsZero())
}

func TestDistinctIDs(t *testing.T) {
	ids := []ID{"7", "7", "", "9", "7", "9", "11"}
	assert.Equal(t, []ID{"7", "9", "11"}, DistinctIDs(ids))
	assert.Empty(t, DistinctIDs(nil))
}

func TestOutcomeAssessment_TargetGroupOrUserID(t *testing.T) {
	assert.Equal(t, ID("g1"), OutcomeAssessment{TargetGroupID: "g1", TargetUserID: "u1"}.TargetGroupOrUserID())
	assert.Equal(t, ID("u1"), OutcomeAssessment{TargetUserID: "u1"}.TargetGroupOrUserID())
	assert.True(t, OutcomeAssessment{}.TargetGroupOrUserID().IsZero())
}

func TestRowValues_MatchTableColumns(t *testing.T) {
	cases := []struct {
		spec TableSpec
		row  Row
	}{
		{TermsTable, Term{}},
		{CollegesTable, College{}},
		{CoursesTable, Course{}},
		{LearningOutcomesTable, LearningOutcome{}},
		{OutcomeAssessmentsTable, OutcomeAssessment{}},
		{AssignmentsTable, AssignmentDetail{}},
		{CourseScoresTable, CourseScore{}},
	}

	for _, c := range cases {
		t.Run(c.spec.Name, func(t *testing.T) {
			assert.Len(t, c.row.Values(), len(c.spec.Columns))
			for _, key := range c.spec.Key {
				assert.Contains(t, c.spec.Columns, key)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	assert.Equal(t, Replace, CourseScoresTable.Policy)
	assert.Equal(t, InsertIfAbsent, AssignmentsTable.Policy)
	assert.Equal(t, "insert_if_absent", InsertIfAbsent.String())
	assert.Equal(t, "replace", Replace.String())
}

func TestLoadResult_Add(t *testing.T) {
	r := LoadResult{Inserted: 1}
	r.Add(LoadResult{Inserted: 2, Skipped: 3, Failed: 1})
	assert.Equal(t, LoadResult{Inserted: 3, Skipped: 3, Failed: 1}, r)
}
