package feedback

// Policy decides what the loader does when a row's key already exists.
type Policy int

const (
	// InsertIfAbsent silently keeps the stored row.
	InsertIfAbsent Policy = iota

	// Replace overwrites the stored row with the incoming one.
	Replace
)

// String returns the string representation of the policy.
func (p Policy) String() string {
	switch p {
	case InsertIfAbsent:
		return "insert_if_absent"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// Row is a normalized tuple whose values follow its table's column order.
type Row interface {
	Values() []any
}

// TableSpec declares a target table for the loader.
type TableSpec struct {
	Name    string
	Columns []string
	Key     []string
	Policy  Policy

	// Touch names a timestamp column refreshed when Replace overwrites a row.
	Touch string
}

// Table specs for every table the pipeline writes.
var (
	TermsTable = TableSpec{
		Name:    "terms",
		Columns: []string{"term_id", "term_title"},
		Key:     []string{"term_id"},
	}

	CollegesTable = TableSpec{
		Name:    "colleges",
		Columns: []string{"college_id", "college_code", "college_name"},
		Key:     []string{"college_id"},
	}

	CoursesTable = TableSpec{
		Name:    "courses",
		Columns: []string{"course_id", "course_title", "course_code", "college_id", "term_id", "state"},
		Key:     []string{"course_id"},
	}

	LearningOutcomesTable = TableSpec{
		Name:    "learning_outcomes",
		Columns: []string{"outcome_id", "description", "name", "course_id"},
		Key:     []string{"outcome_id"},
	}

	OutcomeAssessmentsTable = TableSpec{
		Name: "outcome_assessments",
		Columns: []string{
			"assessment_id", "assignment_id", "comment", "created_on", "graded_blindly",
			"grader_user_id", "outcome_id", "score", "type", "target_group_id", "target_user_id",
		},
		Key: []string{"assessment_id"},
	}

	AssignmentsTable = TableSpec{
		Name:    "assignments_data",
		Columns: []string{"assignment_id", "section_id", "section_title", "assignment_title", "weight", "makeup_assignment"},
		Key:     []string{"assignment_id"},
	}

	CourseScoresTable = TableSpec{
		Name:    "course_scores",
		Columns: []string{"course_id", "term_id", "score"},
		Key:     []string{"course_id", "term_id"},
		Policy:  Replace,
		Touch:   "fetched_at",
	}
)

// Rows converts typed entities into loader rows.
func Rows[T Row](items []T) []Row {
	out := make([]Row, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

// LoadResult counts what happened to the rows of one load.
type LoadResult struct {
	// Inserted rows were new, or replaced for Replace tables.
	Inserted int `json:"inserted"`
	// Skipped rows already existed and were left untouched.
	Skipped int `json:"skipped"`
	// Failed rows hit a storage error and were rolled back individually.
	Failed int `json:"failed"`
}

// Add accumulates another result.
func (r *LoadResult) Add(o LoadResult) {
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}
