package feedback

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// ROOT ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// Term is an academic term. Immutable once stored.
type Term struct {
	ID    ID
	Title *string
}

// College is a forum college. Immutable once stored.
type College struct {
	ID   ID
	Code *string
	Name *string
}

// Course is extracted from a learning-outcome tree.
// TermID and CollegeID are weak references.
type Course struct {
	ID        ID
	Title     *string
	Code      *string
	CollegeID ID
	TermID    ID
	State     *string
}

// LearningOutcome is a course-scoped competency. The objective grouping of the
// outcome tree is flattened away.
type LearningOutcome struct {
	ID          ID
	Description *string
	Name        *string
	CourseID    ID
}

// OutcomeAssessment is one scored or commented evaluation against a learning
// outcome. It is the root entity of the assignment-detail dependency chain.
type OutcomeAssessment struct {
	ID            ID
	AssignmentID  ID
	Comment       *string
	CreatedOn     *time.Time
	GradedBlindly *bool
	GraderUserID  ID
	OutcomeID     ID
	Score         *float64
	Type          *string
	TargetGroupID ID
	TargetUserID  ID
}

// TargetGroupOrUserID returns the assessed group, or the assessed user when the
// assessment targets an individual.
func (a OutcomeAssessment) TargetGroupOrUserID() ID {
	if !a.TargetGroupID.IsZero() {
		return a.TargetGroupID
	}
	return a.TargetUserID
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENT ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// AssignmentDetail is fetched lazily, one call per distinct assignment id.
// MakeupAssignment holds the nested makeup object serialized as stable JSON text.
type AssignmentDetail struct {
	AssignmentID     ID
	SectionID        ID
	SectionTitle     *string
	Title            *string
	Weight           *float64
	MakeupAssignment *string
}

// CourseScore is the mean index score of a course in a term.
// Unlike every other entity it is replaced on re-fetch.
type CourseScore struct {
	CourseID ID
	TermID   ID
	Score    float64
}

// ══════════════════════════════════════════════════════════════════════════════
// ROW TUPLES
// ══════════════════════════════════════════════════════════════════════════════

// Values returns the row tuple in TermsTable column order.
func (t Term) Values() []any {
	return []any{t.ID.Nullable(), t.Title}
}

// Values returns the row tuple in CollegesTable column order.
func (c College) Values() []any {
	return []any{c.ID.Nullable(), c.Code, c.Name}
}

// Values returns the row tuple in CoursesTable column order.
func (c Course) Values() []any {
	return []any{c.ID.Nullable(), c.Title, c.Code, c.CollegeID.Nullable(), c.TermID.Nullable(), c.State}
}

// Values returns the row tuple in LearningOutcomesTable column order.
func (o LearningOutcome) Values() []any {
	return []any{o.ID.Nullable(), o.Description, o.Name, o.CourseID.Nullable()}
}

// Values returns the row tuple in OutcomeAssessmentsTable column order.
func (a OutcomeAssessment) Values() []any {
	return []any{
		a.ID.Nullable(),
		a.AssignmentID.Nullable(),
		a.Comment,
		a.CreatedOn,
		a.GradedBlindly,
		a.GraderUserID.Nullable(),
		a.OutcomeID.Nullable(),
		a.Score,
		a.Type,
		a.TargetGroupID.Nullable(),
		a.TargetUserID.Nullable(),
	}
}

// Values returns the row tuple in AssignmentsTable column order.
func (d AssignmentDetail) Values() []any {
	return []any{d.AssignmentID.Nullable(), d.SectionID.Nullable(), d.SectionTitle, d.Title, d.Weight, d.MakeupAssignment}
}

// Values returns the row tuple in CourseScoresTable column order.
func (s CourseScore) Values() []any {
	return []any{s.CourseID.Nullable(), s.TermID.Nullable(), s.Score}
}
