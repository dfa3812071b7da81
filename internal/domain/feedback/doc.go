// Package feedback contains the normalized model of the forum's academic feedback data.
//
// The package defines:
//
//   - Entities: Term, College, Course, LearningOutcome, OutcomeAssessment,
//     AssignmentDetail, CourseScore
//   - Value objects: ID (canonical external identifier)
//   - Table specs: the declarative description of every table the loader writes
//
// # Identifiers
//
// The forum API is not consistent about identifier types: assignment ids arrive
// as JSON numbers from the outcome-assessments endpoint and as strings from the
// assignment detail endpoint. Every identifier is therefore normalized to a single
// canonical text form before it reaches storage:
//
//	CanonicalID("55")   // "55"
//	CanonicalID(" 055") // "55"
//	CanonicalID("55.0") // "55"
//	CanonicalID("abc")  // "abc"
//
// # Weak references
//
// Course.TermID, Course.CollegeID, LearningOutcome.CourseID and
// OutcomeAssessment.OutcomeID are forward references. They are never validated
// at insert time; the views simply yield NULL when the target never arrives.
//
// # Lifecycle
//
// All tables are append-only with insert-if-absent semantics keyed by their
// natural id, except course_scores which is replaced on every re-fetch.
package feedback
