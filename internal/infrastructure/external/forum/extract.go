package forum

import "github.com/feedbackhub/forum-feedback/internal/domain/feedback"

// Extraction is the result of mapping one forum record onto one row.
type Extraction[T any] struct {
	Row T

	// Defaulted lists wire fields that were absent or malformed and so fell
	// back to null.
	Defaulted []string

	// Skip is set when the record lacks its primary id. Callers drop the row
	// silently.
	Skip bool
}

// defaulted is implemented by every Flex field type.
type defaulted interface {
	Defaulted() bool
}

// fieldReport collects the names of defaulted fields.
type fieldReport []string

func (r *fieldReport) check(name string, f defaulted) {
	if f.Defaulted() {
		*r = append(*r, name)
	}
}

// ExtractTerm maps a terms element.
func ExtractTerm(dto TermDTO) Extraction[feedback.Term] {
	var rep fieldReport
	rep.check("title", dto.Title)

	return Extraction[feedback.Term]{
		Row:       feedback.Term{ID: dto.ID.Value, Title: dto.Title.Value},
		Defaulted: rep,
		Skip:      dto.ID.Value.IsZero(),
	}
}

// ExtractCollege maps a colleges element.
func ExtractCollege(dto CollegeDTO) Extraction[feedback.College] {
	var rep fieldReport
	rep.check("code", dto.Code)
	rep.check("name", dto.Name)

	return Extraction[feedback.College]{
		Row:       feedback.College{ID: dto.ID.Value, Code: dto.Code.Value, Name: dto.Name.Value},
		Defaulted: rep,
		Skip:      dto.ID.Value.IsZero(),
	}
}

// ExtractCourse maps the course object of a learning-outcome tree. Trees
// without a course are skipped.
func ExtractCourse(tree LearningOutcomeTreeDTO) Extraction[feedback.Course] {
	if tree.Course == nil {
		return Extraction[feedback.Course]{Skip: true, Defaulted: []string{"course"}}
	}

	c := tree.Course
	var rep fieldReport
	rep.check("course.title", c.Title)
	rep.check("course.course-code", c.CourseCode)
	rep.check("course.term", c.Term)
	rep.check("course.state", c.State)
	rep.check("course.college", c.College)

	return Extraction[feedback.Course]{
		Row: feedback.Course{
			ID:        c.ID.Value,
			Title:     c.Title.Value,
			Code:      c.CourseCode.Value,
			CollegeID: c.College.Value,
			TermID:    c.Term.Value,
			State:     c.State.Value,
		},
		Defaulted: rep,
		Skip:      c.ID.Value.IsZero(),
	}
}

// ExtractLearningOutcomes flattens course objectives into one row per outcome.
// An outcome without its own course id inherits the tree's course.
func ExtractLearningOutcomes(tree LearningOutcomeTreeDTO) []Extraction[feedback.LearningOutcome] {
	var treeCourse feedback.ID
	if tree.Course != nil {
		treeCourse = tree.Course.ID.Value
	}

	var out []Extraction[feedback.LearningOutcome]
	for _, objective := range tree.CourseObjectives {
		for _, lo := range objective.LearningOutcomes {
			var rep fieldReport
			rep.check("description", lo.Description)
			rep.check("name", lo.Name)
			rep.check("course-id", lo.CourseID)

			courseID := lo.CourseID.Value
			if courseID.IsZero() {
				courseID = treeCourse
			}

			out = append(out, Extraction[feedback.LearningOutcome]{
				Row: feedback.LearningOutcome{
					ID:          lo.ID.Value,
					Description: lo.Description.Value,
					Name:        lo.Name.Value,
					CourseID:    courseID,
				},
				Defaulted: rep,
				Skip:      lo.ID.Value.IsZero(),
			})
		}
	}
	return out
}

// ExtractOutcomeAssessment maps an outcome-assessments element.
func ExtractOutcomeAssessment(dto OutcomeAssessmentDTO) Extraction[feedback.OutcomeAssessment] {
	var rep fieldReport
	rep.check("assignment-id", dto.AssignmentID)
	rep.check("comment", dto.Comment)
	rep.check("created-on", dto.CreatedOn)
	rep.check("graded-blindly", dto.GradedBlindly)
	rep.check("grader-user-id", dto.GraderUserID)
	rep.check("learning-outcome", dto.LearningOutcome)
	rep.check("score", dto.Score)
	rep.check("type", dto.Type)

	// Exactly one target is normally present, so only report when both are missing.
	if dto.TargetAssignmentGroupID.Value.IsZero() && dto.TargetUserID.Value.IsZero() {
		rep.check("target-assignment-group-id", dto.TargetAssignmentGroupID)
		rep.check("target-user-id", dto.TargetUserID)
	}

	return Extraction[feedback.OutcomeAssessment]{
		Row: feedback.OutcomeAssessment{
			ID:            dto.ID.Value,
			AssignmentID:  dto.AssignmentID.Value,
			Comment:       dto.Comment.Value,
			CreatedOn:     dto.CreatedOn.Value,
			GradedBlindly: dto.GradedBlindly.Value,
			GraderUserID:  dto.GraderUserID.Value,
			OutcomeID:     dto.LearningOutcome.Value,
			Score:         dto.Score.Value,
			Type:          dto.Type.Value,
			TargetGroupID: dto.TargetAssignmentGroupID.Value,
			TargetUserID:  dto.TargetUserID.Value,
		},
		Defaulted: rep,
		Skip:      dto.ID.Value.IsZero(),
	}
}

// ExtractAssignmentDetail maps an assignment detail response.
func ExtractAssignmentDetail(dto AssignmentDetailDTO) Extraction[feedback.AssignmentDetail] {
	var rep fieldReport
	rep.check("section-id", dto.SectionID)
	rep.check("section-title", dto.SectionTitle)
	rep.check("title", dto.Title)
	rep.check("weight", dto.Weight)
	rep.check("makeup-assignment", dto.MakeupAssignment)

	return Extraction[feedback.AssignmentDetail]{
		Row: feedback.AssignmentDetail{
			AssignmentID:     dto.ID.Value,
			SectionID:        dto.SectionID.Value,
			SectionTitle:     dto.SectionTitle.Value,
			Title:            dto.Title.Value,
			Weight:           dto.Weight.Value,
			MakeupAssignment: dto.MakeupAssignment.Value,
		},
		Defaulted: rep,
		Skip:      dto.ID.Value.IsZero(),
	}
}

// ExtractCourseScore maps an index item of a term. Items without a course or
// without a mean are skipped.
func ExtractCourseScore(termID feedback.ID, item OutcomeIndexItemDTO) Extraction[feedback.CourseScore] {
	var rep fieldReport
	rep.check("course", item.Course)
	rep.check("mean", item.Mean)

	if item.Course.Value.IsZero() || item.Mean.Value == nil || termID.IsZero() {
		return Extraction[feedback.CourseScore]{Defaulted: rep, Skip: true}
	}

	return Extraction[feedback.CourseScore]{
		Row: feedback.CourseScore{
			CourseID: item.Course.Value,
			TermID:   termID,
			Score:    *item.Mean.Value,
		},
		Defaulted: rep,
	}
}
