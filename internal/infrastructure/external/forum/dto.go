package forum

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
)

// ══════════════════════════════════════════════════════════════════════════════
// TOLERANT FIELD TYPES
// ══════════════════════════════════════════════════════════════════════════════
//
// The forum is inconsistent about types (an id is a number on one endpoint and
// a string on another), so every DTO field is decoded into one of the types
// below. They never fail to decode; instead they remember whether the key was
// present and whether its value could be interpreted.

// fieldState is shared by all Flex types.
type fieldState struct {
	// Present is true when the key exists in the record (even if null).
	Present bool

	// Malformed is true when the value had an unusable type.
	Malformed bool
}

// Defaulted reports whether the field fell back to its zero value because the
// key was absent or its value malformed.
func (s fieldState) Defaulted() bool {
	return !s.Present || s.Malformed
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// FlexID decodes a number or string identifier into its canonical form.
type FlexID struct {
	fieldState
	Value feedback.ID
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(raw []byte) error {
	*f = decodeID(raw, true)
	return nil
}

func decodeID(raw json.RawMessage, present bool) FlexID {
	f := FlexID{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			f.Malformed = true
			return f
		}
		f.Value = feedback.CanonicalID(s)
	case '{', '[', 't', 'f':
		f.Malformed = true
	default:
		f.Value = feedback.CanonicalID(string(raw))
	}
	return f
}

// FlexFloat decodes a number or numeric string.
type FlexFloat struct {
	fieldState
	Value *float64
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(raw []byte) error {
	*f = decodeFloat(raw, true)
	return nil
}

func decodeFloat(raw json.RawMessage, present bool) FlexFloat {
	f := FlexFloat{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			f.Malformed = true
			return f
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return f
		}
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		f.Malformed = true
		return f
	}
	f.Value = &v
	return f
}

// FlexString decodes a string. Numbers and booleans are kept as their JSON text.
type FlexString struct {
	fieldState
	Value *string
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(raw []byte) error {
	*f = decodeString(raw, true)
	return nil
}

func decodeString(raw json.RawMessage, present bool) FlexString {
	f := FlexString{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			f.Malformed = true
			return f
		}
		f.Value = &s
	case '{', '[':
		f.Malformed = true
	default:
		s := string(raw)
		f.Value = &s
	}
	return f
}

// FlexBool decodes a boolean, 0/1, or "true"/"false".
type FlexBool struct {
	fieldState
	Value *bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexBool) UnmarshalJSON(raw []byte) error {
	*f = decodeBool(raw, true)
	return nil
}

func decodeBool(raw json.RawMessage, present bool) FlexBool {
	f := FlexBool{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			f.Malformed = true
			return f
		}
	}

	v, err := strconv.ParseBool(strings.TrimSpace(text))
	if err != nil {
		f.Malformed = true
		return f
	}
	f.Value = &v
	return f
}

// timeLayouts are tried in order when parsing timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// FlexTime decodes a timestamp string. Values without a zone are taken as UTC.
type FlexTime struct {
	fieldState
	Value *time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexTime) UnmarshalJSON(raw []byte) error {
	*f = decodeTime(raw, true)
	return nil
}

func decodeTime(raw json.RawMessage, present bool) FlexTime {
	f := FlexTime{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		f.Malformed = true
		return f
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return f
	}

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			f.Value = &t
			return f
		}
	}
	f.Malformed = true
	return f
}

// FlexJSON keeps a nested value as stable text: objects are re-serialized with
// sorted keys, strings are kept verbatim.
type FlexJSON struct {
	fieldState
	Value *string
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexJSON) UnmarshalJSON(raw []byte) error {
	*f = decodeJSON(raw, true)
	return nil
}

func decodeJSON(raw json.RawMessage, present bool) FlexJSON {
	f := FlexJSON{fieldState: fieldState{Present: present}}
	raw = bytes.TrimSpace(raw)
	if !present || isNull(raw) {
		return f
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			f.Malformed = true
			return f
		}
		f.Value = &s
		return f
	}

	s, err := StableJSON(raw)
	if err != nil {
		f.Malformed = true
		return f
	}
	f.Value = &s
	return f
}

// StableJSON re-encodes a JSON value compactly with object keys sorted.
// Numbers keep their original text.
func StableJSON(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RECORD PARSING
// ══════════════════════════════════════════════════════════════════════════════

// record is one JSON object from the forum, keyed by wire name.
type record map[string]json.RawMessage

func parseRecord(raw []byte) (record, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r == nil {
		r = record{}
	}
	return r, nil
}

// lookup returns the first present key among aliases.
func (r record) lookup(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func (r record) id(keys ...string) FlexID {
	raw, ok := r.lookup(keys...)
	return decodeID(raw, ok)
}

func (r record) float(keys ...string) FlexFloat {
	raw, ok := r.lookup(keys...)
	return decodeFloat(raw, ok)
}

func (r record) str(keys ...string) FlexString {
	raw, ok := r.lookup(keys...)
	return decodeString(raw, ok)
}

func (r record) boolean(keys ...string) FlexBool {
	raw, ok := r.lookup(keys...)
	return decodeBool(raw, ok)
}

func (r record) time(keys ...string) FlexTime {
	raw, ok := r.lookup(keys...)
	return decodeTime(raw, ok)
}

func (r record) nested(keys ...string) FlexJSON {
	raw, ok := r.lookup(keys...)
	return decodeJSON(raw, ok)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE DTOs
// ══════════════════════════════════════════════════════════════════════════════

// TermDTO is one element of GET terms.
type TermDTO struct {
	ID    FlexID
	Title FlexString
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *TermDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.Title = r.str("title")
	return nil
}

// CollegeDTO is one element of GET colleges.
type CollegeDTO struct {
	ID   FlexID
	Code FlexString
	Name FlexString
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *CollegeDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.Code = r.str("code")
	d.Name = r.str("name")
	return nil
}

// CourseDTO is the "course" object of a learning-outcome tree.
type CourseDTO struct {
	ID         FlexID
	Title      FlexString
	CourseCode FlexString
	Term       FlexID
	State      FlexString
	College    FlexID
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *CourseDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.Title = r.str("title")
	d.CourseCode = r.str("course-code", "course_code", "code")
	d.Term = r.id("term", "term-id", "term_id")
	d.State = r.str("state")
	d.College = r.id("college", "college-id", "college_id")
	return nil
}

// LearningOutcomeDTO is one outcome inside a course objective.
type LearningOutcomeDTO struct {
	ID          FlexID
	Description FlexString
	Name        FlexString
	CourseID    FlexID
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *LearningOutcomeDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.Description = r.str("description")
	d.Name = r.str("name")
	d.CourseID = r.id("course-id", "course_id", "course")
	return nil
}

// CourseObjectiveDTO groups learning outcomes. The grouping itself is not stored.
type CourseObjectiveDTO struct {
	LearningOutcomes []LearningOutcomeDTO
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *CourseObjectiveDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.LearningOutcomes = decodeNestedList[LearningOutcomeDTO](r, "learning-outcomes", "learning_outcomes")
	return nil
}

// LearningOutcomeTreeDTO is one element of GET lo-trees.
type LearningOutcomeTreeDTO struct {
	Course           *CourseDTO
	CourseObjectives []CourseObjectiveDTO
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *LearningOutcomeTreeDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}

	d.Course = nil
	if rawCourse, ok := r.lookup("course"); ok && !isNull(rawCourse) {
		var c CourseDTO
		if err := json.Unmarshal(rawCourse, &c); err == nil {
			d.Course = &c
		}
	}
	d.CourseObjectives = decodeNestedList[CourseObjectiveDTO](r, "course-objectives", "course_objectives")
	return nil
}

// OutcomeAssessmentDTO is one element of GET outcome-assessments.
type OutcomeAssessmentDTO struct {
	ID                      FlexID
	AssignmentID            FlexID
	Comment                 FlexString
	CreatedOn               FlexTime
	GradedBlindly           FlexBool
	GraderUserID            FlexID
	LearningOutcome         FlexID
	Score                   FlexFloat
	Type                    FlexString
	TargetAssignmentGroupID FlexID
	TargetUserID            FlexID
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *OutcomeAssessmentDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.AssignmentID = r.id("assignment-id", "assignment_id")
	d.Comment = r.str("comment")
	d.CreatedOn = r.time("created-on", "created_on")
	d.GradedBlindly = r.boolean("graded-blindly", "graded_blindly")
	d.GraderUserID = r.id("grader-user-id", "grader_user_id")
	d.LearningOutcome = r.id("learning-outcome", "learning_outcome", "outcome-id", "outcome_id")
	d.Score = r.float("score")
	d.Type = r.str("type")
	d.TargetAssignmentGroupID = r.id("target-assignment-group-id", "target_assignment_group_id")
	d.TargetUserID = r.id("target-user-id", "target_user_id")
	return nil
}

// AssignmentDetailDTO is the body of GET assignments/{id}/nested_for_grader.
type AssignmentDetailDTO struct {
	ID               FlexID
	SectionID        FlexID
	SectionTitle     FlexString
	Title            FlexString
	Weight           FlexFloat
	MakeupAssignment FlexJSON
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *AssignmentDetailDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.ID = r.id("id")
	d.SectionID = r.id("section-id", "section_id")
	d.SectionTitle = r.str("section-title", "section_title")
	d.Title = r.str("title")
	d.Weight = r.float("weight")
	d.MakeupAssignment = r.nested("makeup-assignment", "makeup_assignment")
	return nil
}

// OutcomeIndexItemDTO is one element of GET outcome-index-items.
type OutcomeIndexItemDTO struct {
	Course FlexID
	Mean   FlexFloat
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *OutcomeIndexItemDTO) UnmarshalJSON(raw []byte) error {
	r, err := parseRecord(raw)
	if err != nil {
		return err
	}
	d.Course = r.id("course", "course-id", "course_id")
	d.Mean = r.float("mean")
	return nil
}

// decodeNestedList decodes an array field element by element, dropping
// elements that are not objects.
func decodeNestedList[T any](r record, keys ...string) []T {
	raw, ok := r.lookup(keys...)
	if !ok || isNull(raw) {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// PAGINATION
// ══════════════════════════════════════════════════════════════════════════════

// pageEnvelope is the paginated list shape. A bare array is also accepted.
// Results stays empty when the key is absent and holds "null" when the
// server sent an explicit null.
type pageEnvelope struct {
	Results json.RawMessage `json:"results"`
	Next    *string         `json:"next"`
}
