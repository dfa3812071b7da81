package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/feedbackhub/forum-feedback/internal/domain/feedback"
	"github.com/feedbackhub/forum-feedback/internal/infrastructure/external/forum"
)

// fakeSource serves JSON fixtures through the typed DTO decoders.
type fakeSource struct {
	terms       string
	colleges    string
	trees       string
	assessments string
	rootErr     map[string]error

	indexItems map[feedback.ID]string
	indexErr   map[feedback.ID]error

	details   map[feedback.ID]string
	detailErr map[feedback.ID]error
	onDetail  func(id feedback.ID)

	rootCalls   []string
	indexCalls  []feedback.ID
	detailCalls []feedback.ID
	outcomeType string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rootErr:    map[string]error{},
		indexItems: map[feedback.ID]string{},
		indexErr:   map[feedback.ID]error{},
		details:    map[feedback.ID]string{},
		detailErr:  map[feedback.ID]error{},
	}
}

func decodeFixture[T any](fixture string) ([]T, error) {
	if fixture == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(fixture), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func rootFetch[T any](f *fakeSource, name, fixture string) ([]T, error) {
	f.rootCalls = append(f.rootCalls, name)
	if err := f.rootErr[name]; err != nil {
		return nil, err
	}
	return decodeFixture[T](fixture)
}

func (f *fakeSource) Terms(context.Context) ([]forum.TermDTO, error) {
	return rootFetch[forum.TermDTO](f, "terms", f.terms)
}

func (f *fakeSource) Colleges(context.Context) ([]forum.CollegeDTO, error) {
	return rootFetch[forum.CollegeDTO](f, "colleges", f.colleges)
}

func (f *fakeSource) LearningOutcomeTrees(context.Context) ([]forum.LearningOutcomeTreeDTO, error) {
	return rootFetch[forum.LearningOutcomeTreeDTO](f, "lo-trees", f.trees)
}

func (f *fakeSource) OutcomeAssessments(context.Context) ([]forum.OutcomeAssessmentDTO, error) {
	return rootFetch[forum.OutcomeAssessmentDTO](f, "outcome-assessments", f.assessments)
}

func (f *fakeSource) OutcomeIndexItems(_ context.Context, termID feedback.ID, outcomeType string) ([]forum.OutcomeIndexItemDTO, error) {
	f.indexCalls = append(f.indexCalls, termID)
	f.outcomeType = outcomeType
	if err := f.indexErr[termID]; err != nil {
		return nil, err
	}
	return decodeFixture[forum.OutcomeIndexItemDTO](f.indexItems[termID])
}

func (f *fakeSource) AssignmentDetail(_ context.Context, id feedback.ID) (*forum.AssignmentDetailDTO, error) {
	f.detailCalls = append(f.detailCalls, id)
	if f.onDetail != nil {
		f.onDetail(id)
	}
	if err := f.detailErr[id]; err != nil {
		return nil, err
	}
	body, ok := f.details[id]
	if !ok {
		return nil, &forum.TransportError{URL: forum.AssignmentDetailPath(id), StatusCode: 404, Body: `{"detail":"Not found."}`}
	}
	var dto forum.AssignmentDetailDTO
	if err := json.Unmarshal([]byte(body), &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// memStore keeps rows in memory with the same key and policy semantics as
// the Postgres loader.
type memStore struct {
	tables map[string]map[string]feedback.Row
	order  map[string][]string

	// failKeys makes single rows fail, keyed by "table/key".
	failKeys map[string]bool
	loadErr  map[string]error

	// assignmentIDs overrides DistinctAssignmentIDs when set.
	assignmentIDs []feedback.ID
	depsErr       error
	schemaErr     error
	viewsErr      error

	schemaCalls int
	viewsCalls  int
	loadCalls   []string
}

func newMemStore() *memStore {
	return &memStore{
		tables:   map[string]map[string]feedback.Row{},
		order:    map[string][]string{},
		failKeys: map[string]bool{},
		loadErr:  map[string]error{},
	}
}

func rowKey(table feedback.TableSpec, row feedback.Row) string {
	values := row.Values()
	parts := make([]string, 0, len(table.Key))
	for _, k := range table.Key {
		idx := slices.Index(table.Columns, k)
		parts = append(parts, fmt.Sprint(values[idx]))
	}
	return strings.Join(parts, "|")
}

func (s *memStore) EnsureSchema(context.Context) error {
	s.schemaCalls++
	return s.schemaErr
}

func (s *memStore) BuildViews(context.Context) error {
	s.viewsCalls++
	return s.viewsErr
}

func (s *memStore) Load(ctx context.Context, table feedback.TableSpec, rows []feedback.Row) (feedback.LoadResult, error) {
	s.loadCalls = append(s.loadCalls, table.Name)
	var res feedback.LoadResult
	if err := s.loadErr[table.Name]; err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	stored := s.tables[table.Name]
	if stored == nil {
		stored = map[string]feedback.Row{}
		s.tables[table.Name] = stored
	}
	for _, row := range rows {
		key := rowKey(table, row)
		if s.failKeys[table.Name+"/"+key] {
			res.Failed++
			continue
		}
		if _, exists := stored[key]; exists {
			if table.Policy == feedback.Replace {
				stored[key] = row
				res.Inserted++
			} else {
				res.Skipped++
			}
			continue
		}
		stored[key] = row
		s.order[table.Name] = append(s.order[table.Name], key)
		res.Inserted++
	}
	return res, nil
}

func (s *memStore) rows(table feedback.TableSpec) []feedback.Row {
	out := make([]feedback.Row, 0, len(s.order[table.Name]))
	for _, key := range s.order[table.Name] {
		out = append(out, s.tables[table.Name][key])
	}
	return out
}

func (s *memStore) DistinctTermIDs(context.Context) ([]feedback.ID, error) {
	if s.depsErr != nil {
		return nil, s.depsErr
	}
	var ids []feedback.ID
	for _, row := range s.rows(feedback.CoursesTable) {
		ids = append(ids, row.(feedback.Course).TermID)
	}
	ids = feedback.DistinctIDs(ids)
	slices.Sort(ids)
	return ids, nil
}

func (s *memStore) DistinctAssignmentIDs(context.Context) ([]feedback.ID, error) {
	if s.depsErr != nil {
		return nil, s.depsErr
	}
	if s.assignmentIDs != nil {
		return s.assignmentIDs, nil
	}
	var ids []feedback.ID
	for _, row := range s.rows(feedback.OutcomeAssessmentsTable) {
		ids = append(ids, row.(feedback.OutcomeAssessment).AssignmentID)
	}
	return feedback.DistinctIDs(ids), nil
}

func (s *memStore) addCourse(id, termID feedback.ID) {
	_, _ = s.Load(context.Background(), feedback.CoursesTable, []feedback.Row{feedback.Course{ID: id, TermID: termID}})
}

// fakeJournal records lifecycle calls.
type fakeJournal struct {
	started  []uuid.UUID
	finished []uuid.UUID
	lastErr  error
	startErr error
}

func (j *fakeJournal) Start(_ context.Context, runID uuid.UUID, _ string) error {
	j.started = append(j.started, runID)
	return j.startErr
}

func (j *fakeJournal) Finish(_ context.Context, runID uuid.UUID, _ any, runErr error) error {
	j.finished = append(j.finished, runID)
	j.lastErr = runErr
	return nil
}

// fakeTracker records lock and progress calls.
type fakeTracker struct {
	held       bool
	lockErr    error
	failWrites bool

	acquired  int
	released  int
	progress  []int
	summaries int
}

var errTrackerDown = errors.New("tracker down")

func (t *fakeTracker) AcquireRunLock(context.Context, string) (bool, error) {
	if t.lockErr != nil {
		return false, t.lockErr
	}
	if t.held {
		return false, nil
	}
	t.acquired++
	return true, nil
}

func (t *fakeTracker) ReleaseRunLock(context.Context, string) error {
	t.released++
	return nil
}

func (t *fakeTracker) ReportProgress(_ context.Context, _, _ string, done, _ int) error {
	if t.failWrites {
		return errTrackerDown
	}
	t.progress = append(t.progress, done)
	return nil
}

func (t *fakeTracker) SaveSummary(context.Context, any) error {
	if t.failWrites {
		return errTrackerDown
	}
	t.summaries++
	return nil
}

// recordingProgress captures orchestrator progress reports.
type recordingProgress struct {
	done []int
}

func (r *recordingProgress) Progress(_ context.Context, _ string, done, _ int) {
	r.done = append(r.done, done)
}
