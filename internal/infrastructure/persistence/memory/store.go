// Package memory provides an in-process implementation of the progress store
// and of the collaborator sources (lessons, feedback, student profiles).
//
// It is used when the engine runs with STORAGE_DRIVER=memory and as the test
// double for the evaluation flow. Commits are staged on a copy and swapped in
// under the store mutex, so a failure injected mid-commit never leaves
// partial state behind.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/evaluation"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// Compile-time interface checks.
var (
	_ evaluation.Store          = (*Store)(nil)
	_ progress.LessonSource     = (*Store)(nil)
	_ progress.FeedbackSource   = (*Store)(nil)
	_ progress.StudentDirectory = (*Store)(nil)
)

type studentRecord struct {
	avatarURL string
	state     *progress.StudentProgressState
	history   []progress.SkillHistoryEntry
	unlocks   []achievement.Unlock
	lessons   []progress.CompletedLessonFact
	feedback  []progress.FeedbackRecord
}

func (r *studentRecord) clone() *studentRecord {
	return &studentRecord{
		avatarURL: r.avatarURL,
		state:     r.state.Clone(),
		history:   slices.Clone(r.history),
		unlocks:   slices.Clone(r.unlocks),
		lessons:   r.lessons,
		feedback:  r.feedback,
	}
}

// Store is a goroutine-safe in-memory store.
type Store struct {
	mu       sync.RWMutex
	students map[string]*studentRecord

	faults faults
}

// faults holds injected failures. Guarded by Store.mu.
type faults struct {
	nextLoad        error
	nextCommit      error
	afterState      error
	conflicts       int
	sourceErr       error
	commitHook      func(req evaluation.CommitRequest)
	commits         int
	rejectedCommits int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{students: make(map[string]*studentRecord)}
}

// ──────────────────────────────────────────────────────────────────────────────
// Seeding (collaborator side)
// ──────────────────────────────────────────────────────────────────────────────

// AddStudent registers a student with the given avatar URL.
func (s *Store) AddStudent(studentID, avatarURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(studentID)
	rec.avatarURL = avatarURL
}

// SetAvatar replaces the avatar URL of a student.
func (s *Store) SetAvatar(studentID, avatarURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.students[studentID]
	if !ok {
		return progress.ErrStudentNotFound
	}
	rec.avatarURL = avatarURL
	return nil
}

// AddLesson stores a lesson fact. The student is created if needed.
func (s *Store) AddLesson(fact progress.CompletedLessonFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(fact.StudentID)
	rec.lessons = append(slices.Clone(rec.lessons), fact)
}

// AddFeedback stores a feedback record. The student is created if needed.
func (s *Store) AddFeedback(record progress.FeedbackRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(record.StudentID)
	rec.feedback = append(slices.Clone(rec.feedback), record)
}

// SeedUnlocks stores unlocks outside of a commit (e.g. legacy rows).
func (s *Store) SeedUnlocks(studentID string, unlocks ...achievement.Unlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(studentID)
	rec.unlocks = append(rec.unlocks, unlocks...)
}

// SeedState stores a progress state outside of a commit.
func (s *Store) SeedState(state *progress.StudentProgressState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(state.StudentID).state = state.Clone()
}

// record must be called with mu held.
func (s *Store) record(studentID string) *studentRecord {
	rec, ok := s.students[studentID]
	if !ok {
		rec = &studentRecord{}
		s.students[studentID] = rec
	}
	return rec
}

// ──────────────────────────────────────────────────────────────────────────────
// Sources
// ──────────────────────────────────────────────────────────────────────────────

// StudentExists implements progress.StudentDirectory.
func (s *Store) StudentExists(ctx context.Context, studentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.sourceErr != nil {
		return false, s.faults.sourceErr
	}
	_, ok := s.students[studentID]
	return ok, nil
}

// CompletedLessons implements progress.LessonSource.
func (s *Store) CompletedLessons(ctx context.Context, studentID string) ([]progress.CompletedLessonFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.sourceErr != nil {
		return nil, s.faults.sourceErr
	}
	rec, ok := s.students[studentID]
	if !ok {
		return nil, nil
	}
	out := make([]progress.CompletedLessonFact, 0, len(rec.lessons))
	for _, l := range rec.lessons {
		if l.IsCompleted() {
			out = append(out, l)
		}
	}
	return out, nil
}

// FeedbackRecords implements progress.FeedbackSource.
func (s *Store) FeedbackRecords(ctx context.Context, studentID string) ([]progress.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.sourceErr != nil {
		return nil, s.faults.sourceErr
	}
	rec, ok := s.students[studentID]
	if !ok {
		return nil, nil
	}
	out := slices.Clone(rec.feedback)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// AvatarURL returns the stored avatar URL of a student.
func (s *Store) AvatarURL(ctx context.Context, studentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.faults.sourceErr != nil {
		return "", s.faults.sourceErr
	}
	rec, ok := s.students[studentID]
	if !ok {
		return "", progress.ErrStudentNotFound
	}
	return rec.avatarURL, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// evaluation.Store
// ──────────────────────────────────────────────────────────────────────────────

// LoadAggregate implements evaluation.Store.
func (s *Store) LoadAggregate(ctx context.Context, studentID string) (*evaluation.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, evaluation.ErrUnavailable.Wrap(err)
	}

	s.mu.Lock()
	if err := s.faults.nextLoad; err != nil {
		s.faults.nextLoad = nil
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.students[studentID]
	if !ok {
		return &evaluation.Aggregate{}, nil
	}
	return &evaluation.Aggregate{
		State:   rec.state.Clone(),
		Unlocks: slices.Clone(rec.unlocks),
	}, nil
}

// Commit implements evaluation.Store.
func (s *Store) Commit(ctx context.Context, req evaluation.CommitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return evaluation.ErrUnavailable.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.faults.commitHook != nil {
		s.faults.commitHook(req)
	}

	if err := s.faults.nextCommit; err != nil {
		s.faults.nextCommit = nil
		s.faults.rejectedCommits++
		return err
	}
	if s.faults.conflicts > 0 {
		s.faults.conflicts--
		s.faults.rejectedCommits++
		return evaluation.ErrConflict
	}

	current, exists := s.students[req.StudentID]
	if !exists {
		current = &studentRecord{}
	}

	var storedVersion int64
	if current.state != nil {
		storedVersion = current.state.Version
	}
	if storedVersion != req.ExpectedVersion {
		s.faults.rejectedCommits++
		return evaluation.ErrConflict.Wrap(fmt.Errorf("expected version %d, stored %d", req.ExpectedVersion, storedVersion))
	}

	staged := current.clone()

	state := req.State.Clone()
	state.Version = req.ExpectedVersion + 1
	staged.state = state

	if err := s.faults.afterState; err != nil {
		s.faults.afterState = nil
		s.faults.rejectedCommits++
		return err
	}

	staged.history = append(staged.history, req.History...)

	unlocked := achievement.NewUnlockedSet(staged.unlocks)
	for _, u := range req.Unlocks {
		if unlocked.Contains(achievement.Definition{ID: u.DefinitionID, DisplayName: u.DefinitionName}) {
			s.faults.rejectedCommits++
			return evaluation.ErrConflict.Wrap(fmt.Errorf("achievement %q already unlocked", u.DefinitionID))
		}
		unlocked.Add(u)
		staged.unlocks = append(staged.unlocks, u)
	}

	s.students[req.StudentID] = staged
	s.faults.commits++
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────────────────────────────────

// State returns a copy of the stored progress state or nil.
func (s *Store) State(studentID string) *progress.StudentProgressState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.students[studentID]; ok {
		return rec.state.Clone()
	}
	return nil
}

// Unlocks returns the stored unlocks of a student.
func (s *Store) Unlocks(studentID string) []achievement.Unlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.students[studentID]; ok {
		return slices.Clone(rec.unlocks)
	}
	return nil
}

// History returns the stored skill history of a student.
func (s *Store) History(studentID string) []progress.SkillHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.students[studentID]; ok {
		return slices.Clone(rec.history)
	}
	return nil
}

// ListHistory returns up to limit history entries, newest first.
func (s *Store) ListHistory(ctx context.Context, studentID string, limit int) ([]progress.SkillHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	entries := s.History(studentID)
	slices.Reverse(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Stats returns the number of successful and rejected commits.
func (s *Store) Stats() (commits, rejected int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults.commits, s.faults.rejectedCommits
}

// Ping always succeeds; it lets the store back the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ──────────────────────────────────────────────────────────────────────────────
// Fault injection
// ──────────────────────────────────────────────────────────────────────────────

// FailNextLoad makes the next LoadAggregate return err.
func (s *Store) FailNextLoad(err error) {
	s.mu.Lock()
	s.faults.nextLoad = err
	s.mu.Unlock()
}

// FailNextCommit makes the next Commit fail before any write.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.faults.nextCommit = err
	s.mu.Unlock()
}

// FailCommitAfterState makes the next Commit fail after the progress state
// has been staged but before history and unlocks are written.
func (s *Store) FailCommitAfterState(err error) {
	s.mu.Lock()
	s.faults.afterState = err
	s.mu.Unlock()
}

// ConflictNextCommits makes the next n commits report a version conflict.
func (s *Store) ConflictNextCommits(n int) {
	s.mu.Lock()
	s.faults.conflicts = n
	s.mu.Unlock()
}

// FailSources makes every source read return err until cleared with nil.
func (s *Store) FailSources(err error) {
	s.mu.Lock()
	s.faults.sourceErr = err
	s.mu.Unlock()
}

// OnCommit registers a hook invoked at the start of every Commit, with the
// store lock held. Hooks must not call back into the store.
func (s *Store) OnCommit(hook func(req evaluation.CommitRequest)) {
	s.mu.Lock()
	s.faults.commitHook = hook
	s.mu.Unlock()
}

// Unavailable is a convenience transient error for tests and tooling.
func Unavailable(msg string) error {
	return evaluation.ErrUnavailable.Wrap(fmt.Errorf("%s: %w", msg, shared.ErrServiceUnavailable))
}
