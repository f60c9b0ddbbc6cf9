package achievement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/pkg/timeutil"
)

var testNow = time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

type stubAvatars struct {
	custom bool
	err    error
	calls  int
}

func (s *stubAvatars) HasCustomAvatar(ctx context.Context, studentID string) (bool, error) {
	s.calls++
	return s.custom, s.err
}

func def(id, name string, t CriterionType, cmp Comparator, threshold int) Definition {
	return Definition{
		ID:          id,
		DisplayName: name,
		Category:    CategoryMilestone,
		Criteria:    Criteria{Type: t, Comparator: cmp, Threshold: threshold},
		Rarity:      RarityCommon,
		Points:      10,
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]Definition{
		def("welcome", "Welcome Aboard", CriterionAccountCreated, ComparatorEq, 1),
		def("first_steps", "First Steps", CriterionLessonsCompleted, ComparatorEq, 1),
		def("ten_lessons", "Dedicated Learner", CriterionLessonsCompleted, ComparatorGte, 10),
		def("linking", "Linking Turns", CriterionSkillLevel, ComparatorGte, 2),
		def("perfect", "Perfect Run", CriterionRatingAchieved, ComparatorGte, 5),
		def("feedback_3", "Listening Ears", CriterionFeedbackCount, ComparatorGte, 3),
		def("streak_3", "Three in a Row", CriterionStreakDays, ComparatorGte, 3),
		def("selfie", "Looking Good", CriterionProfilePictureAdded, ComparatorEq, 1),
	})
	require.NoError(t, err)
	return c
}

func newEngine(avatars AvatarLookup) *Engine {
	return NewEngine(
		WithAvatarLookup(avatars),
		WithEngineClock(timeutil.NewFixedClock(testNow)),
	)
}

func ids(unlocks []Unlock) []string {
	out := make([]string, 0, len(unlocks))
	for _, u := range unlocks {
		out = append(out, u.DefinitionID)
	}
	return out
}

func TestComparator_Compare(t *testing.T) {
	tests := []struct {
		cmp       Comparator
		observed  int
		threshold int
		want      bool
	}{
		{ComparatorEq, 1, 1, true},
		{ComparatorEq, 2, 1, false},
		{ComparatorGte, 10, 10, true},
		{ComparatorGte, 9, 10, false},
		{ComparatorLte, 3, 5, true},
		{ComparatorLte, 6, 5, false},
	}
	for _, tt := range tests {
		got, err := tt.cmp.Compare(tt.observed, tt.threshold)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %d vs %d", tt.cmp, tt.observed, tt.threshold)
	}

	_, err := Comparator("gt").Compare(1, 0)
	assert.ErrorIs(t, err, ErrUnknownComparator)
}

func TestEvaluate_FirstLesson(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 1
	snapshot.OverallLevel = progress.LevelDevelopingTurns
	feedback := []progress.FeedbackRecord{{StudentID: "s1", Performance: progress.PerformanceRatings{Overall: 5}}}

	unlocks := newEngine(&stubAvatars{}).Evaluate(context.Background(), snapshot, feedback, UnlockedSet{}, testCatalog(t))

	assert.Equal(t, []string{"welcome", "first_steps", "perfect"}, ids(unlocks))
	first := unlocks[1]
	assert.Equal(t, "First Steps", first.DefinitionName)
	assert.Equal(t, "s1", first.StudentID)
	assert.Equal(t, testNow, first.UnlockedAt)
	assert.Equal(t, 10, first.Points)
}

func TestEvaluate_ObservedValues(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 12
	snapshot.OverallLevel = progress.LevelLinkingTurns
	snapshot.StreakDays = 3
	feedback := []progress.FeedbackRecord{
		{Performance: progress.PerformanceRatings{Overall: 3}},
		{Performance: progress.PerformanceRatings{Overall: 4}},
		{Performance: progress.PerformanceRatings{Overall: 2}},
	}

	unlocks := newEngine(&stubAvatars{custom: true}).Evaluate(context.Background(), snapshot, feedback, UnlockedSet{}, testCatalog(t))

	assert.Equal(t, []string{"welcome", "ten_lessons", "linking", "feedback_3", "streak_3", "selfie"}, ids(unlocks))
}

func TestEvaluate_RatingIsZeroWithoutFeedback(t *testing.T) {
	c := MustCatalog([]Definition{def("low", "Humble Start", CriterionRatingAchieved, ComparatorLte, 0)})
	unlocks := newEngine(nil).Evaluate(context.Background(), progress.NewStudentProgressState("s1"), nil, UnlockedSet{}, c)
	assert.Equal(t, []string{"low"}, ids(unlocks))
}

func TestEvaluate_AtMostOnce(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 1
	catalog := testCatalog(t)
	engine := newEngine(&stubAvatars{})

	first := engine.Evaluate(context.Background(), snapshot, nil, UnlockedSet{}, catalog)
	require.NotEmpty(t, first)

	again := engine.Evaluate(context.Background(), snapshot, nil, NewUnlockedSet(first), catalog)
	assert.Empty(t, again)
}

func TestEvaluate_LegacyNameKeyedUnlocksAreRespected(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 1

	legacy := []Unlock{{StudentID: "s1", DefinitionName: "First Steps"}}
	unlocks := newEngine(nil).Evaluate(context.Background(), snapshot, nil, NewUnlockedSet(legacy), testCatalog(t))

	assert.NotContains(t, ids(unlocks), "first_steps")
	assert.Contains(t, ids(unlocks), "welcome")
}

func TestEvaluate_RenamedDefinitionDoesNotUnlockAgain(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 1

	recorded := []Unlock{{StudentID: "s1", DefinitionID: "first_steps", DefinitionName: "Old Name"}}
	c := MustCatalog([]Definition{def("first_steps", "First Steps (renamed)", CriterionLessonsCompleted, ComparatorEq, 1)})

	unlocks := newEngine(nil).Evaluate(context.Background(), snapshot, nil, NewUnlockedSet(recorded), c)
	assert.Empty(t, unlocks)
}

func TestEvaluate_LookupFailureSkipsOnlyThatCriterion(t *testing.T) {
	snapshot := progress.NewStudentProgressState("s1")
	snapshot.CompletedLessons = 1

	avatars := &stubAvatars{err: errors.New("profile service down")}
	var failed []string
	engine := NewEngine(
		WithAvatarLookup(avatars),
		WithFailureObserver(func(d Definition, err error) { failed = append(failed, d.ID) }),
	)

	c := MustCatalog([]Definition{
		def("selfie", "Looking Good", CriterionProfilePictureAdded, ComparatorEq, 1),
		def("selfie_again", "Still Looking Good", CriterionProfilePictureAdded, ComparatorGte, 1),
		def("first_steps", "First Steps", CriterionLessonsCompleted, ComparatorEq, 1),
	})

	unlocks := engine.Evaluate(context.Background(), snapshot, nil, UnlockedSet{}, c)

	assert.Equal(t, []string{"first_steps"}, ids(unlocks))
	assert.Equal(t, []string{"selfie", "selfie_again"}, failed)
	assert.Equal(t, 1, avatars.calls, "lookup result is memoized per evaluation")
}

func TestEvaluate_DisabledCriterion(t *testing.T) {
	engine := NewEngine(
		WithAvatarLookup(&stubAvatars{custom: true}),
		WithDisabledCriteria(CriterionProfilePictureAdded),
	)
	c := MustCatalog([]Definition{def("selfie", "Looking Good", CriterionProfilePictureAdded, ComparatorEq, 1)})

	unlocks := engine.Evaluate(context.Background(), progress.NewStudentProgressState("s1"), nil, UnlockedSet{}, c)
	assert.Empty(t, unlocks)
}

func TestEvaluate_DefaultAvatarDoesNotUnlock(t *testing.T) {
	c := MustCatalog([]Definition{def("selfie", "Looking Good", CriterionProfilePictureAdded, ComparatorEq, 1)})
	unlocks := newEngine(&stubAvatars{custom: false}).Evaluate(context.Background(), progress.NewStudentProgressState("s1"), nil, UnlockedSet{}, c)
	assert.Empty(t, unlocks)
}
