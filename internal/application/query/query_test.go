package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/persistence/memory"
)

var now = time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

type mapCache struct {
	data   map[string][]byte
	gets   int
	setErr error
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) Get(_ context.Context, id string, dest any) error {
	c.gets++
	raw, ok := c.data[id]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, id string, view any) error {
	if c.setErr != nil {
		return c.setErr
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return err
	}
	c.data[id] = raw
	return nil
}

type gate map[string]bool

func (g gate) IsEnabledFor(feature, _ string) bool { return g[feature] }

func seededStore() *memory.Store {
	store := memory.NewStore()
	store.AddStudent("s1", "")
	store.SeedState(&progress.StudentProgressState{
		StudentID:        "s1",
		OverallLevel:     progress.LevelLinkingTurns,
		TotalLessons:     3,
		CompletedLessons: 3,
		StreakDays:       3,
		TotalPoints:      35,
		SkillState: map[progress.Sport]progress.SkillState{
			progress.SportSnowboarding: {Level: progress.LevelLinkingTurns, ProgressPercent: 80, SkillsLearned: []string{"heel edge"}},
		},
		LastActivity: now,
		LastUpdated:  now,
		Version:      2,
	})
	store.SeedUnlocks("s1",
		achievement.Unlock{StudentID: "s1", DefinitionID: "three_in_a_row", DefinitionName: "Three in a Row", Points: 25, UnlockedAt: now},
		achievement.Unlock{StudentID: "s1", DefinitionID: "first_steps", DefinitionName: "First Steps", Points: 10, UnlockedAt: now.Add(-48 * time.Hour)},
	)
	store.AddStudent("fresh", "")
	return store
}

func TestGetStudentProgress(t *testing.T) {
	store := seededStore()
	h := NewGetStudentProgressHandler(store, store, store, nil, nil, nil)

	dto, err := h.Handle(context.Background(), GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)

	assert.True(t, dto.Evaluated)
	assert.Equal(t, "linking_turns", dto.OverallLevel)
	assert.Equal(t, 35, dto.TotalPoints)
	assert.Equal(t, int64(2), dto.Version)
	assert.Equal(t, 80, dto.Skills["snowboarding"].ProgressPercent)
	require.Len(t, dto.Achievements, 2)
	assert.Equal(t, "first_steps", dto.Achievements[0].ID)
	assert.Nil(t, dto.History)
}

func TestGetStudentProgress_NotEvaluatedYet(t *testing.T) {
	store := seededStore()
	h := NewGetStudentProgressHandler(store, store, store, nil, nil, nil)

	dto, err := h.Handle(context.Background(), GetStudentProgressQuery{StudentID: "fresh"})
	require.NoError(t, err)
	assert.False(t, dto.Evaluated)
	assert.Equal(t, "first_time", dto.OverallLevel)
	assert.NotNil(t, dto.Achievements)
	assert.Empty(t, dto.Achievements)
}

func TestGetStudentProgress_Errors(t *testing.T) {
	store := seededStore()
	h := NewGetStudentProgressHandler(store, store, store, nil, nil, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, GetStudentProgressQuery{})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, GetStudentProgressQuery{StudentID: "s1", HistoryLimit: -1})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, GetStudentProgressQuery{StudentID: "ghost"})
	assert.True(t, shared.IsNotFound(err))

	store.FailSources(memory.Unavailable("down"))
	_, err = h.Handle(ctx, GetStudentProgressQuery{StudentID: "s1"})
	assert.True(t, shared.IsTransient(err))
}

func TestGetStudentProgress_Cache(t *testing.T) {
	store := seededStore()
	cache := newMapCache()
	h := NewGetStudentProgressHandler(store, store, store, cache, gate{FeatureProgressCache: true}, nil)
	ctx := context.Background()

	first, err := h.Handle(ctx, GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	require.Contains(t, cache.data, "s1")

	// Served from the cache even though the store is now failing.
	store.FailSources(memory.Unavailable("down"))
	second, err := h.Handle(ctx, GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, first.TotalPoints, second.TotalPoints)
	assert.Equal(t, first.Version, second.Version)
}

func TestGetStudentProgress_CacheBypassed(t *testing.T) {
	store := seededStore()
	cache := newMapCache()
	ctx := context.Background()

	disabled := NewGetStudentProgressHandler(store, store, store, cache, gate{}, nil)
	_, err := disabled.Handle(ctx, GetStudentProgressQuery{StudentID: "s1"})
	require.NoError(t, err)
	assert.Zero(t, cache.gets)
	assert.Empty(t, cache.data)

	enabled := NewGetStudentProgressHandler(store, store, store, cache, nil, nil)
	_, err = enabled.Handle(ctx, GetStudentProgressQuery{StudentID: "s1", HistoryLimit: 5})
	require.NoError(t, err)
	assert.Empty(t, cache.data)

	cache.setErr = errors.New("redis down")
	_, err = enabled.Handle(ctx, GetStudentProgressQuery{StudentID: "s1"})
	assert.NoError(t, err)
}

func TestListAchievements(t *testing.T) {
	catalog := achievement.MustCatalog([]achievement.Definition{
		{
			ID: "first_steps", DisplayName: "First Steps", Category: achievement.CategoryMilestone, Points: 10,
			Criteria: achievement.Criteria{Type: achievement.CriterionLessonsCompleted, Comparator: achievement.ComparatorEq, Threshold: 1},
		},
		{
			ID: "welcome", DisplayName: "Welcome", Category: achievement.CategorySocial, Points: 5,
			Criteria: achievement.Criteria{Type: achievement.CriterionAccountCreated, Comparator: achievement.ComparatorEq, Threshold: 1},
		},
	})

	h := NewListAchievementsHandler(catalog)
	res := h.Handle()

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 15, res.MaxPoints)
	assert.Equal(t, "first_steps", res.Achievements[0].ID)
	assert.Equal(t, "lessons_completed", res.Achievements[0].Criterion)

	res.Achievements[0].ID = "mutated"
	assert.Equal(t, "first_steps", h.Handle().Achievements[0].ID)
}
