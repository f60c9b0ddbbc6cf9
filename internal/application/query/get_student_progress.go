// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/evaluation"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// FeatureProgressCache - флаг кеширования представления прогресса.
const FeatureProgressCache = "progress_cache"

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT PROGRESS QUERY
// Возвращает прогресс ученика вместе с полученными достижениями.
// Только чтение: запрос никогда не запускает пересчёт.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentProgressQuery содержит параметры запроса.
type GetStudentProgressQuery struct {
	// StudentID - ID ученика.
	StudentID string

	// HistoryLimit - сколько последних записей журнала навыков вернуть (0 - без журнала).
	HistoryLimit int
}

// Validate проверяет параметры.
func (q *GetStudentProgressQuery) Validate() error {
	if q.StudentID == "" {
		return errors.New("student_id is required")
	}
	if q.HistoryLimit < 0 {
		return errors.New("history_limit cannot be negative")
	}
	if q.HistoryLimit > 100 {
		q.HistoryLimit = 100
	}
	return nil
}

// StudentProgressDTO - представление прогресса ученика.
type StudentProgressDTO struct {
	StudentID        string                       `json:"student_id"`
	OverallLevel     string                       `json:"overall_level"`
	CompletedLessons int                          `json:"completed_lessons"`
	TotalLessons     int                          `json:"total_lessons"`
	StreakDays       int                          `json:"streak_days"`
	TotalPoints      int                          `json:"total_points"`
	Skills           map[string]SkillDTO          `json:"skills"`
	LastActivity     *time.Time                   `json:"last_activity,omitempty"`
	LastUpdated      *time.Time                   `json:"last_updated,omitempty"`
	Version          int64                        `json:"version"`
	Achievements     []AchievementUnlockDTO       `json:"achievements"`
	History          []progress.SkillHistoryEntry `json:"history,omitempty"`

	// Evaluated - false, если ученик ещё ни разу не оценивался.
	Evaluated bool `json:"evaluated"`
}

// SkillDTO - состояние навыка по виду спорта.
type SkillDTO struct {
	Level           string   `json:"level"`
	ProgressPercent int      `json:"progress_percent"`
	SkillsLearned   []string `json:"skills_learned"`
}

// AchievementUnlockDTO - полученное достижение.
type AchievementUnlockDTO struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Category    string    `json:"category,omitempty"`
	Points      int       `json:"points"`
	UnlockedAt  time.Time `json:"unlocked_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Зависимости
// ──────────────────────────────────────────────────────────────────────────────

// AggregateReader читает агрегат ученика.
type AggregateReader interface {
	LoadAggregate(ctx context.Context, studentID string) (*evaluation.Aggregate, error)
}

// HistoryReader читает журнал навыков.
type HistoryReader interface {
	ListHistory(ctx context.Context, studentID string, limit int) ([]progress.SkillHistoryEntry, error)
}

// StudentDirectory проверяет существование ученика.
type StudentDirectory interface {
	StudentExists(ctx context.Context, studentID string) (bool, error)
}

// ProgressViewCache кеширует готовые представления.
type ProgressViewCache interface {
	Get(ctx context.Context, studentID string, dest any) error
	Set(ctx context.Context, studentID string, view any) error
}

// FeatureGate отвечает на вопрос о включении флага для ученика.
type FeatureGate interface {
	IsEnabledFor(feature, studentID string) bool
}

// ──────────────────────────────────────────────────────────────────────────────
// Handler
// ──────────────────────────────────────────────────────────────────────────────

// GetStudentProgressHandler обрабатывает запрос прогресса.
type GetStudentProgressHandler struct {
	aggregates AggregateReader
	history    HistoryReader
	students   StudentDirectory
	cache      ProgressViewCache
	gate       FeatureGate
	logger     *slog.Logger
}

// NewGetStudentProgressHandler создаёт обработчик. history, cache и gate
// могут быть nil.
func NewGetStudentProgressHandler(
	aggregates AggregateReader,
	history HistoryReader,
	students StudentDirectory,
	cache ProgressViewCache,
	gate FeatureGate,
	logger *slog.Logger,
) *GetStudentProgressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetStudentProgressHandler{
		aggregates: aggregates,
		history:    history,
		students:   students,
		cache:      cache,
		gate:       gate,
		logger:     logger,
	}
}

// Handle выполняет запрос.
// Кешируется только представление без журнала: оно же сбрасывается
// обработчиком progress.recomputed.
func (h *GetStudentProgressHandler) Handle(ctx context.Context, query GetStudentProgressQuery) (*StudentProgressDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, shared.WrapError("query", "GetStudentProgress", shared.ErrValidation, err.Error(), err)
	}

	useCache := h.cache != nil && query.HistoryLimit == 0 &&
		(h.gate == nil || h.gate.IsEnabledFor(FeatureProgressCache, query.StudentID))

	if useCache {
		var cached StudentProgressDTO
		if err := h.cache.Get(ctx, query.StudentID, &cached); err == nil {
			return &cached, nil
		}
	}

	exists, err := h.students.StudentExists(ctx, query.StudentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, shared.WrapError("query", "GetStudentProgress", shared.ErrNotFound, "student not found", nil)
	}

	agg, err := h.aggregates.LoadAggregate(ctx, query.StudentID)
	if err != nil {
		return nil, err
	}

	dto := buildProgressDTO(query.StudentID, agg)

	if query.HistoryLimit > 0 && h.history != nil {
		entries, err := h.history.ListHistory(ctx, query.StudentID, query.HistoryLimit)
		if err != nil {
			return nil, err
		}
		dto.History = entries
	}

	if useCache {
		if err := h.cache.Set(ctx, query.StudentID, dto); err != nil {
			h.logger.Debug("progress cache write skipped",
				"student_id", query.StudentID,
				"error", err,
			)
		}
	}

	return dto, nil
}

func buildProgressDTO(studentID string, agg *evaluation.Aggregate) *StudentProgressDTO {
	dto := &StudentProgressDTO{
		StudentID:    studentID,
		OverallLevel: progress.LevelFirstTime.String(),
		Skills:       map[string]SkillDTO{},
		Achievements: []AchievementUnlockDTO{},
	}
	if agg == nil {
		return dto
	}

	if st := agg.State; st != nil {
		dto.Evaluated = true
		dto.OverallLevel = st.OverallLevel.String()
		dto.CompletedLessons = st.CompletedLessons
		dto.TotalLessons = st.TotalLessons
		dto.StreakDays = st.StreakDays
		dto.TotalPoints = st.TotalPoints
		dto.Version = st.Version
		if !st.LastActivity.IsZero() {
			t := st.LastActivity
			dto.LastActivity = &t
		}
		if !st.LastUpdated.IsZero() {
			t := st.LastUpdated
			dto.LastUpdated = &t
		}
		for sport, skill := range st.SkillState {
			dto.Skills[string(sport)] = SkillDTO{
				Level:           skill.Level.String(),
				ProgressPercent: skill.ProgressPercent,
				SkillsLearned:   append([]string{}, skill.SkillsLearned...),
			}
		}
	}

	dto.Achievements = unlockDTOs(agg.Unlocks)
	return dto
}

// unlockDTOs сортирует достижения по времени получения.
func unlockDTOs(unlocks []achievement.Unlock) []AchievementUnlockDTO {
	out := make([]AchievementUnlockDTO, 0, len(unlocks))
	for _, u := range unlocks {
		out = append(out, AchievementUnlockDTO{
			ID:          u.DefinitionID,
			Name:        u.DefinitionName,
			Description: u.Description,
			Icon:        u.Icon,
			Category:    string(u.Category),
			Points:      u.Points,
			UnlockedAt:  u.UnlockedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UnlockedAt.Before(out[j].UnlockedAt) })
	return out
}
