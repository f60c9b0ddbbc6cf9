package progress

import (
	"fmt"
	"slices"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// STUDENT PROGRESS STATE
// ══════════════════════════════════════════════════════════════════════════════

// StudentProgressState - накопленный прогресс ученика.
// Одна запись на ученика, изменяется только движком оценки.
//
// Инварианты:
//   - OverallLevel никогда не понижается между обновлениями
//   - ProgressPercent каждого вида спорта лежит в [0, 100]
//   - счётчики неотрицательны
type StudentProgressState struct {
	// StudentID - идентификатор ученика.
	StudentID string `json:"student_id"`

	// OverallLevel - общий уровень катания.
	OverallLevel Level `json:"overall_level"`

	// TotalLessons - всего уроков, учитываемых в прогрессе.
	TotalLessons int `json:"total_lessons"`

	// CompletedLessons - завершённые уроки.
	CompletedLessons int `json:"completed_lessons"`

	// SkillState - состояние навыков по видам спорта.
	SkillState map[Sport]SkillState `json:"skill_state"`

	// StreakDays - самая длинная серия дней подряд с уроками.
	StreakDays int `json:"streak_days"`

	// TotalPoints - сумма очков за полученные достижения.
	TotalPoints int `json:"total_points"`

	// LastActivity - время последнего пересчёта по активности.
	LastActivity time.Time `json:"last_activity"`

	// LastUpdated - время последнего изменения записи.
	LastUpdated time.Time `json:"last_updated"`

	// Version - версия записи для оптимистичной блокировки.
	// 0 означает, что запись ещё не сохранялась.
	Version int64 `json:"version"`
}

// SkillState - прогресс по одному виду спорта.
type SkillState struct {
	// Level - уровень из последнего отзыва по этому виду спорта.
	Level Level `json:"level"`

	// ProgressPercent - процент прогресса по последнему отзыву, 0..100.
	ProgressPercent int `json:"progress_percent"`

	// SkillsLearned - освоенные навыки (отсортированное множество).
	SkillsLearned []string `json:"skills_learned"`

	// LastUpdated - когда вид спорта пересчитывался в последний раз.
	LastUpdated time.Time `json:"last_updated"`
}

// NewStudentProgressState создаёт пустое состояние: все счётчики равны нулю.
func NewStudentProgressState(studentID string) *StudentProgressState {
	return &StudentProgressState{
		StudentID:    studentID,
		OverallLevel: LevelFirstTime,
		SkillState:   make(map[Sport]SkillState),
	}
}

// Clone возвращает глубокую копию состояния.
func (s *StudentProgressState) Clone() *StudentProgressState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.SkillState = make(map[Sport]SkillState, len(s.SkillState))
	for sport, skill := range s.SkillState {
		skill.SkillsLearned = slices.Clone(skill.SkillsLearned)
		clone.SkillState[sport] = skill
	}
	return &clone
}

// Skill возвращает состояние по виду спорта.
func (s *StudentProgressState) Skill(sport Sport) (SkillState, bool) {
	skill, ok := s.SkillState[sport]
	return skill, ok
}

// Validate проверяет инварианты состояния.
func (s *StudentProgressState) Validate() error {
	if s.StudentID == "" {
		return ErrInvalidStudentID
	}
	if !s.OverallLevel.IsValid() {
		return ErrInvalidState.Wrap(fmt.Errorf("overall level %d", int(s.OverallLevel)))
	}
	if s.TotalLessons < 0 || s.CompletedLessons < 0 || s.StreakDays < 0 || s.TotalPoints < 0 {
		return ErrInvalidState.Wrap(fmt.Errorf("negative counter"))
	}
	for sport, skill := range s.SkillState {
		if !sport.IsValid() {
			return ErrInvalidState.Wrap(fmt.Errorf("sport %q", sport))
		}
		if skill.ProgressPercent < 0 || skill.ProgressPercent > 100 {
			return ErrInvalidState.Wrap(fmt.Errorf("%s progress %d", sport, skill.ProgressPercent))
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SKILL HISTORY
// ══════════════════════════════════════════════════════════════════════════════

// SkillHistoryEntry - запись журнала изменений навыков.
// Создаётся при пересчёте, никогда не изменяется и не удаляется.
type SkillHistoryEntry struct {
	// ID - уникальный идентификатор записи.
	ID string `json:"id"`

	// StudentID - идентификатор ученика.
	StudentID string `json:"student_id"`

	// Sport - вид спорта.
	Sport Sport `json:"sport"`

	// LevelBefore - уровень до пересчёта.
	LevelBefore Level `json:"level_before"`

	// LevelAfter - уровень после пересчёта.
	LevelAfter Level `json:"level_after"`

	// ProgressPercent - процент прогресса после пересчёта.
	ProgressPercent int `json:"progress_percent"`

	// SkillsLearned - снимок освоенных навыков.
	SkillsLearned []string `json:"skills_learned"`

	// RecordedAt - время записи.
	RecordedAt time.Time `json:"recorded_at"`
}
