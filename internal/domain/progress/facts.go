package progress

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETED LESSON FACT
// ══════════════════════════════════════════════════════════════════════════════

// LessonStatusCompleted - статус завершённого урока.
const LessonStatusCompleted = "completed"

// CompletedLessonFact - факт завершённого урока (только для чтения).
// Используется для счётчиков уроков и расчёта серий.
type CompletedLessonFact struct {
	StudentID string    `json:"student_id"`
	LessonID  string    `json:"lesson_id"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
}

// IsCompleted проверяет статус урока.
func (f CompletedLessonFact) IsCompleted() bool {
	return f.Status == "" || f.Status == LessonStatusCompleted
}

// ══════════════════════════════════════════════════════════════════════════════
// FEEDBACK RECORD
// ══════════════════════════════════════════════════════════════════════════════

// PerformanceRatings - пять оценок инструктора по шкале 1-5.
// Значения вне шкалы не отклоняются: процент прогресса всё равно
// ограничивается диапазоном [0, 100].
type PerformanceRatings struct {
	Technique  int `json:"technique"`
	Control    int `json:"control"`
	Confidence int `json:"confidence"`
	Safety     int `json:"safety"`
	Overall    int `json:"overall"`
}

// SkillAssessment - оценка текущего уровня ученика.
type SkillAssessment struct {
	CurrentLevel string   `json:"current_level" validate:"required,skill_level"`
	AreasOfFocus []string `json:"areas_of_focus"`
}

// ProgressUpdate - изменения навыков, отмеченные инструктором.
type ProgressUpdate struct {
	SkillsImproved   []string `json:"skills_improved"`
	NewSkillsLearned []string `json:"new_skills_learned"`
	LevelUp          bool     `json:"level_up"`
	NewLevel         string   `json:"new_level" validate:"omitempty,skill_level"`
}

// FeedbackRecord - отзыв инструктора об уроке.
// Создаётся внешним сервисом, движок только читает его.
type FeedbackRecord struct {
	// ID - идентификатор отзыва.
	ID string `json:"id"`

	// StudentID - ученик, которому адресован отзыв.
	StudentID string `json:"student_id" validate:"required"`

	// InstructorID - автор отзыва.
	InstructorID string `json:"instructor_id"`

	// LessonID - урок, по которому оставлен отзыв.
	LessonID string `json:"lesson_id" validate:"required"`

	// Sport - вид спорта урока.
	Sport Sport `json:"sport" validate:"required,sport"`

	// Performance - оценки по пяти критериям.
	Performance PerformanceRatings `json:"performance"`

	// SkillAssessment - оценка уровня.
	SkillAssessment SkillAssessment `json:"skill_assessment"`

	// Strengths - сильные стороны.
	Strengths []string `json:"strengths"`

	// AreasForImprovement - над чем работать.
	AreasForImprovement []string `json:"areas_for_improvement"`

	// ProgressUpdate - изменения навыков.
	ProgressUpdate ProgressUpdate `json:"progress_update"`

	// SubmittedAt - когда отзыв был сохранён.
	SubmittedAt time.Time `json:"submitted_at" validate:"required"`
}

// Level возвращает уровень из оценки инструктора.
func (r FeedbackRecord) Level() (Level, error) {
	return ParseLevel(r.SkillAssessment.CurrentLevel)
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

var feedbackValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("skill_level", func(fl validator.FieldLevel) bool {
		_, err := ParseLevel(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("sport", func(fl validator.FieldLevel) bool {
		return Sport(fl.Field().String()).IsValid()
	})
	return v
})

// Validate проверяет, что отзыв пригоден для пересчёта прогресса.
func (r FeedbackRecord) Validate() error {
	if err := feedbackValidator().Struct(r); err != nil {
		return ErrInvalidFeedback.Wrap(describeValidation(r.ID, err))
	}
	return nil
}

// ValidateFeedback проверяет все отзывы ученика.
// Отзыв другого ученика считается ошибкой входных данных.
func ValidateFeedback(studentID string, records []FeedbackRecord) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.StudentID != studentID {
			return ErrForeignRecord.Wrap(fmt.Errorf("feedback %q belongs to %q", r.ID, r.StudentID))
		}
	}
	return nil
}

func describeValidation(id string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("feedback %q: %s", id, strings.Join(fields, ", "))
}
