// Package eventhandler содержит обработчики доменных событий.
//
// Обработчики связывают внешние workflow (уроки, отзывы) с движком оценки:
// каждое событие-триггер запускает пересчёт прогресса ученика.
package eventhandler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// FeatureAsyncEvaluation - флаг фоновой оценки.
const FeatureAsyncEvaluation = "async_evaluation"

// ═══════════════════════════════════════════════════════════════════════════
// ON STUDENT ACTIVITY HANDLER
// Обрабатывает события lesson.completed и feedback.submitted.
//
// Оценка - best-effort: ошибка не откатывает исходную операцию
// (урок или отзыв уже сохранены), а только логируется. Следующее событие
// того же ученика пересчитает всё с нуля.
// ═══════════════════════════════════════════════════════════════════════════

// Evaluator запускает оценку ученика.
type Evaluator interface {
	OnStudentActivity(ctx context.Context, studentID string) ([]achievement.Unlock, error)
}

// FeatureGate отвечает на вопрос о включении флага для ученика.
type FeatureGate interface {
	IsEnabledFor(feature, studentID string) bool
}

// ActivityConfig содержит конфигурацию обработчика.
type ActivityConfig struct {
	// Timeout ограничивает одну фоновую оценку.
	Timeout time.Duration

	// Background оборачивает оценку, ушедшую в фон (повтор, dead letter
	// queue). Шина не видит ошибок фоновой оценки, поэтому политика
	// отказов применяется здесь.
	Background func(shared.EventHandler) shared.EventHandler
}

// DefaultActivityConfig возвращает конфигурацию по умолчанию.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{Timeout: 15 * time.Second}
}

// OnStudentActivityHandler превращает события-триггеры в вызовы оценки.
type OnStudentActivityHandler struct {
	evaluator Evaluator
	gate      FeatureGate
	logger    *slog.Logger
	config    ActivityConfig

	wg sync.WaitGroup
}

// NewOnStudentActivityHandler создаёт обработчик. gate может быть nil:
// тогда оценка всегда выполняется синхронно в обработчике шины.
func NewOnStudentActivityHandler(
	evaluator Evaluator,
	gate FeatureGate,
	logger *slog.Logger,
	config ActivityConfig,
) *OnStudentActivityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultActivityConfig().Timeout
	}
	return &OnStudentActivityHandler{
		evaluator: evaluator,
		gate:      gate,
		logger:    logger.With("handler", "on_student_activity"),
		config:    config,
	}
}

// EventTypes возвращает события, на которые нужно подписать обработчик.
func (h *OnStudentActivityHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventLessonCompleted, shared.EventFeedbackSubmitted}
}

// Handle реализует shared.EventHandler.
//
// С флагом async_evaluation оценка уходит в фон и Handle сразу
// возвращает nil; ошибки фоновой оценки обрабатывает config.Background.
// Без флага оценка выполняется здесь же, а временная ошибка
// возвращается шине (для повтора и dead letter queue).
func (h *OnStudentActivityHandler) Handle(event shared.Event) error {
	switch event.EventType() {
	case shared.EventLessonCompleted, shared.EventFeedbackSubmitted:
	default:
		h.logger.Warn("unexpected event", "event_type", event.EventType())
		return nil
	}

	studentID := event.AggregateID()
	if studentID == "" {
		h.logger.Warn("trigger event without student", "event_type", event.EventType())
		return nil
	}

	if h.gate != nil && h.gate.IsEnabledFor(FeatureAsyncEvaluation, studentID) {
		run := h.evaluateEvent
		if h.config.Background != nil {
			run = h.config.Background(run)
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			_ = run(event)
		}()
		return nil
	}

	return h.evaluateEvent(event)
}

func (h *OnStudentActivityHandler) evaluateEvent(event shared.Event) error {
	return h.evaluate(event.EventType(), event.AggregateID())
}

func (h *OnStudentActivityHandler) evaluate(trigger shared.EventType, studentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	unlocks, err := h.evaluator.OnStudentActivity(ctx, studentID)
	if err != nil {
		// Некорректный ввод не исправится повтором.
		if shared.IsInputError(err) {
			h.logger.Warn("evaluation rejected",
				"student_id", studentID,
				"trigger", trigger,
				"error", err,
			)
			return nil
		}
		h.logger.Error("evaluation failed",
			"student_id", studentID,
			"trigger", trigger,
			"error", err,
		)
		return err
	}

	if len(unlocks) > 0 {
		h.logger.Info("achievements unlocked",
			"student_id", studentID,
			"trigger", trigger,
			"count", len(unlocks),
		)
	}
	return nil
}

// Wait ждёт завершения фоновых оценок.
func (h *OnStudentActivityHandler) Wait() {
	h.wg.Wait()
}
