package achievement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/pkg/timeutil"
)

// AvatarLookup проверяет, загрузил ли ученик собственный аватар
// (отличный от стандартного аватара платформы).
type AvatarLookup interface {
	HasCustomAvatar(ctx context.Context, studentID string) (bool, error)
}

// FailureObserver получает ошибки вычисления отдельных критериев.
type FailureObserver func(def Definition, err error)

// Engine оценивает каталог достижений по снимку прогресса.
type Engine struct {
	avatars   AvatarLookup
	clock     timeutil.Clock
	logger    *slog.Logger
	disabled  map[CriterionType]bool
	onFailure FailureObserver
}

// EngineOption - функциональная опция движка.
type EngineOption func(*Engine)

// WithAvatarLookup задаёт источник данных об аватаре.
func WithAvatarLookup(lookup AvatarLookup) EngineOption {
	return func(e *Engine) { e.avatars = lookup }
}

// WithEngineClock задаёт источник времени для UnlockedAt.
func WithEngineClock(clock timeutil.Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDisabledCriteria отключает типы критериев: такие определения
// считаются невыполненными.
func WithDisabledCriteria(types ...CriterionType) EngineOption {
	return func(e *Engine) {
		for _, t := range types {
			e.disabled[t] = true
		}
	}
}

// WithFailureObserver задаёт наблюдателя за ошибками критериев.
func WithFailureObserver(fn FailureObserver) EngineOption {
	return func(e *Engine) { e.onFailure = fn }
}

// NewEngine создаёт движок правил.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		clock:    timeutil.SystemClock{},
		logger:   slog.Default(),
		disabled: make(map[CriterionType]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate возвращает достижения, которые ученик получает впервые,
// в порядке каталога.
//
// Уже полученные достижения пропускаются. Ошибка вычисления одного
// критерия (например, недоступен сервис профилей) делает только этот
// критерий невыполненным: ошибка логируется, оценка продолжается.
func (e *Engine) Evaluate(
	ctx context.Context,
	snapshot *progress.StudentProgressState,
	feedback []progress.FeedbackRecord,
	unlocked UnlockedSet,
	catalog *Catalog,
) []Unlock {
	if snapshot == nil || catalog == nil {
		return nil
	}

	obs := &observation{engine: e, ctx: ctx, snapshot: snapshot, feedback: feedback}
	now := e.clock.Now().UTC()

	var unlocks []Unlock
	for _, def := range catalog.definitions {
		if unlocked.Contains(def) {
			continue
		}

		observed, err := obs.value(def.Criteria.Type)
		if err != nil {
			e.reportFailure(snapshot.StudentID, def, err)
			continue
		}

		ok, err := def.Criteria.Comparator.Compare(observed, def.Criteria.Threshold)
		if err != nil {
			e.reportFailure(snapshot.StudentID, def, err)
			continue
		}
		if ok {
			unlocks = append(unlocks, NewUnlock(snapshot.StudentID, def, now))
		}
	}
	return unlocks
}

func (e *Engine) reportFailure(studentID string, def Definition, err error) {
	e.logger.Warn("achievement criterion skipped",
		slog.String("student_id", studentID),
		slog.String("achievement_id", def.ID),
		slog.String("criterion", string(def.Criteria.Type)),
		slog.String("error", err.Error()),
	)
	if e.onFailure != nil {
		e.onFailure(def, err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Observed values
// ─────────────────────────────────────────────────────────────────────────────

// observation вычисляет наблюдаемые значения для одного вызова Evaluate.
// Результат обращения к сервису профилей запоминается.
type observation struct {
	engine   *Engine
	ctx      context.Context
	snapshot *progress.StudentProgressState
	feedback []progress.FeedbackRecord

	avatarChecked bool
	avatarValue   int
	avatarErr     error
}

func (o *observation) value(t CriterionType) (int, error) {
	if o.engine.disabled[t] {
		return 0, ErrCriterionDisabled.Wrap(fmt.Errorf("criterion %q", t))
	}

	switch t {
	case CriterionLessonsCompleted:
		return o.snapshot.CompletedLessons, nil
	case CriterionSkillLevel:
		return o.snapshot.OverallLevel.Ordinal(), nil
	case CriterionRatingAchieved:
		return maxOverallRating(o.feedback), nil
	case CriterionFeedbackCount:
		return len(o.feedback), nil
	case CriterionStreakDays:
		return o.snapshot.StreakDays, nil
	case CriterionAccountCreated:
		return 1, nil
	case CriterionProfilePictureAdded:
		return o.customAvatar()
	default:
		return 0, ErrUnknownCriterion.Wrap(fmt.Errorf("criterion %q", t))
	}
}

func (o *observation) customAvatar() (int, error) {
	if o.avatarChecked {
		return o.avatarValue, o.avatarErr
	}
	o.avatarChecked = true

	if o.engine.avatars == nil {
		o.avatarErr = ErrLookupUnavailable
		return 0, o.avatarErr
	}
	custom, err := o.engine.avatars.HasCustomAvatar(o.ctx, o.snapshot.StudentID)
	if err != nil {
		o.avatarErr = err
		return 0, err
	}
	if custom {
		o.avatarValue = 1
	}
	return o.avatarValue, nil
}

func maxOverallRating(feedback []progress.FeedbackRecord) int {
	best := 0
	for _, r := range feedback {
		best = max(best, r.Performance.Overall)
	}
	return best
}
