package progress

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snowtrack/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR
// ══════════════════════════════════════════════════════════════════════════════

// Aggregator выводит снимок прогресса ученика из завершённых уроков
// и истории отзывов. Не хранит состояния, безопасен для конкурентного использования.
type Aggregator struct {
	clock timeutil.Clock
	newID func() string
}

// AggregatorOption - функциональная опция агрегатора.
type AggregatorOption func(*Aggregator)

// WithClock задаёт источник времени.
func WithClock(clock timeutil.Clock) AggregatorOption {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithIDGenerator задаёт генератор идентификаторов записей истории.
func WithIDGenerator(fn func() string) AggregatorOption {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAggregator создаёт агрегатор.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		clock: timeutil.SystemClock{},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Recomputation - результат пересчёта.
type Recomputation struct {
	// State - новый снимок прогресса. Version совпадает с версией
	// исходного состояния и используется при записи как ожидаемая.
	State *StudentProgressState

	// Previous - исходное состояние (пустое, если его не было).
	Previous *StudentProgressState

	// History - по одной записи на каждый переоценённый вид спорта.
	History []SkillHistoryEntry
}

// Recompute пересчитывает прогресс ученика.
//
// Счётчики уроков выводятся из фактов заново. Для каждого вида спорта,
// по которому есть отзывы, берётся самый свежий отзыв. Виды спорта без
// отзывов сохраняют прежнее состояние. Серия дней не пересчитывается:
// её вносит ComputeStreak.
func (a *Aggregator) Recompute(
	studentID string,
	prior *StudentProgressState,
	lessons []CompletedLessonFact,
	feedback []FeedbackRecord,
) (*Recomputation, error) {
	if studentID == "" {
		return nil, ErrInvalidStudentID
	}
	if prior != nil && prior.StudentID != studentID {
		return nil, ErrForeignRecord.Wrap(fmt.Errorf("prior state of %q", prior.StudentID))
	}

	previous := prior.Clone()
	if previous == nil {
		previous = NewStudentProgressState(studentID)
	}
	state := previous.Clone()
	now := a.clock.Now().UTC()

	completed, err := countCompletedLessons(studentID, lessons)
	if err != nil {
		return nil, err
	}
	state.TotalLessons = completed
	state.CompletedLessons = completed

	bySport, err := groupFeedbackBySport(studentID, feedback)
	if err != nil {
		return nil, err
	}

	var history []SkillHistoryEntry
	derivedLevel := LevelFirstTime

	for _, sport := range Sports() {
		records, ok := bySport[sport]
		if !ok {
			if skill, had := state.SkillState[sport]; had {
				derivedLevel = MaxLevel(derivedLevel, skill.Level)
			}
			continue
		}

		latest := latestFeedback(records)
		level, err := latest.Level()
		if err != nil {
			return nil, err
		}

		before, had := state.SkillState[sport]
		levelBefore := LevelFirstTime
		if had {
			levelBefore = before.Level
		}

		next := SkillState{
			Level:           mergeSportLevel(level),
			ProgressPercent: mergeProgressPercent(latest),
			SkillsLearned:   mergeSkills(before.SkillsLearned, latest),
			LastUpdated:     now,
		}
		state.SkillState[sport] = next
		derivedLevel = MaxLevel(derivedLevel, next.Level)

		history = append(history, SkillHistoryEntry{
			ID:              a.newID(),
			StudentID:       studentID,
			Sport:           sport,
			LevelBefore:     levelBefore,
			LevelAfter:      next.Level,
			ProgressPercent: next.ProgressPercent,
			SkillsLearned:   slices.Clone(next.SkillsLearned),
			RecordedAt:      now,
		})
	}

	state.OverallLevel = mergeOverallLevel(previous.OverallLevel, derivedLevel)
	state.LastActivity = now
	state.LastUpdated = now

	return &Recomputation{State: state, Previous: previous, History: history}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-field merge functions
// ─────────────────────────────────────────────────────────────────────────────

// mergeProgressPercent: побеждает последний отзыв, без усреднения.
// Оценка ограничивается шкалой 0..5 до умножения, иначе огромное
// значение переполнит int.
func mergeProgressPercent(latest FeedbackRecord) int {
	overall := min(max(latest.Performance.Overall, 0), 5)
	return ClampPercent(overall * 100 / 5)
}

// mergeSkills: объединение прежних навыков с навыками последнего отзыва.
// Навык, однажды освоенный, не забывается.
func mergeSkills(prior []string, latest FeedbackRecord) []string {
	set := make(map[string]struct{}, len(prior))
	add := func(skills []string) {
		for _, s := range skills {
			s = strings.TrimSpace(s)
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}
	add(prior)
	add(latest.ProgressUpdate.SkillsImproved)
	add(latest.ProgressUpdate.NewSkillsLearned)

	merged := make([]string, 0, len(set))
	for s := range set {
		merged = append(merged, s)
	}
	slices.Sort(merged)
	return merged
}

// mergeSportLevel: уровень вида спорта берётся из последней оценки
// и может понижаться.
func mergeSportLevel(assessed Level) Level {
	return assessed
}

// mergeOverallLevel: общий уровень только растёт.
func mergeOverallLevel(prior, derived Level) Level {
	return MaxLevel(prior, derived)
}

// ClampPercent ограничивает значение диапазоном [0, 100].
func ClampPercent(v int) int {
	return min(max(v, 0), 100)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func countCompletedLessons(studentID string, lessons []CompletedLessonFact) (int, error) {
	seen := make(map[string]struct{}, len(lessons))
	count := 0
	for _, l := range lessons {
		if l.StudentID != "" && l.StudentID != studentID {
			return 0, ErrForeignRecord.Wrap(fmt.Errorf("lesson %q belongs to %q", l.LessonID, l.StudentID))
		}
		if !l.IsCompleted() {
			continue
		}
		if l.LessonID != "" {
			if _, dup := seen[l.LessonID]; dup {
				continue
			}
			seen[l.LessonID] = struct{}{}
		}
		count++
	}
	return count, nil
}

func groupFeedbackBySport(studentID string, feedback []FeedbackRecord) (map[Sport][]FeedbackRecord, error) {
	bySport := make(map[Sport][]FeedbackRecord)
	for _, r := range feedback {
		if r.StudentID != studentID {
			return nil, ErrForeignRecord.Wrap(fmt.Errorf("feedback %q belongs to %q", r.ID, r.StudentID))
		}
		if !r.Sport.IsValid() {
			return nil, ErrUnknownSport.Wrap(fmt.Errorf("feedback %q sport %q", r.ID, r.Sport))
		}
		bySport[r.Sport] = append(bySport[r.Sport], r)
	}
	return bySport, nil
}

// latestFeedback возвращает самый свежий отзыв; при равном времени
// побеждает последний во входном порядке.
func latestFeedback(records []FeedbackRecord) FeedbackRecord {
	latest := records[0]
	for _, r := range records[1:] {
		if !r.SubmittedAt.Before(latest.SubmittedAt) {
			latest = r
		}
	}
	return latest
}

// CompletionDays возвращает даты завершённых уроков, приведённые
// к календарным дням в указанной зоне.
func CompletionDays(lessons []CompletedLessonFact, loc *time.Location) []time.Time {
	days := make([]time.Time, 0, len(lessons))
	for _, l := range lessons {
		if !l.IsCompleted() || l.Date.IsZero() {
			continue
		}
		days = append(days, timeutil.StartOfDay(l.Date, loc))
	}
	return days
}
