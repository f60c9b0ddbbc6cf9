// Package progress содержит доменную модель прогресса ученика горнолыжной
// школы: уровни катания, состояние навыков по видам спорта, факты
// завершённых уроков и отзывы инструкторов.
//
// Пакет определяет:
//
//   - Value Objects: Level (порядковый уровень), Sport
//   - Сущности: StudentProgressState, SkillState, SkillHistoryEntry
//   - Входные факты: CompletedLessonFact, FeedbackRecord
//   - Агрегатор прогресса (Aggregator) и калькулятор серий (ComputeStreak)
//   - Интерфейсы источников данных: LessonSource, FeedbackSource, StudentDirectory
//
// # Правила пересчёта
//
// Снимок прогресса всегда выводится заново из исходных фактов:
//
//	agg := NewAggregator()
//	result, err := agg.Recompute(studentID, prior, lessons, feedback)
//	result.State.StreakDays = ComputeStreak(CompletionDays(lessons, loc))
//
// Для каждого поля используется своя функция слияния:
//
//   - progressPercent - побеждает последний отзыв по виду спорта
//   - skillsLearned - объединение с уже освоенными навыками
//   - level по виду спорта - уровень из последнего отзыва
//   - overallLevel - максимум, никогда не понижается
package progress
