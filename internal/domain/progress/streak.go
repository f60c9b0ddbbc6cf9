package progress

import (
	"slices"
	"time"

	"github.com/snowtrack/progress-engine/pkg/timeutil"
)

// ComputeStreak возвращает длину самой длинной серии календарных дней
// подряд, в которые был хотя бы один завершённый урок.
//
// Даты сравниваются как календарные дни в собственной зоне каждого значения,
// поэтому вызывающий код приводит их к зоне школы (см. CompletionDays).
// Повторы одного дня схлопываются, порядок входа не важен.
// Пустой вход даёт 0, одна дата - 1.
func ComputeStreak(dates []time.Time) int {
	if len(dates) == 0 {
		return 0
	}

	days := make([]int64, 0, len(dates))
	for _, d := range dates {
		days = append(days, timeutil.DayNumber(d, d.Location()))
	}
	slices.Sort(days)
	days = slices.Compact(days)
	slices.Reverse(days)

	best, run := 1, 1
	for i := 1; i < len(days); i++ {
		if days[i-1]-days[i] == 1 {
			run++
			best = max(best, run)
			continue
		}
		run = 1
	}
	return best
}
