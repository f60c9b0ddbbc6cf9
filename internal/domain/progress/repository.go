package progress

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// SOURCE INTERFACES
// Данные, которыми владеют внешние сервисы (уроки, отзывы, профили).
// Движок только читает их. Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// LessonSource отдаёт завершённые уроки ученика.
type LessonSource interface {
	// CompletedLessons возвращает факты завершённых уроков ученика.
	CompletedLessons(ctx context.Context, studentID string) ([]CompletedLessonFact, error)
}

// FeedbackSource отдаёт отзывы инструкторов об ученике.
type FeedbackSource interface {
	// FeedbackRecords возвращает все отзывы ученика.
	FeedbackRecords(ctx context.Context, studentID string) ([]FeedbackRecord, error)
}

// StudentDirectory проверяет существование учеников.
type StudentDirectory interface {
	// StudentExists возвращает false, если ученик неизвестен.
	StudentExists(ctx context.Context, studentID string) (bool, error)
}
