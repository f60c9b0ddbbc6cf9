package progress

import "github.com/snowtrack/progress-engine/internal/domain/shared"

// Ошибки домена прогресса.
var (
	ErrInvalidStudentID = shared.NewDomainError("progress", "Validate", shared.ErrInvalidID, "student id is required")
	ErrStudentNotFound  = shared.NewDomainError("progress", "FindStudent", shared.ErrNotFound, "student not found")
	ErrUnknownLevel     = shared.NewDomainError("progress", "ParseLevel", shared.ErrInvalidFormat, "unknown skill level")
	ErrUnknownSport     = shared.NewDomainError("progress", "ParseSport", shared.ErrInvalidFormat, "unknown sport")
	ErrInvalidFeedback  = shared.NewDomainError("progress", "ValidateFeedback", shared.ErrValidation, "malformed feedback record")
	ErrForeignRecord    = shared.NewDomainError("progress", "Recompute", shared.ErrInvalidInput, "record belongs to another student")
	ErrInvalidState     = shared.NewDomainError("progress", "Validate", shared.ErrInvalidState, "progress state violates invariants")
)
