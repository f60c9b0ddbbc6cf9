// Package evaluation описывает агрегат оценки ученика (состояние прогресса
// вместе с полученными достижениями) и контракт атомарной записи.
package evaluation

import (
	"context"
	"fmt"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// Aggregate - всё, что движок читает о себе перед пересчётом.
type Aggregate struct {
	// State - сохранённое состояние или nil, если ученик ещё не оценивался.
	State *progress.StudentProgressState

	// Unlocks - полученные достижения.
	Unlocks []achievement.Unlock
}

// Version возвращает версию сохранённого состояния (0, если его нет).
func (a *Aggregate) Version() int64 {
	if a == nil || a.State == nil {
		return 0
	}
	return a.State.Version
}

// CommitRequest - единица атомарной записи.
type CommitRequest struct {
	// StudentID - ученик.
	StudentID string

	// ExpectedVersion - версия, от которой выполнялся пересчёт.
	// Если в хранилище другая версия, запись отклоняется с ErrConflict.
	ExpectedVersion int64

	// State - новое состояние. Version в хранилище станет ExpectedVersion+1.
	State *progress.StudentProgressState

	// History - записи журнала навыков.
	History []progress.SkillHistoryEntry

	// Unlocks - новые достижения.
	Unlocks []achievement.Unlock
}

// Validate проверяет согласованность запроса.
func (r CommitRequest) Validate() error {
	if r.StudentID == "" {
		return progress.ErrInvalidStudentID
	}
	if r.State == nil {
		return ErrInvalidCommit.Wrap(fmt.Errorf("state is nil"))
	}
	if r.State.StudentID != r.StudentID {
		return ErrInvalidCommit.Wrap(fmt.Errorf("state belongs to %q", r.State.StudentID))
	}
	if err := r.State.Validate(); err != nil {
		return err
	}
	for _, h := range r.History {
		if h.StudentID != r.StudentID {
			return ErrInvalidCommit.Wrap(fmt.Errorf("history entry %q belongs to %q", h.ID, h.StudentID))
		}
	}
	for _, u := range r.Unlocks {
		if u.StudentID != r.StudentID || u.DefinitionID == "" {
			return ErrInvalidCommit.Wrap(fmt.Errorf("unlock %q for %q", u.DefinitionID, u.StudentID))
		}
	}
	return nil
}

// Store - хранилище агрегата.
//
// Commit выполняется как одна транзакция: состояние перезаписывается,
// записи журнала добавляются, новые достижения вставляются. Либо
// применяются все изменения, либо ни одно.
//
// Ошибки Commit классифицируются через shared:
//   - ErrConflict (shared.ErrConcurrentModification) - версия устарела
//     или достижение уже записано другим писателем;
//   - shared.ErrServiceUnavailable / shared.ErrTimeout - временный сбой.
type Store interface {
	// LoadAggregate читает состояние и достижения ученика.
	LoadAggregate(ctx context.Context, studentID string) (*Aggregate, error)

	// Commit атомарно записывает результат оценки.
	Commit(ctx context.Context, req CommitRequest) error
}

// Ошибки записи.
var (
	ErrConflict      = shared.NewDomainError("evaluation", "Commit", shared.ErrConcurrentModification, "progress state was modified concurrently")
	ErrUnavailable   = shared.NewDomainError("evaluation", "Commit", shared.ErrServiceUnavailable, "progress store unavailable")
	ErrInvalidCommit = shared.NewDomainError("evaluation", "Commit", shared.ErrInvalidInput, "inconsistent commit request")
)
