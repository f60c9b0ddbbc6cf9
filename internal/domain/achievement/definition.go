// Package achievement содержит каталог достижений и движок правил,
// который определяет, какие достижения ученик получает впервые.
//
// Каталог неизменяем и загружается один раз при старте процесса.
// Ключ дедупликации - неизменяемый ID определения; записи, созданные
// до перехода на ID и хранящие только название, тоже учитываются
// (см. UnlockedSet).
package achievement

import (
	"fmt"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Category - категория достижения.
type Category string

const (
	CategorySkill     Category = "skill"
	CategoryMilestone Category = "milestone"
	CategorySocial    Category = "social"
	CategoryStreak    Category = "streak"
)

// IsValid проверяет категорию.
func (c Category) IsValid() bool {
	switch c {
	case CategorySkill, CategoryMilestone, CategorySocial, CategoryStreak:
		return true
	}
	return false
}

// Rarity - редкость достижения.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// IsValid проверяет редкость. Пустое значение допустимо.
func (r Rarity) IsValid() bool {
	switch r {
	case "", RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

// CriterionType - наблюдаемая величина, с которой сравнивается порог.
type CriterionType string

const (
	// CriterionLessonsCompleted - число завершённых уроков.
	CriterionLessonsCompleted CriterionType = "lessons_completed"
	// CriterionSkillLevel - порядковый номер общего уровня.
	CriterionSkillLevel CriterionType = "skill_level"
	// CriterionRatingAchieved - максимальная общая оценка среди отзывов.
	CriterionRatingAchieved CriterionType = "rating_achieved"
	// CriterionFeedbackCount - число отзывов.
	CriterionFeedbackCount CriterionType = "feedback_count"
	// CriterionStreakDays - длина серии дней.
	CriterionStreakDays CriterionType = "streak_days"
	// CriterionAccountCreated - всегда 1 для существующего аккаунта.
	CriterionAccountCreated CriterionType = "account_created"
	// CriterionProfilePictureAdded - 1, если аватар отличается от стандартного.
	CriterionProfilePictureAdded CriterionType = "profile_picture_added"
)

// CriterionTypes возвращает все поддерживаемые типы критериев.
func CriterionTypes() []CriterionType {
	return []CriterionType{
		CriterionLessonsCompleted,
		CriterionSkillLevel,
		CriterionRatingAchieved,
		CriterionFeedbackCount,
		CriterionStreakDays,
		CriterionAccountCreated,
		CriterionProfilePictureAdded,
	}
}

// IsValid проверяет тип критерия.
func (t CriterionType) IsValid() bool {
	for _, known := range CriterionTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Comparator - способ сравнения наблюдаемого значения с порогом.
type Comparator string

const (
	ComparatorEq  Comparator = "eq"
	ComparatorGte Comparator = "gte"
	ComparatorLte Comparator = "lte"
)

// IsValid проверяет компаратор.
func (c Comparator) IsValid() bool {
	return c == ComparatorEq || c == ComparatorGte || c == ComparatorLte
}

// Compare применяет компаратор.
func (c Comparator) Compare(observed, threshold int) (bool, error) {
	switch c {
	case ComparatorEq:
		return observed == threshold, nil
	case ComparatorGte:
		return observed >= threshold, nil
	case ComparatorLte:
		return observed <= threshold, nil
	default:
		return false, ErrUnknownComparator.Wrap(fmt.Errorf("comparator %q", c))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEFINITION
// ══════════════════════════════════════════════════════════════════════════════

// Criteria - условие получения достижения.
type Criteria struct {
	Type       CriterionType `json:"type" yaml:"type" validate:"required,criterion_type"`
	Comparator Comparator    `json:"comparator" yaml:"comparator" validate:"required,comparator"`
	Threshold  int           `json:"threshold" yaml:"threshold" validate:"gte=0"`
}

// Definition - описание достижения из каталога.
type Definition struct {
	// ID - неизменяемый идентификатор, ключ дедупликации.
	ID string `json:"id" yaml:"id" validate:"required,max=64"`

	// DisplayName - отображаемое название ("First Steps").
	DisplayName string `json:"name" yaml:"name" validate:"required,max=128"`

	// Description - описание для ученика.
	Description string `json:"description" yaml:"description"`

	// Icon - эмодзи или ключ иконки.
	Icon string `json:"icon" yaml:"icon"`

	// Category - категория.
	Category Category `json:"category" yaml:"category" validate:"required,category"`

	// Criteria - условие получения.
	Criteria Criteria `json:"criteria" yaml:"criteria"`

	// Rarity - редкость.
	Rarity Rarity `json:"rarity" yaml:"rarity" validate:"rarity"`

	// Points - очки, начисляемые при получении.
	Points int `json:"points" yaml:"points" validate:"gte=0"`
}

// Ошибки домена достижений.
var (
	ErrInvalidDefinition  = shared.NewDomainError("achievement", "ValidateDefinition", shared.ErrValidation, "invalid achievement definition")
	ErrDuplicateID        = shared.NewDomainError("achievement", "NewCatalog", shared.ErrAlreadyExists, "duplicate achievement id")
	ErrDuplicateName      = shared.NewDomainError("achievement", "NewCatalog", shared.ErrAlreadyExists, "duplicate achievement name")
	ErrUnknownComparator  = shared.NewDomainError("achievement", "Compare", shared.ErrInvalidFormat, "unknown comparator")
	ErrUnknownCriterion   = shared.NewDomainError("achievement", "Observe", shared.ErrInvalidFormat, "unknown criterion type")
	ErrLookupUnavailable  = shared.NewDomainError("achievement", "Observe", shared.ErrServiceUnavailable, "collaborator lookup is not configured")
	ErrCriterionDisabled  = shared.NewDomainError("achievement", "Observe", shared.ErrInvalidState, "criterion is disabled")
	ErrDefinitionNotFound = shared.NewDomainError("achievement", "Lookup", shared.ErrNotFound, "achievement definition not found")
)
