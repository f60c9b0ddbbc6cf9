package query

import (
	"github.com/snowtrack/progress-engine/internal/domain/achievement"
)

// ══════════════════════════════════════════════════════════════════════════════
// LIST ACHIEVEMENTS QUERY
// Возвращает каталог достижений в порядке каталога.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementDefinitionDTO - определение достижения для клиента.
type AchievementDefinitionDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Category    string `json:"category"`
	Rarity      string `json:"rarity,omitempty"`
	Points      int    `json:"points"`
	Criterion   string `json:"criterion"`
	Comparator  string `json:"comparator"`
	Threshold   int    `json:"threshold"`
}

// ListAchievementsResult - результат запроса каталога.
type ListAchievementsResult struct {
	Achievements []AchievementDefinitionDTO `json:"achievements"`
	Total        int                        `json:"total"`
	MaxPoints    int                        `json:"max_points"`
}

// ListAchievementsHandler обрабатывает запрос каталога.
// Каталог неизменяем, поэтому результат строится один раз.
type ListAchievementsHandler struct {
	result ListAchievementsResult
}

// NewListAchievementsHandler создаёт обработчик.
func NewListAchievementsHandler(catalog *achievement.Catalog) *ListAchievementsHandler {
	defs := catalog.Definitions()
	out := make([]AchievementDefinitionDTO, 0, len(defs))
	for _, d := range defs {
		out = append(out, AchievementDefinitionDTO{
			ID:          d.ID,
			Name:        d.DisplayName,
			Description: d.Description,
			Icon:        d.Icon,
			Category:    string(d.Category),
			Rarity:      string(d.Rarity),
			Points:      d.Points,
			Criterion:   string(d.Criteria.Type),
			Comparator:  string(d.Criteria.Comparator),
			Threshold:   d.Criteria.Threshold,
		})
	}
	return &ListAchievementsHandler{
		result: ListAchievementsResult{
			Achievements: out,
			Total:        len(out),
			MaxPoints:    catalog.MaxPoints(),
		},
	}
}

// Handle возвращает копию каталога.
func (h *ListAchievementsHandler) Handle() ListAchievementsResult {
	res := h.result
	res.Achievements = append([]AchievementDefinitionDTO(nil), h.result.Achievements...)
	return res
}
