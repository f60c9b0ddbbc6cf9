package achievement

import "time"

// Unlock - полученное учеником достижение.
// На пару (ученик, определение) существует не более одной записи.
type Unlock struct {
	StudentID      string    `json:"student_id"`
	DefinitionID   string    `json:"definition_id"`
	DefinitionName string    `json:"definition_name"`
	Description    string    `json:"description"`
	Icon           string    `json:"icon"`
	Category       Category  `json:"category"`
	Points         int       `json:"points"`
	UnlockedAt     time.Time `json:"unlocked_at"`
}

// NewUnlock создаёт запись о получении достижения с денормализованными
// полями определения.
func NewUnlock(studentID string, def Definition, at time.Time) Unlock {
	return Unlock{
		StudentID:      studentID,
		DefinitionID:   def.ID,
		DefinitionName: def.DisplayName,
		Description:    def.Description,
		Icon:           def.Icon,
		Category:       def.Category,
		Points:         def.Points,
		UnlockedAt:     at,
	}
}

// IsLegacy сообщает, что запись создана до перехода на ID и
// идентифицирует определение только по названию.
func (u Unlock) IsLegacy() bool {
	return u.DefinitionID == ""
}

// TotalPoints суммирует очки записей.
func TotalPoints(unlocks []Unlock) int {
	total := 0
	for _, u := range unlocks {
		total += u.Points
	}
	return total
}

// UnlockedSet - множество уже полученных достижений ученика.
type UnlockedSet struct {
	ids         map[string]struct{}
	legacyNames map[string]struct{}
}

// NewUnlockedSet строит множество из сохранённых записей.
func NewUnlockedSet(unlocks []Unlock) UnlockedSet {
	s := UnlockedSet{
		ids:         make(map[string]struct{}, len(unlocks)),
		legacyNames: make(map[string]struct{}),
	}
	for _, u := range unlocks {
		s.Add(u)
	}
	return s
}

// Add добавляет запись в множество.
func (s *UnlockedSet) Add(u Unlock) {
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if s.legacyNames == nil {
		s.legacyNames = make(map[string]struct{})
	}
	if u.IsLegacy() {
		s.legacyNames[u.DefinitionName] = struct{}{}
		return
	}
	s.ids[u.DefinitionID] = struct{}{}
}

// Contains сообщает, получено ли достижение: по ID или, для старых
// записей без ID, по текущему названию.
func (s UnlockedSet) Contains(def Definition) bool {
	if _, ok := s.ids[def.ID]; ok {
		return true
	}
	_, ok := s.legacyNames[def.DisplayName]
	return ok
}

// Len возвращает число записей.
func (s UnlockedSet) Len() int {
	return len(s.ids) + len(s.legacyNames)
}
