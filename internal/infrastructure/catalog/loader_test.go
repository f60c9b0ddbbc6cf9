package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	first, err := c.Lookup("first_steps")
	require.NoError(t, err)
	assert.Equal(t, "First Steps", first.DisplayName)
	assert.Equal(t, achievement.CriterionLessonsCompleted, first.Criteria.Type)
	assert.Equal(t, achievement.ComparatorEq, first.Criteria.Comparator)
	assert.Equal(t, 1, first.Criteria.Threshold)

	seen := map[achievement.CriterionType]bool{}
	for _, d := range c.Definitions() {
		seen[d.Criteria.Type] = true
	}
	for _, ct := range achievement.CriterionTypes() {
		assert.True(t, seen[ct], "no default achievement uses %s", ct)
	}
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, def.Len(), c.Len())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
achievements:
  - id: first_run
    name: First Run
    category: milestone
    criteria: { type: lessons_completed, comparator: gte, threshold: 1 }
    points: 10
`), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 10, c.MaxPoints())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"empty document", "", ErrEmptyCatalog},
		{"no achievements", "achievements: []", ErrEmptyCatalog},
		{"invalid definition", `
achievements:
  - id: x
    name: X
    category: milestone
    criteria: { type: lessons_completed, comparator: gt, threshold: 1 }
`, achievement.ErrInvalidDefinition},
		{"duplicate id", `
achievements:
  - { id: x, name: X, category: milestone, criteria: { type: account_created, comparator: eq, threshold: 1 } }
  - { id: x, name: Y, category: milestone, criteria: { type: account_created, comparator: eq, threshold: 1 } }
`, achievement.ErrDuplicateID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Parse([]byte("achievements:\n  - id: x\n    nmae: typo\n"))
	assert.Error(t, err)
}
