package achievement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

func TestNewCatalog_PreservesOrder(t *testing.T) {
	c, err := NewCatalog([]Definition{
		def("b", "Bravo", CriterionAccountCreated, ComparatorEq, 1),
		def("a", "Alpha", CriterionLessonsCompleted, ComparatorGte, 5),
	})
	require.NoError(t, err)

	defs := c.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].ID)
	assert.Equal(t, "a", defs[1].ID)
	assert.Equal(t, 20, c.MaxPoints())

	found, err := c.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", found.DisplayName)

	_, err = c.Lookup("zzz")
	assert.True(t, shared.IsNotFound(err))
}

func TestNewCatalog_Rejects(t *testing.T) {
	valid := def("x", "X", CriterionLessonsCompleted, ComparatorEq, 1)

	tests := []struct {
		name string
		defs []Definition
		want error
	}{
		{"duplicate id", []Definition{valid, def("x", "Other", CriterionAccountCreated, ComparatorEq, 1)}, ErrDuplicateID},
		{"duplicate name", []Definition{valid, def("y", "X", CriterionAccountCreated, ComparatorEq, 1)}, ErrDuplicateName},
		{"missing id", []Definition{def("", "X", CriterionLessonsCompleted, ComparatorEq, 1)}, ErrInvalidDefinition},
		{"unknown criterion", []Definition{def("x", "X", "likes_received", ComparatorEq, 1)}, ErrInvalidDefinition},
		{"unknown comparator", []Definition{def("x", "X", CriterionLessonsCompleted, "gt", 1)}, ErrInvalidDefinition},
		{"negative threshold", []Definition{def("x", "X", CriterionLessonsCompleted, ComparatorEq, -1)}, ErrInvalidDefinition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	bad := valid
	bad.Category = "fun"
	_, err := NewCatalog([]Definition{bad})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	bad = valid
	bad.Points = -5
	_, err = NewCatalog([]Definition{bad})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestUnlockedSet(t *testing.T) {
	set := NewUnlockedSet([]Unlock{
		{DefinitionID: "first_steps", DefinitionName: "First Steps"},
		{DefinitionName: "Legacy Badge"},
	})

	assert.True(t, set.Contains(Definition{ID: "first_steps", DisplayName: "Anything"}))
	assert.True(t, set.Contains(Definition{ID: "legacy_badge", DisplayName: "Legacy Badge"}))
	assert.False(t, set.Contains(Definition{ID: "other", DisplayName: "First Steps"}))
	assert.Equal(t, 2, set.Len())

	var empty UnlockedSet
	empty.Add(Unlock{DefinitionID: "z"})
	assert.True(t, empty.Contains(Definition{ID: "z"}))
}
