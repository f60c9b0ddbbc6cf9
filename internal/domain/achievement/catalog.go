package achievement

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Catalog - неизменяемая таблица определений достижений.
// Порядок определений сохраняется: в нём же выдаются новые достижения.
type Catalog struct {
	definitions []Definition
	byID        map[string]int
}

var definitionValidator = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("criterion_type", func(fl validator.FieldLevel) bool {
		return CriterionType(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("comparator", func(fl validator.FieldLevel) bool {
		return Comparator(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return Category(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("rarity", func(fl validator.FieldLevel) bool {
		return Rarity(fl.Field().String()).IsValid()
	})
	return v
})

// Validate проверяет одно определение.
func (d Definition) Validate() error {
	if err := definitionValidator().Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return ErrInvalidDefinition.Wrap(fmt.Errorf("definition %q: %s", d.ID, strings.Join(fields, ", ")))
		}
		return ErrInvalidDefinition.Wrap(err)
	}
	return nil
}

// NewCatalog проверяет определения и строит каталог.
// ID и названия должны быть уникальны.
func NewCatalog(definitions []Definition) (*Catalog, error) {
	c := &Catalog{
		definitions: make([]Definition, 0, len(definitions)),
		byID:        make(map[string]int, len(definitions)),
	}
	names := make(map[string]string, len(definitions))

	for _, d := range definitions {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, ErrDuplicateID.Wrap(fmt.Errorf("id %q", d.ID))
		}
		if other, dup := names[d.DisplayName]; dup {
			return nil, ErrDuplicateName.Wrap(fmt.Errorf("name %q used by %q and %q", d.DisplayName, other, d.ID))
		}
		names[d.DisplayName] = d.ID
		c.byID[d.ID] = len(c.definitions)
		c.definitions = append(c.definitions, d)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error. Intended for tests and
// package-level fixtures.
func MustCatalog(definitions []Definition) *Catalog {
	c, err := NewCatalog(definitions)
	if err != nil {
		panic(err)
	}
	return c
}

// Definitions возвращает копию определений в порядке каталога.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.definitions))
	copy(out, c.definitions)
	return out
}

// Lookup ищет определение по ID.
func (c *Catalog) Lookup(id string) (Definition, error) {
	i, ok := c.byID[id]
	if !ok {
		return Definition{}, ErrDefinitionNotFound.Wrap(fmt.Errorf("id %q", id))
	}
	return c.definitions[i], nil
}

// Len возвращает число определений.
func (c *Catalog) Len() int {
	return len(c.definitions)
}

// MaxPoints возвращает сумму очков всех определений.
func (c *Catalog) MaxPoints() int {
	total := 0
	for _, d := range c.definitions {
		total += d.Points
	}
	return total
}
