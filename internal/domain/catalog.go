package domain

import (
	"errors"
	"fmt"
)

// Catalog is the read-only set of configured models.
type Catalog struct {
	models []Model
	byID   map[string]Model
}

func NewCatalog(models []Model) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Model, len(models))}
	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("model without id")
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id: %s", m.ID)
		}
		if m.Mode == "" {
			m.Mode = ModeChat
		}
		c.byID[m.ID] = m
		c.models = append(c.models, m)
	}

	return c, nil
}

func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

func (c *Catalog) All() []Model {
	return append([]Model(nil), c.models...)
}
