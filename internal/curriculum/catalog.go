package curriculum

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds the curricula of every subject, keyed by normalized subject ID.
type Catalog struct {
	curricula map[string]Curriculum
	mu        sync.RWMutex
}

// NewCatalog builds a catalog from the given curricula. Each curriculum is
// validated; duplicate subject IDs are rejected.
func NewCatalog(curricula ...Curriculum) (*Catalog, error) {
	c := &Catalog{curricula: make(map[string]Curriculum, len(curricula))}
	for _, cur := range curricula {
		if err := c.Add(cur); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add validates and registers a curriculum.
func (c *Catalog) Add(cur Curriculum) error {
	if err := cur.Validate(); err != nil {
		return err
	}
	cur.ID = NormalizeSubject(cur.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.curricula[cur.ID]; ok {
		return fmt.Errorf("duplicate curriculum for subject %q", cur.ID)
	}
	c.curricula[cur.ID] = cur
	return nil
}

// Get returns the curriculum for a subject.
func (c *Catalog) Get(subject string) (Curriculum, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.curricula[NormalizeSubject(subject)]
	return cur, ok
}

// Subjects returns all subject IDs, sorted.
func (c *Catalog) Subjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subjects := make([]string, 0, len(c.curricula))
	for id := range c.curricula {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)
	return subjects
}

// Len returns the number of subjects in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.curricula)
}

// HoursTable maps each subject to the total estimated hours of its curriculum.
func (c *Catalog) HoursTable() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table := make(map[string]float64, len(c.curricula))
	for id, cur := range c.curricula {
		table[id] = cur.TotalHours()
	}
	return table
}
