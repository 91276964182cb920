package curriculum

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Difficulty grades a topic.
type Difficulty string

const (
	DifficultyBasic        Difficulty = "basic"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyBasic, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// Score maps a difficulty to a numeric score (1..3).
func (d Difficulty) Score() float64 {
	switch d {
	case DifficultyIntermediate:
		return 2
	case DifficultyAdvanced:
		return 3
	default:
		return 1
	}
}

// Granularity names the two levels of a curriculum hierarchy.
type Granularity string

const (
	GranularityPart    Granularity = "part"    // Part -> Topic
	GranularityChapter Granularity = "chapter" // Chapter -> Section
)

// Topic is the smallest learnable unit of a subject.
type Topic struct {
	ID             string     `yaml:"id"`
	Title          string     `yaml:"title"`
	Difficulty     Difficulty `yaml:"difficulty"`
	EstimatedHours float64    `yaml:"estimated_hours"`
}

// Part groups topics. For chapter-granularity subjects a Part is a chapter
// and its topics are sections.
type Part struct {
	ID     string  `yaml:"id"`
	Title  string  `yaml:"title"`
	Topics []Topic `yaml:"topics"`
}

// Curriculum is the fixed hierarchy of learnable units of one subject.
// Topic order is canonical and stable across sessions.
type Curriculum struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Granularity Granularity `yaml:"granularity"`
	Parts       []Part      `yaml:"parts"`
}

// Topics returns all topics in canonical order.
func (c Curriculum) Topics() []Topic {
	n := 0
	for _, p := range c.Parts {
		n += len(p.Topics)
	}
	topics := make([]Topic, 0, n)
	for _, p := range c.Parts {
		topics = append(topics, p.Topics...)
	}
	return topics
}

// TopicIDs returns topic IDs in canonical order.
func (c Curriculum) TopicIDs() []string {
	topics := c.Topics()
	ids := make([]string, len(topics))
	for i, t := range topics {
		ids[i] = t.ID
	}
	return ids
}

// HasTopic reports whether id belongs to the curriculum.
func (c Curriculum) HasTopic(id string) bool {
	for _, p := range c.Parts {
		for _, t := range p.Topics {
			if t.ID == id {
				return true
			}
		}
	}
	return false
}

// TotalHours sums the estimated hours of every topic.
func (c Curriculum) TotalHours() float64 {
	var total float64
	for _, t := range c.Topics() {
		total += t.EstimatedHours
	}
	return total
}

// DifficultyScore is the hours-weighted mean difficulty of the curriculum,
// or the plain mean when no hours are recorded. Empty curricula score 0.
func (c Curriculum) DifficultyScore() float64 {
	topics := c.Topics()
	if len(topics) == 0 {
		return 0
	}
	var weighted, hours, plain float64
	for _, t := range topics {
		weighted += t.Difficulty.Score() * t.EstimatedHours
		hours += t.EstimatedHours
		plain += t.Difficulty.Score()
	}
	if hours > 0 {
		return weighted / hours
	}
	return plain / float64(len(topics))
}

// Validate checks the structural invariants of a curriculum.
func (c Curriculum) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("curriculum id is required")
	}
	switch c.Granularity {
	case "", GranularityPart, GranularityChapter:
	default:
		return fmt.Errorf("curriculum %s: unknown granularity %q", c.ID, c.Granularity)
	}

	seen := make(map[string]bool)
	for _, p := range c.Parts {
		for _, t := range p.Topics {
			if t.ID == "" {
				return fmt.Errorf("curriculum %s: topic in part %q has no id", c.ID, p.ID)
			}
			if seen[t.ID] {
				return fmt.Errorf("curriculum %s: duplicate topic id %q", c.ID, t.ID)
			}
			seen[t.ID] = true
			if !t.Difficulty.Valid() {
				return fmt.Errorf("curriculum %s: topic %s has unknown difficulty %q", c.ID, t.ID, t.Difficulty)
			}
			if t.EstimatedHours < 0 {
				return fmt.Errorf("curriculum %s: topic %s has negative estimated hours", c.ID, t.ID)
			}
		}
	}
	return nil
}

// NormalizeSubject canonicalizes a subject key so that visually identical
// keys compare equal (NFC, trimmed).
func NormalizeSubject(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
