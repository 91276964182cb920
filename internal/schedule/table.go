package schedule

import "github.com/p-n-ai/pai-planner/internal/curriculum"

// TableEntry describes one subject in the scientific ordering table.
// Weight and Difficulty are descriptive; they never affect ranking.
type TableEntry struct {
	Subject    string  `yaml:"subject" json:"subject"`
	Weight     float64 `yaml:"weight" json:"weight"`
	Difficulty float64 `yaml:"difficulty" json:"difficulty"`
}

// Table lists subjects in canonical study order: foundational subjects
// first, subjects that cross-reference them later.
type Table []TableEntry

// DefaultTable is the canonical order for the law-enforcement exam track.
var DefaultTable = Table{
	{Subject: "criminal_law", Weight: 0.25, Difficulty: 2.5},
	{Subject: "criminal_procedure", Weight: 0.25, Difficulty: 2.7},
	{Subject: "constitutional_law", Weight: 0.15, Difficulty: 2.0},
	{Subject: "police_science", Weight: 0.20, Difficulty: 1.8},
	{Subject: "administrative_law", Weight: 0.10, Difficulty: 2.2},
	{Subject: "civil_law", Weight: 0.05, Difficulty: 2.8},
}

func (t Table) index() map[string]int {
	idx := make(map[string]int, len(t))
	for i, e := range t {
		key := curriculum.NormalizeSubject(e.Subject)
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}
