// Package schedule orders the subjects that still need study into a
// contiguous priority list.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/p-n-ai/pai-planner/internal/curriculum"
	"github.com/p-n-ai/pai-planner/internal/progress"
)

// Method selects how subjects are ordered.
type Method string

const (
	MethodScientific Method = "scientific"
	MethodManual     Method = "manual"
)

// ParseMethod validates an order method string. Empty means scientific.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodScientific, nil
	case MethodScientific, MethodManual:
		return m, nil
	default:
		return "", fmt.Errorf("unknown order method %q", s)
	}
}

// Entry is one ranked subject.
type Entry struct {
	Subject         string  `json:"subject"`
	PriorityRank    int     `json:"priorityRank"`
	Weight          float64 `json:"weight"`
	DifficultyScore float64 `json:"difficultyScore"`
}

// InvalidPermutationError reports a manual order that is not a permutation
// of the subjects requiring study.
type InvalidPermutationError struct {
	Duplicates []string
	Missing    []string
	Unexpected []string
}

func (e *InvalidPermutationError) Error() string {
	var parts []string
	if len(e.Duplicates) > 0 {
		parts = append(parts, "duplicates "+strings.Join(e.Duplicates, ","))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ","))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ","))
	}
	return "manual order is not a permutation: " + strings.Join(parts, "; ")
}

// Scheduler ranks subjects. It holds no mutable state and is safe for
// concurrent use.
type Scheduler struct {
	table   Table
	index   map[string]int
	catalog *curriculum.Catalog
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCatalog supplies curricula used to score difficulty for subjects that
// the table does not list.
func WithCatalog(c *curriculum.Catalog) Option {
	return func(s *Scheduler) {
		s.catalog = c
	}
}

// NewScheduler creates a scheduler over the given ordering table.
// A nil table falls back to DefaultTable.
func NewScheduler(table Table, opts ...Option) *Scheduler {
	if table == nil {
		table = DefaultTable
	}
	s := &Scheduler{table: table, index: table.index()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Order ranks every non-completed subject 1..N.
//
// For MethodManual, manual must be a permutation of those subjects. When it
// is not, Order returns the scientific order together with an
// *InvalidPermutationError; callers should surface the error as a warning.
func (s *Scheduler) Order(subjects []progress.SubjectProgress, method Method, manual []string) ([]Entry, error) {
	pending := pendingSubjects(subjects)

	switch method {
	case MethodScientific, "":
		return s.rank(s.scientific(pending)), nil
	case MethodManual:
		order, err := validatePermutation(pending, manual)
		if err != nil {
			slog.Warn("manual order rejected, using scientific order", "error", err)
			return s.rank(s.scientific(pending)), err
		}
		return s.rank(order), nil
	default:
		return nil, fmt.Errorf("unknown order method %q", method)
	}
}

// pendingSubjects returns the normalized, de-duplicated non-completed subjects.
func pendingSubjects(subjects []progress.SubjectProgress) []string {
	seen := make(map[string]bool, len(subjects))
	pending := make([]string, 0, len(subjects))
	for _, p := range subjects {
		if p.Status == progress.StatusCompleted {
			continue
		}
		key := curriculum.NormalizeSubject(p.Subject)
		if seen[key] {
			continue
		}
		seen[key] = true
		pending = append(pending, key)
	}
	return pending
}

// scientific sorts by table position; unlisted subjects follow, lexically.
func (s *Scheduler) scientific(pending []string) []string {
	out := append([]string(nil), pending...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := s.index[out[i]]
		pj, jok := s.index[out[j]]
		if iok != jok {
			return iok
		}
		if iok {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

func validatePermutation(pending, manual []string) ([]string, error) {
	want := make(map[string]bool, len(pending))
	for _, p := range pending {
		want[p] = true
	}

	perr := &InvalidPermutationError{}
	seen := make(map[string]bool, len(manual))
	order := make([]string, 0, len(manual))
	for _, m := range manual {
		key := curriculum.NormalizeSubject(m)
		switch {
		case seen[key]:
			perr.Duplicates = append(perr.Duplicates, key)
		case !want[key]:
			perr.Unexpected = append(perr.Unexpected, key)
		default:
			order = append(order, key)
		}
		seen[key] = true
	}
	for _, p := range pending {
		if !seen[p] {
			perr.Missing = append(perr.Missing, p)
		}
	}

	if len(perr.Duplicates)+len(perr.Missing)+len(perr.Unexpected) > 0 {
		return nil, perr
	}
	return order, nil
}

func (s *Scheduler) rank(order []string) []Entry {
	entries := make([]Entry, len(order))
	for i, subject := range order {
		e := Entry{Subject: subject, PriorityRank: i + 1}
		if idx, ok := s.index[subject]; ok {
			e.Weight = s.table[idx].Weight
			e.DifficultyScore = s.table[idx].Difficulty
		} else if s.catalog != nil {
			if cur, ok := s.catalog.Get(subject); ok {
				e.DifficultyScore = cur.DifficultyScore()
			}
		}
		entries[i] = e
	}
	return entries
}

// RankedSubject is a subject with a caller-assigned rank, as produced by a
// drag-and-drop list. Ranks may have gaps or start anywhere.
type RankedSubject struct {
	Subject      string `json:"subject"`
	PriorityRank int    `json:"priorityRank"`
}

// ManualFromRanks turns ranked subjects into a manual order, ascending by
// rank; ties keep their input order.
func ManualFromRanks(ranked []RankedSubject) []string {
	sorted := append([]RankedSubject(nil), ranked...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PriorityRank < sorted[j].PriorityRank
	})
	order := make([]string, len(sorted))
	for i, r := range sorted {
		order[i] = r.Subject
	}
	return order
}
