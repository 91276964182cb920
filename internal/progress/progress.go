// Package progress tracks per-subject completion over a curriculum and maps
// between completion percentages and completed-topic sets.
package progress

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Status is the coarse completion state of a subject.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Basis records which value the learner last edited: the percent slider or
// the topic checkboxes. The basis value is authoritative when the two disagree.
type Basis string

const (
	BasisTopics  Basis = "topics"
	BasisPercent Basis = "percent"
)

// TopicSet is a set of completed topic IDs. It marshals as a sorted JSON array.
type TopicSet map[string]struct{}

// NewTopicSet builds a set from ids.
func NewTopicSet(ids ...string) TopicSet {
	s := make(TopicSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s TopicSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Clone returns an independent copy of s. A nil set clones to an empty set.
func (s TopicSet) Clone() TopicSet {
	c := make(TopicSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Sorted returns the IDs in lexical order.
func (s TopicSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether both sets hold the same IDs.
func (s TopicSet) Equal(other TopicSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s TopicSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *TopicSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewTopicSet(ids...)
	return nil
}

// SubjectProgress is the completion state of one subject.
type SubjectProgress struct {
	Subject           string   `json:"subject"`
	Status            Status   `json:"status"`
	Percent           int      `json:"percent"`
	CompletedTopicIDs TopicSet `json:"completedTopicIds"`
	Basis             Basis    `json:"basis,omitempty"`
}

// Clone returns a deep copy.
func (p SubjectProgress) Clone() SubjectProgress {
	p.CompletedTopicIDs = p.CompletedTopicIDs.Clone()
	return p
}

// Validate checks the status/percent invariants.
func (p SubjectProgress) Validate() error {
	if p.Subject == "" {
		return &InvalidProgressError{Reason: "subject is required"}
	}
	if !p.Status.Valid() {
		return &InvalidProgressError{Subject: p.Subject, Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	if p.Percent < 0 || p.Percent > 100 {
		return &InvalidRangeError{Percent: p.Percent}
	}
	switch p.Status {
	case StatusCompleted:
		if p.Percent != 100 {
			return &InvalidProgressError{Subject: p.Subject, Reason: "completed subject must be at 100%"}
		}
	case StatusNotStarted:
		if p.Percent != 0 || len(p.CompletedTopicIDs) != 0 {
			return &InvalidProgressError{Subject: p.Subject, Reason: "not started subject must have no progress"}
		}
	}
	switch p.Basis {
	case "", BasisTopics, BasisPercent:
	default:
		return &InvalidProgressError{Subject: p.Subject, Reason: fmt.Sprintf("unknown basis %q", p.Basis)}
	}
	return nil
}

// statusFor derives a status from a percent and topic set.
func statusFor(percent int, done TopicSet) Status {
	switch {
	case percent >= 100:
		return StatusCompleted
	case percent == 0 && len(done) == 0:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}
