package progress

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/p-n-ai/pai-planner/internal/curriculum"
)

// Store holds the SubjectProgress of every catalog subject for one planning
// session. Reads return copies; callers never share the store's state.
type Store struct {
	catalog  *curriculum.Catalog
	subjects map[string]*SubjectProgress
	mu       sync.RWMutex
}

// NewStore creates a store with one entry per catalog subject. Subjects not
// present in initial start as not_started. Initial entries are validated and
// normalized: the value named by Basis wins and the other is re-derived.
// A subject may appear at most once in initial.
func NewStore(catalog *curriculum.Catalog, initial ...SubjectProgress) (*Store, error) {
	s := &Store{
		catalog:  catalog,
		subjects: make(map[string]*SubjectProgress, catalog.Len()),
	}
	for _, subject := range catalog.Subjects() {
		s.subjects[subject] = &SubjectProgress{
			Subject:           subject,
			Status:            StatusNotStarted,
			CompletedTopicIDs: TopicSet{},
			Basis:             BasisTopics,
		}
	}

	seen := make(map[string]bool, len(initial))
	for _, p := range initial {
		p.Subject = curriculum.NormalizeSubject(p.Subject)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Subject] {
			return nil, &InvalidProgressError{Subject: p.Subject, Reason: "subject listed more than once"}
		}
		seen[p.Subject] = true
		cur, ok := catalog.Get(p.Subject)
		if !ok {
			return nil, &UnknownSubjectError{Subject: p.Subject}
		}
		for id := range p.CompletedTopicIDs {
			if !cur.HasTopic(id) {
				return nil, &UnknownTopicError{Subject: p.Subject, TopicID: id}
			}
		}
		normalized, err := normalize(cur, p)
		if err != nil {
			return nil, err
		}
		s.subjects[p.Subject] = &normalized
	}

	return s, nil
}

func normalize(cur curriculum.Curriculum, p SubjectProgress) (SubjectProgress, error) {
	p = p.Clone()

	switch p.Status {
	case StatusCompleted:
		p.CompletedTopicIDs = NewTopicSet(cur.TopicIDs()...)
		p.Percent = 100
		return p, nil
	case StatusNotStarted:
		p.CompletedTopicIDs = TopicSet{}
		p.Percent = 0
		if p.Basis == "" {
			p.Basis = BasisTopics
		}
		return p, nil
	}

	// Percent-only records (no topics, no basis) are treated as slider input.
	if p.Basis == "" {
		p.Basis = BasisTopics
		if len(p.CompletedTopicIDs) == 0 && p.Percent > 0 {
			p.Basis = BasisPercent
		}
	}

	if p.Basis == BasisPercent {
		done, err := TopicsFromPercent(cur, p.Percent)
		if err != nil {
			return SubjectProgress{}, err
		}
		p.CompletedTopicIDs = done
	} else {
		p.Percent = PercentFromTopics(cur, p.CompletedTopicIDs)
	}

	if p.Percent == 100 {
		p.Status = StatusCompleted
	}
	return p, nil
}

// Get returns a copy of a subject's progress.
func (s *Store) Get(subject string) (SubjectProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.subjects[curriculum.NormalizeSubject(subject)]
	if !ok {
		return SubjectProgress{}, false
	}
	return p.Clone(), true
}

// Snapshot returns copies of every subject's progress, sorted by subject.
func (s *Store) Snapshot() []SubjectProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubjectProgress, 0, len(s.subjects))
	for _, p := range s.subjects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// SetPercent applies slider input: the first floor(percent/100 * |topics|)
// topics become the completed set.
func (s *Store) SetPercent(subject string, percent int) (SubjectProgress, error) {
	subject = curriculum.NormalizeSubject(subject)
	cur, ok := s.catalog.Get(subject)
	if !ok {
		return SubjectProgress{}, &UnknownSubjectError{Subject: subject}
	}
	done, err := TopicsFromPercent(cur, percent)
	if err != nil {
		return SubjectProgress{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.subjects[subject]
	p.Percent = percent
	p.CompletedTopicIDs = done
	p.Basis = BasisPercent
	p.Status = statusFor(percent, done)

	slog.Debug("progress set by percent", "subject", subject, "percent", percent, "topics", len(done))
	return p.Clone(), nil
}

// ToggleTopic flips one topic's completion and recomputes the percent.
func (s *Store) ToggleTopic(subject, topicID string) (SubjectProgress, error) {
	subject = curriculum.NormalizeSubject(subject)
	cur, ok := s.catalog.Get(subject)
	if !ok {
		return SubjectProgress{}, &UnknownSubjectError{Subject: subject}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.subjects[subject]
	done, percent, err := ToggleTopic(cur, p.CompletedTopicIDs, topicID)
	if err != nil {
		return SubjectProgress{}, err
	}
	p.CompletedTopicIDs = done
	p.Percent = percent
	p.Basis = BasisTopics
	p.Status = statusFor(percent, done)

	slog.Debug("topic toggled", "subject", subject, "topic_id", topicID, "percent", percent)
	return p.Clone(), nil
}

// SetStatus sets a subject's status directly. completed marks every topic
// done; not_started clears all progress; in_progress keeps partial progress.
func (s *Store) SetStatus(subject string, status Status) (SubjectProgress, error) {
	subject = curriculum.NormalizeSubject(subject)
	cur, ok := s.catalog.Get(subject)
	if !ok {
		return SubjectProgress{}, &UnknownSubjectError{Subject: subject}
	}
	if !status.Valid() {
		return SubjectProgress{}, &InvalidProgressError{Subject: subject, Reason: "unknown status " + string(status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.subjects[subject]
	switch status {
	case StatusCompleted:
		p.CompletedTopicIDs = NewTopicSet(cur.TopicIDs()...)
		p.Percent = 100
	case StatusNotStarted:
		p.CompletedTopicIDs = TopicSet{}
		p.Percent = 0
	case StatusInProgress:
		if p.Percent == 100 {
			p.CompletedTopicIDs = TopicSet{}
			p.Percent = 0
		}
	}
	p.Status = status
	return p.Clone(), nil
}
