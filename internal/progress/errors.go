package progress

import "fmt"

// InvalidRangeError reports a percent outside [0,100].
type InvalidRangeError struct {
	Percent int
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("percent %d out of range [0,100]", e.Percent)
}

// UnknownTopicError reports a topic ID that is not part of a subject's curriculum.
type UnknownTopicError struct {
	Subject string
	TopicID string
}

func (e *UnknownTopicError) Error() string {
	return fmt.Sprintf("topic %q is not in the curriculum of %q", e.TopicID, e.Subject)
}

// UnknownSubjectError reports a subject missing from the catalog.
type UnknownSubjectError struct {
	Subject string
}

func (e *UnknownSubjectError) Error() string {
	return fmt.Sprintf("unknown subject %q", e.Subject)
}

// InvalidProgressError reports a SubjectProgress that violates its invariants.
type InvalidProgressError struct {
	Subject string
	Reason  string
}

func (e *InvalidProgressError) Error() string {
	return fmt.Sprintf("invalid progress for %q: %s", e.Subject, e.Reason)
}
