// Package planstream reconstructs the three plan documents (overall
// strategy, daily plan, weekly plan) from an interleaved stream of tagged
// content events while the generation is still running.
package planstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventType is the type tag of a stream frame.
type EventType string

const (
	EventStart    EventType = "start"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Section names a logical output channel of a generation.
type Section string

const (
	SectionOverall Section = "overall"
	SectionDaily   Section = "daily"
	SectionWeekly  Section = "weekly"
)

// FinalPlan is the generator's authoritative version of the documents.
type FinalPlan struct {
	OverallStrategy string `json:"overallStrategy"`
	DailyPlan       string `json:"dailyPlan"`
	WeeklyPlan      string `json:"weeklyPlan"`
}

// Event is one decoded stream frame.
type Event struct {
	Type    EventType  `json:"type"`
	Section Section    `json:"section,omitempty"`
	Content string     `json:"content,omitempty"`
	Plan    *FinalPlan `json:"plan,omitempty"`
	Error   string     `json:"error,omitempty"`
	// Kind optionally carries the generator's own error classification.
	Kind ErrorKind `json:"kind,omitempty"`
}

// ErrorKind classifies a failed generation for retry handling.
type ErrorKind string

const (
	KindInsufficientQuota ErrorKind = "insufficient_quota"
	KindRateLimited       ErrorKind = "rate_limited"
	KindNetwork           ErrorKind = "network"
	KindMalformedFrame    ErrorKind = "malformed_frame"
	KindIncompleteStream  ErrorKind = "incomplete_stream"
)

// Valid reports whether k is a known kind.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindInsufficientQuota, KindRateLimited, KindNetwork, KindMalformedFrame, KindIncompleteStream:
		return true
	}
	return false
}

// ClassifyError maps a generator error message to an ErrorKind. Messages
// that match nothing more specific are treated as network failures.
func ClassifyError(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "quota"), strings.Contains(m, "billing"):
		return KindInsufficientQuota
	case strings.Contains(m, "rate_limit"), strings.Contains(m, "rate limit"),
		strings.Contains(m, "too many requests"):
		return KindRateLimited
	default:
		return KindNetwork
	}
}

// ClassifyStatus maps a non-200 generator HTTP response to an ErrorKind.
// Quota exhaustion is often reported with 429, so the body is checked first.
func ClassifyStatus(status int, body string) ErrorKind {
	if ClassifyError(body) == KindInsufficientQuota || status == http.StatusPaymentRequired {
		return KindInsufficientQuota
	}
	if status == http.StatusTooManyRequests {
		return KindRateLimited
	}
	return ClassifyError(body)
}

// StreamError is a classified generation failure.
type StreamError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Err }

// FrameError reports a frame that could not be decoded or failed validation.
// The frame is dropped and the stream continues.
type FrameError struct {
	Payload string
	Reason  string
}

func (e *FrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// ErrMissingTerminator is returned by a Source whose underlying stream
// ended without the end-of-stream marker.
var ErrMissingTerminator = errors.New("stream closed without terminator")

// RetryMode tells the caller how to react to a failed generation.
type RetryMode string

const (
	// RetryNever: fatal, surface the message verbatim.
	RetryNever RetryMode = "never"
	// RetryAfterBackoff: retry automatically after Backoff.
	RetryAfterBackoff RetryMode = "after_backoff"
	// RetryOnRequest: allow an immediate user-triggered retry with a fresh aggregator.
	RetryOnRequest RetryMode = "on_request"
	// RetryContinue: not a stream failure; the offending frame was dropped.
	RetryContinue RetryMode = "continue"
)

// DefaultRateLimitBackoff is the fixed wait before retrying a rate-limited generation.
const DefaultRateLimitBackoff = 30 * time.Second

// RetryPolicy is the retry handling for an ErrorKind.
type RetryPolicy struct {
	Mode    RetryMode     `json:"mode"`
	Backoff time.Duration `json:"backoff,omitempty"`
}

// RetryPolicyFor returns the policy for kind. backoff applies to
// rate_limited; zero selects DefaultRateLimitBackoff.
func RetryPolicyFor(kind ErrorKind, backoff time.Duration) RetryPolicy {
	switch kind {
	case KindInsufficientQuota:
		return RetryPolicy{Mode: RetryNever}
	case KindRateLimited:
		if backoff <= 0 {
			backoff = DefaultRateLimitBackoff
		}
		return RetryPolicy{Mode: RetryAfterBackoff, Backoff: backoff}
	case KindMalformedFrame:
		return RetryPolicy{Mode: RetryContinue}
	default:
		return RetryPolicy{Mode: RetryOnRequest}
	}
}
