// Package generator talks to the external plan generation service: it builds
// and validates generation requests and opens response streams over SSE or
// websocket transports.
package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/progress"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

// ExamDateLayout is the wire format of Request.ExamDate.
const ExamDateLayout = "2006-01-02"

// SubjectState is the per-subject progress sent to the generator.
type SubjectState struct {
	Status  progress.Status `json:"status"`
	Percent int             `json:"percent"`
}

// ScheduleItem is one entry of the study order sent to the generator.
type ScheduleItem struct {
	Subject      string `json:"subject"`
	PriorityRank int    `json:"priorityRank"`
}

// Request is the body of a generation request.
type Request struct {
	SubjectProgress map[string]SubjectState `json:"subjectProgress"`
	ScheduleOrder   []ScheduleItem          `json:"scheduleOrder"`
	DailyHours      float64                 `json:"dailyHours"`
	WeeklyDays      int                     `json:"weeklyDays"`
	ExamDate        string                  `json:"examDate"`
	FreeformNotes   string                  `json:"freeformNotes,omitempty"`
}

// BuildRequest assembles a generation request from the pipeline outputs.
func BuildRequest(subjects []progress.SubjectProgress, entries []schedule.Entry, b budget.TimeBudget, notes string) Request {
	req := Request{
		SubjectProgress: make(map[string]SubjectState, len(subjects)),
		ScheduleOrder:   make([]ScheduleItem, len(entries)),
		DailyHours:      b.DailyHours,
		WeeklyDays:      b.WeeklyDays,
		ExamDate:        b.ExamDate.Format(ExamDateLayout),
		FreeformNotes:   strings.TrimSpace(notes),
	}
	for _, s := range subjects {
		req.SubjectProgress[s.Subject] = SubjectState{Status: s.Status, Percent: s.Percent}
	}
	for i, e := range entries {
		req.ScheduleOrder[i] = ScheduleItem{Subject: e.Subject, PriorityRank: e.PriorityRank}
	}
	return req
}

const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["subjectProgress", "scheduleOrder", "dailyHours", "weeklyDays", "examDate"],
  "properties": {
    "subjectProgress": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["status", "percent"],
        "properties": {
          "status":  {"enum": ["not_started", "in_progress", "completed"]},
          "percent": {"type": "integer", "minimum": 0, "maximum": 100}
        }
      }
    },
    "scheduleOrder": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subject", "priorityRank"],
        "properties": {
          "subject":      {"type": "string", "minLength": 1},
          "priorityRank": {"type": "integer", "minimum": 1}
        }
      }
    },
    "dailyHours":    {"type": "number", "minimum": 2, "maximum": 10},
    "weeklyDays":    {"type": "integer", "minimum": 1, "maximum": 7},
    "examDate":      {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "freeformNotes": {"type": "string", "maxLength": 4000}
  }
}`

var compiledRequestSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
})

// RequestValidationError lists why a request was rejected.
type RequestValidationError struct {
	Reasons []string
}

func (e *RequestValidationError) Error() string {
	return "invalid generation request: " + strings.Join(e.Reasons, "; ")
}

// ValidateRequest checks a request against the wire schema and verifies that
// the schedule ranks are a contiguous 1..N permutation.
func ValidateRequest(req Request) error {
	schema, err := compiledRequestSchema()
	if err != nil {
		return fmt.Errorf("compile request schema: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validate request: %w", err)
	}

	var reasons []string
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	reasons = append(reasons, rankProblems(req.ScheduleOrder)...)
	if len(reasons) > 0 {
		return &RequestValidationError{Reasons: reasons}
	}
	return nil
}

func rankProblems(items []ScheduleItem) []string {
	ranks := make([]int, len(items))
	subjects := make(map[string]bool, len(items))
	var problems []string
	for i, it := range items {
		ranks[i] = it.PriorityRank
		if subjects[it.Subject] {
			problems = append(problems, fmt.Sprintf("scheduleOrder: duplicate subject %q", it.Subject))
		}
		subjects[it.Subject] = true
	}
	sort.Ints(ranks)
	for i, r := range ranks {
		if r != i+1 {
			problems = append(problems, "scheduleOrder: priority ranks must be 1..N without gaps or repeats")
			break
		}
	}
	return problems
}
