package generator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/progress"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

func sampleRequest() Request {
	subjects := []progress.SubjectProgress{
		{Subject: "criminal_law", Status: progress.StatusInProgress, Percent: 40},
		{Subject: "civil_law", Status: progress.StatusNotStarted},
		{Subject: "constitutional_law", Status: progress.StatusCompleted, Percent: 100},
	}
	entries := []schedule.Entry{
		{Subject: "criminal_law", PriorityRank: 1, Weight: 0.25, DifficultyScore: 2.5},
		{Subject: "civil_law", PriorityRank: 2, Weight: 0.05, DifficultyScore: 2.8},
	}
	b := budget.TimeBudget{
		ExamDate:   time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC),
		WeeklyDays: 5,
		DailyHours: 4.5,
	}
	return BuildRequest(subjects, entries, b, "  weak on evidence rules \n")
}

func TestBuildRequest(t *testing.T) {
	req := sampleRequest()

	if len(req.SubjectProgress) != 3 {
		t.Fatalf("subjectProgress has %d subjects, want 3", len(req.SubjectProgress))
	}
	if got := req.SubjectProgress["criminal_law"]; got.Status != progress.StatusInProgress || got.Percent != 40 {
		t.Errorf("criminal_law = %+v", got)
	}
	if len(req.ScheduleOrder) != 2 || req.ScheduleOrder[1] != (ScheduleItem{Subject: "civil_law", PriorityRank: 2}) {
		t.Errorf("scheduleOrder = %+v", req.ScheduleOrder)
	}
	if req.ExamDate != "2026-05-11" {
		t.Errorf("examDate = %q, want 2026-05-11", req.ExamDate)
	}
	if req.DailyHours != 4.5 || req.WeeklyDays != 5 {
		t.Errorf("dailyHours/weeklyDays = %v/%d", req.DailyHours, req.WeeklyDays)
	}
	if req.FreeformNotes != "weak on evidence rules" {
		t.Errorf("freeformNotes = %q", req.FreeformNotes)
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr string
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "all subjects complete", mutate: func(r *Request) { r.ScheduleOrder = []ScheduleItem{} }},
		{name: "daily hours below minimum", mutate: func(r *Request) { r.DailyHours = 1 }, wantErr: "dailyHours"},
		{name: "weekly days out of range", mutate: func(r *Request) { r.WeeklyDays = 8 }, wantErr: "weeklyDays"},
		{name: "bad exam date", mutate: func(r *Request) { r.ExamDate = "11/05/2026" }, wantErr: "examDate"},
		{name: "no subjects", mutate: func(r *Request) { r.SubjectProgress = map[string]SubjectState{} }, wantErr: "subjectProgress"},
		{
			name:    "unknown status",
			mutate:  func(r *Request) { r.SubjectProgress["civil_law"] = SubjectState{Status: "paused"} },
			wantErr: "status",
		},
		{
			name:    "rank gap",
			mutate:  func(r *Request) { r.ScheduleOrder[1].PriorityRank = 3 },
			wantErr: "1..N",
		},
		{
			name:    "duplicate subject",
			mutate:  func(r *Request) { r.ScheduleOrder[1].Subject = "criminal_law" },
			wantErr: "duplicate subject",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.mutate(&req)
			err := ValidateRequest(req)

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateRequest() error = %v", err)
				}
				return
			}
			var verr *RequestValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateRequest() error = %v, want *RequestValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
