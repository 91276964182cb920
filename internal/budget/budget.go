// Package budget turns an exam date, a weekly study-day count and the
// outstanding workload into a daily study-hours budget.
package budget

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/p-n-ai/pai-planner/internal/curriculum"
	"github.com/p-n-ai/pai-planner/internal/progress"
)

const (
	MinDailyHours = 2.0
	MaxDailyHours = 10.0

	// EmergencyDailyHours applies when no study day is left before the exam.
	EmergencyDailyHours = MaxDailyHours

	urgentDays   = 30
	moderateDays = 90
)

// ErrWeeklyDaysOutOfRange is returned for weekly study days outside 1..7.
var ErrWeeklyDaysOutOfRange = errors.New("weekly study days must be between 1 and 7")

// UnknownSubjectError reports a subject missing from the hours table.
type UnknownSubjectError struct {
	Subject string
}

func (e *UnknownSubjectError) Error() string {
	return fmt.Sprintf("no curriculum hours for subject %q", e.Subject)
}

// Urgency classifies exam time pressure.
type Urgency string

const (
	UrgencyRelaxed  Urgency = "relaxed"
	UrgencyModerate Urgency = "moderate"
	UrgencyUrgent   Urgency = "urgent"
)

// UrgencyFor classifies days remaining until the exam.
func UrgencyFor(daysRemaining int) Urgency {
	switch {
	case daysRemaining < urgentDays:
		return UrgencyUrgent
	case daysRemaining < moderateDays:
		return UrgencyModerate
	default:
		return UrgencyRelaxed
	}
}

// TimeBudget is the computed study budget.
type TimeBudget struct {
	ExamDate            time.Time `json:"examDate"`
	WeeklyDays          int       `json:"weeklyDays"`
	DailyHours          float64   `json:"dailyHours"`
	TotalRemainingHours float64   `json:"totalRemainingHours"`
	DaysRemaining       int       `json:"daysRemaining"`
	AvailableStudyDays  int       `json:"availableStudyDays"`
	Urgency             Urgency   `json:"urgency"`
}

// Calculator computes time budgets. It is pure apart from reading the clock.
type Calculator struct {
	now func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the clock used to determine today.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		c.now = now
	}
}

// NewCalculator creates a budget calculator.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compute builds the budget. An exam date in the past yields zero days
// remaining and the emergency ceiling; it is not an error.
func (c *Calculator) Compute(examDate time.Time, weeklyDays int, subjects []progress.SubjectProgress, hours map[string]float64) (TimeBudget, error) {
	if weeklyDays < 1 || weeklyDays > 7 {
		return TimeBudget{}, ErrWeeklyDaysOutOfRange
	}

	total, err := RemainingHours(subjects, hours)
	if err != nil {
		return TimeBudget{}, err
	}

	days := DaysRemaining(c.now(), examDate)
	available := days * weeklyDays / 7

	daily := EmergencyDailyHours
	if available > 0 {
		daily = total / float64(available)
	}
	daily = clamp(math.Ceil(daily*2)/2, MinDailyHours, MaxDailyHours)

	return TimeBudget{
		ExamDate:            examDate,
		WeeklyDays:          weeklyDays,
		DailyHours:          daily,
		TotalRemainingHours: total,
		DaysRemaining:       days,
		AvailableStudyDays:  available,
		Urgency:             UrgencyFor(days),
	}, nil
}

// RemainingHours sums outstanding hours: the full table value for
// not_started subjects, the unfinished share for in_progress, none for completed.
func RemainingHours(subjects []progress.SubjectProgress, hours map[string]float64) (float64, error) {
	var total float64
	for _, s := range subjects {
		if s.Status == progress.StatusCompleted {
			continue
		}
		h, ok := hours[curriculum.NormalizeSubject(s.Subject)]
		if !ok {
			return 0, &UnknownSubjectError{Subject: s.Subject}
		}
		switch s.Status {
		case progress.StatusNotStarted:
			total += h
		case progress.StatusInProgress:
			total += h * (1 - float64(s.Percent)/100)
		}
	}
	return total, nil
}

// DaysRemaining is max(0, ceil((examDate - today) / 1 day)), where today is
// the start of the current day in the exam date's location. Day arithmetic
// uses wall-clock values so DST shifts do not change the count.
func DaysRemaining(now, examDate time.Time) int {
	now = now.In(examDate.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	exam := time.Date(examDate.Year(), examDate.Month(), examDate.Day(),
		examDate.Hour(), examDate.Minute(), examDate.Second(), examDate.Nanosecond(), time.UTC)

	days := math.Ceil(exam.Sub(today).Hours() / 24)
	if days < 0 {
		return 0
	}
	return int(days)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
