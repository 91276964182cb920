// Package export renders stored study plans as spreadsheets.
package export

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-planner/internal/planner"
)

const (
	SheetSchedule = "Schedule"
	SheetBudget   = "Budget"
	SheetPlan     = "Plan"
)

// ContentType is the MIME type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Workbook builds a workbook for plan. The caller owns the returned file and must Close it.
func Workbook(plan planner.Plan) (*excelize.File, error) {
	f := excelize.NewFile()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create text style: %w", err)
	}

	steps := []func(*excelize.File, planner.Plan, int, int) error{
		writeSchedule,
		writeBudget,
		writePlan,
	}
	// NewFile starts with Sheet1; rename it rather than leaving an empty sheet.
	if err := f.SetSheetName("Sheet1", SheetSchedule); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename default sheet: %w", err)
	}
	for _, name := range []string{SheetBudget, SheetPlan} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	for _, step := range steps {
		if err := step(f, plan, header, wrap); err != nil {
			f.Close()
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

// Write streams the workbook for plan to w.
func Write(w io.Writer, plan planner.Plan) error {
	f, err := Workbook(plan)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Filename returns a download name for plan.
func Filename(plan planner.Plan) string {
	date := plan.Request.ExamDate
	if date == "" {
		date = plan.CreatedAt.Format("2006-01-02")
	}
	return fmt.Sprintf("study-plan-%s.xlsx", date)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func styleHeader(f *excelize.File, sheet string, cols, style int) error {
	last, err := excelize.CoordinatesToCellName(cols, 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func writeSchedule(f *excelize.File, plan planner.Plan, header, _ int) error {
	rows := [][]any{{"Rank", "Subject", "Status", "Progress %", "Weight", "Difficulty"}}
	for _, e := range plan.Schedule {
		state := plan.Request.SubjectProgress[e.Subject]
		rows = append(rows, []any{e.PriorityRank, e.Subject, string(state.Status), state.Percent, e.Weight, e.DifficultyScore})
	}
	for _, name := range unscheduled(plan) {
		state := plan.Request.SubjectProgress[name]
		rows = append(rows, []any{nil, name, string(state.Status), state.Percent})
	}
	if err := writeRows(f, SheetSchedule, rows); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetSchedule, "B", "B", 28); err != nil {
		return err
	}
	return styleHeader(f, SheetSchedule, 6, header)
}

func writeBudget(f *excelize.File, plan planner.Plan, header, _ int) error {
	b := plan.Budget
	exam := plan.Request.ExamDate
	if !b.ExamDate.IsZero() {
		exam = b.ExamDate.Format("2006-01-02")
	}
	rows := [][]any{
		{"Field", "Value"},
		{"Exam date", exam},
		{"Days remaining", b.DaysRemaining},
		{"Available study days", b.AvailableStudyDays},
		{"Weekly study days", b.WeeklyDays},
		{"Daily hours", b.DailyHours},
		{"Total remaining hours", b.TotalRemainingHours},
		{"Urgency", string(b.Urgency)},
		{"Requested daily hours", plan.Request.DailyHours},
	}
	if err := writeRows(f, SheetBudget, rows); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetBudget, "A", "A", 24); err != nil {
		return err
	}
	return styleHeader(f, SheetBudget, 2, header)
}

func writePlan(f *excelize.File, plan planner.Plan, header, wrap int) error {
	doc := plan.Document
	rows := [][]any{
		{"Section", "Content"},
		{"Status", string(doc.Status)},
		{"Overall strategy", doc.OverallStrategy},
		{"Daily plan", doc.DailyPlan},
		{"Weekly plan", doc.WeeklyPlan},
	}
	if doc.Extra != "" {
		rows = append(rows, []any{"Other", doc.Extra})
	}
	if doc.ErrorKind != "" {
		rows = append(rows, []any{"Error", strings.TrimSpace(string(doc.ErrorKind) + " " + doc.ErrorMessage)})
	}
	if notes := plan.Request.FreeformNotes; notes != "" {
		rows = append(rows, []any{"Notes", notes})
	}
	if err := writeRows(f, SheetPlan, rows); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetPlan, "A", "A", 18); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetPlan, "B", "B", 100); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(2, len(rows))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetPlan, "B2", last, wrap); err != nil {
		return err
	}
	return styleHeader(f, SheetPlan, 2, header)
}

// unscheduled lists the request subjects missing from the schedule, sorted.
func unscheduled(plan planner.Plan) []string {
	seen := make(map[string]bool, len(plan.Schedule))
	for _, e := range plan.Schedule {
		seen[e.Subject] = true
	}
	var out []string
	for s := range plan.Request.SubjectProgress {
		if !seen[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
