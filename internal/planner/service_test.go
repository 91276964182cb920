package planner_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/curriculum"
	"github.com/p-n-ai/pai-planner/internal/generator"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/planstream"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/progress"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

var (
	today    = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	examDate = time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)
)

func testCatalog(t *testing.T) *curriculum.Catalog {
	t.Helper()
	topics := func(prefix string, n int, hours float64) []curriculum.Topic {
		out := make([]curriculum.Topic, n)
		for i := range n {
			out[i] = curriculum.Topic{
				ID:             prefix + "-" + string(rune('a'+i)),
				Title:          prefix,
				Difficulty:     curriculum.DifficultyIntermediate,
				EstimatedHours: hours,
			}
		}
		return out
	}
	catalog, err := curriculum.NewCatalog(
		curriculum.Curriculum{
			ID: "criminal_law", Name: "Criminal Law", Granularity: curriculum.GranularityPart,
			Parts: []curriculum.Part{{ID: "general", Topics: topics("cl", 4, 10)}},
		},
		curriculum.Curriculum{
			ID: "civil_law", Name: "Civil Law", Granularity: curriculum.GranularityChapter,
			Parts: []curriculum.Part{{ID: "obligations", Topics: topics("cv", 2, 15)}},
		},
	)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return catalog
}

func newService(t *testing.T, gen generator.Generator, opts ...planner.Option) *planner.Service {
	t.Helper()
	opts = append([]planner.Option{
		planner.WithBudgetCalculator(budget.NewCalculator(budget.WithClock(func() time.Time { return today }))),
	}, opts...)
	svc, err := planner.NewService(testCatalog(t), gen, opts...)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func sampleInput() planner.Input {
	return planner.Input{
		ExamDate: examDate,
		Progress: []progress.SubjectProgress{
			{Subject: "criminal_law", Status: progress.StatusInProgress, Percent: 50, Basis: progress.BasisPercent},
		},
	}
}

func completePlanEvents() []planstream.Event {
	return []planstream.Event{
		{Type: planstream.EventStart},
		{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "Criminal law first."},
		{Type: planstream.EventContent, Section: planstream.SectionDaily, Content: "2h per day."},
		{Type: planstream.EventContent, Section: planstream.SectionWeekly, Content: "Mon-Fri."},
		{Type: planstream.EventComplete},
	}
}

func TestService_Prepare(t *testing.T) {
	svc := newService(t, generator.NewMock())

	draft, err := svc.Prepare(t.Context(), "user-1", sampleInput())
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if draft.Budget.WeeklyDays != 5 || draft.Budget.DaysRemaining != 70 {
		t.Errorf("budget = %+v, want 5 weekly days and 70 days remaining", draft.Budget)
	}
	// 20h left of criminal law plus 30h of civil law over 50 study days.
	if draft.Budget.TotalRemainingHours != 50 || draft.Budget.DailyHours != 2 {
		t.Errorf("budget hours = %v total, %v daily", draft.Budget.TotalRemainingHours, draft.Budget.DailyHours)
	}

	if len(draft.Schedule) != 2 || draft.Schedule[0].Subject != "criminal_law" || draft.Schedule[1].Subject != "civil_law" {
		t.Fatalf("schedule = %+v", draft.Schedule)
	}
	if draft.Warning != "" {
		t.Errorf("Warning = %q, want none", draft.Warning)
	}

	if got := draft.Request.SubjectProgress["criminal_law"]; got.Percent != 50 {
		t.Errorf("request criminal_law = %+v", got)
	}
	if draft.Request.ExamDate != "2026-05-11" {
		t.Errorf("request examDate = %q", draft.Request.ExamDate)
	}
	if !strings.HasPrefix(draft.Key, "v1:") || len(draft.Key) != 3+64 {
		t.Errorf("Key = %q, want v1: plus 64 hex chars", draft.Key)
	}

	again, _ := svc.Prepare(t.Context(), "user-2", sampleInput())
	if again.Key != draft.Key {
		t.Error("identical requests should share a key")
	}
}

func TestService_Prepare_InvalidManualOrderFallsBack(t *testing.T) {
	svc := newService(t, generator.NewMock())

	in := sampleInput()
	in.OrderMethod = schedule.MethodManual
	in.ManualOrder = []string{"civil_law", "civil_law"}

	draft, err := svc.Prepare(t.Context(), "user-1", in)
	if err != nil {
		t.Fatalf("Prepare() error = %v, want fallback instead", err)
	}
	if draft.Warning == "" {
		t.Error("Warning should report the rejected manual order")
	}
	if draft.Schedule[0].Subject != "criminal_law" {
		t.Errorf("schedule = %+v, want scientific order", draft.Schedule)
	}
}

func TestService_Prepare_ManualOrder(t *testing.T) {
	svc := newService(t, generator.NewMock())

	in := sampleInput()
	in.OrderMethod = schedule.MethodManual
	in.ManualOrder = []string{"civil_law", "criminal_law"}

	draft, err := svc.Prepare(t.Context(), "user-1", in)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if draft.Schedule[0].Subject != "civil_law" || draft.Request.ScheduleOrder[0].PriorityRank != 1 {
		t.Errorf("schedule = %+v", draft.Schedule)
	}
}

func TestService_Prepare_UsesSavedPreferences(t *testing.T) {
	svc := newService(t, generator.NewMock())

	err := svc.ConfirmPreferences(t.Context(), "user-1", planner.Preferences{
		DailyHours:  6,
		WeeklyDays:  3,
		OrderMethod: schedule.MethodScientific,
	})
	if err != nil {
		t.Fatalf("ConfirmPreferences() error = %v", err)
	}

	draft, err := svc.Prepare(t.Context(), "user-1", sampleInput())
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if draft.Budget.WeeklyDays != 3 || draft.Request.WeeklyDays != 3 {
		t.Errorf("weekly days = %d/%d, want 3", draft.Budget.WeeklyDays, draft.Request.WeeklyDays)
	}
	if draft.Request.DailyHours != 6 {
		t.Errorf("request dailyHours = %v, want confirmed 6", draft.Request.DailyHours)
	}
	if draft.Budget.DailyHours == 6 {
		t.Error("computed budget should stay independent of the confirmed hours")
	}

	other, _ := svc.Prepare(t.Context(), "user-2", sampleInput())
	if other.Budget.WeeklyDays != 5 {
		t.Errorf("user without preferences got %d weekly days, want default 5", other.Budget.WeeklyDays)
	}
}

func TestService_Prepare_Errors(t *testing.T) {
	svc := newService(t, generator.NewMock())

	tests := []struct {
		name   string
		userID string
		mutate func(*planner.Input)
	}{
		{"missing user", "", func(*planner.Input) {}},
		{"missing exam date", "u", func(in *planner.Input) { in.ExamDate = time.Time{} }},
		{"weekly days out of range", "u", func(in *planner.Input) { in.WeeklyDays = 9 }},
		{"unknown subject", "u", func(in *planner.Input) {
			in.Progress = []progress.SubjectProgress{{Subject: "astrology", Status: progress.StatusNotStarted}}
		}},
		{"unknown order method", "u", func(in *planner.Input) { in.OrderMethod = "random" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleInput()
			tt.mutate(&in)
			if _, err := svc.Prepare(t.Context(), tt.userID, in); err == nil {
				t.Error("Prepare() should fail")
			}
		})
	}
}

func TestService_Generate(t *testing.T) {
	events := planner.NewMemoryEventLogger()
	plans := planner.NewMemoryPlanStore()
	svc := newService(t, generator.NewMock(completePlanEvents()...),
		planner.WithEventLogger(events), planner.WithPlanStore(plans))

	draft, err := svc.Prepare(t.Context(), "user-1", sampleInput())
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	var emitted []planstream.Snapshot
	snap, err := svc.Generate(t.Context(), draft, func(s planstream.Snapshot) { emitted = append(emitted, s) })
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if snap.Status != planstream.StatusComplete || snap.OverallStrategy != "Criminal law first." {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(emitted) != 5 {
		t.Errorf("emitted %d snapshots, want 5", len(emitted))
	}

	plan, ok, err := svc.LatestPlan(t.Context(), "user-1")
	if err != nil || !ok {
		t.Fatalf("LatestPlan() = %v, %v", ok, err)
	}
	if plan.ID != snap.ID || plan.RequestKey != draft.Key || plan.Document.WeeklyPlan != "Mon-Fri." {
		t.Errorf("saved plan = %+v", plan)
	}
	if len(plan.Schedule) != 2 {
		t.Errorf("saved schedule = %+v", plan.Schedule)
	}

	wantTypes := []string{planner.EventPlanRequested, planner.EventPlanCompleted}
	if got := events.Types(); strings.Join(got, ",") != strings.Join(wantTypes, ",") {
		t.Errorf("events = %v, want %v", got, wantTypes)
	}
}

func TestService_Generate_IncompleteStreamKeepsPartialPlan(t *testing.T) {
	gen := generator.NewMock(
		planstream.Event{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "A"},
		planstream.Event{Type: planstream.EventContent, Section: planstream.SectionDaily, Content: "B"},
		planstream.Event{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "C"},
	)
	gen.End = planstream.ErrMissingTerminator
	events := planner.NewMemoryEventLogger()
	kv := cache.NewMemory()
	svc := newService(t, gen, planner.WithEventLogger(events), planner.WithCache(kv, time.Hour))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	snap, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if snap.ErrorKind != planstream.KindIncompleteStream || snap.OverallStrategy != "AC" || snap.DailyPlan != "B" {
		t.Errorf("snapshot = %+v", snap)
	}
	plan, ok, _ := svc.LatestPlan(t.Context(), "user-1")
	if !ok || plan.Document.Status != planstream.StatusError {
		t.Errorf("partial plan should be saved with error status, got %+v", plan.Document)
	}
	if kv.Len() != 0 {
		t.Error("failed plans must not be cached")
	}
	if got := events.Types(); got[len(got)-1] != planner.EventPlanFailed {
		t.Errorf("events = %v, want plan_failed last", got)
	}
	planEvents := events.ForPlan(snap.ID)
	if len(planEvents) == 0 {
		t.Fatal("no events recorded for the failed plan")
	}
	failed := planEvents[len(planEvents)-1]
	if failed.Data["kind"] != string(planstream.KindIncompleteStream) || failed.Data["seq"] != snap.Seq || failed.Data["retry"] != string(planstream.RetryOnRequest) {
		t.Errorf("plan_failed data = %v", failed.Data)
	}
}

func TestService_Generate_CacheHit(t *testing.T) {
	gen := generator.NewMock(completePlanEvents()...)
	events := planner.NewMemoryEventLogger()
	svc := newService(t, gen, planner.WithCache(cache.NewMemory(), time.Hour), planner.WithEventLogger(events))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	first, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var emitted []planstream.Snapshot
	second, err := svc.Generate(t.Context(), draft, func(s planstream.Snapshot) { emitted = append(emitted, s) })
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}

	if gen.Calls() != 1 {
		t.Errorf("generator called %d times, want 1", gen.Calls())
	}
	if second.Plan() != first.Plan() || second.Status != planstream.StatusComplete {
		t.Errorf("cached snapshot = %+v", second)
	}
	if len(emitted) != 1 {
		t.Errorf("cache hit emitted %d snapshots, want 1", len(emitted))
	}
	if got := events.Types(); got[len(got)-1] != planner.EventPlanCacheHit {
		t.Errorf("events = %v, want plan_cache_hit last", got)
	}
}

func TestService_Generate_CacheKeepsWholeDocument(t *testing.T) {
	gen := generator.NewMock(
		planstream.Event{Type: planstream.EventStart},
		planstream.Event{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "Torts first."},
		planstream.Event{Type: planstream.EventContent, Section: "notes", Content: "Skip week 3."},
		planstream.Event{Type: "heartbeat"},
		planstream.Event{Type: planstream.EventComplete},
	)
	svc := newService(t, gen, planner.WithCache(cache.NewMemory(), time.Hour))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	first, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if first.Extra != "Skip week 3." || first.DroppedFrames != 1 {
		t.Fatalf("generated snapshot = %+v, want extra text and one dropped frame", first)
	}

	second, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if gen.Calls() != 1 {
		t.Errorf("generator called %d times, want 1", gen.Calls())
	}
	if second != first {
		t.Errorf("cached snapshot = %+v, want %+v", second, first)
	}
}

func TestService_Generate_RetriesRateLimit(t *testing.T) {
	gen := &sequenceGenerator{runs: [][]planstream.Event{
		{
			{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "stale"},
			{Type: planstream.EventError, Error: "Rate limit reached, retry later"},
		},
		completePlanEvents(),
	}}
	events := planner.NewMemoryEventLogger()
	svc := newService(t, gen, planner.WithRateLimitRetry(1, time.Millisecond), planner.WithEventLogger(events))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	snap, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if snap.Status != planstream.StatusComplete {
		t.Fatalf("snapshot = %+v, want complete after retry", snap)
	}
	if strings.Contains(snap.OverallStrategy, "stale") {
		t.Errorf("retry must start from an empty document, got %q", snap.OverallStrategy)
	}
	if gen.calls() != 2 {
		t.Errorf("generator called %d times, want 2", gen.calls())
	}
	if got := strings.Join(events.Types(), ","); !strings.Contains(got, planner.EventPlanRetried) {
		t.Errorf("events = %s, want a retry", got)
	}
}

func TestService_Generate_RateLimitRetriesExhausted(t *testing.T) {
	limited := []planstream.Event{{Type: planstream.EventError, Error: "429 too many requests"}}
	gen := &sequenceGenerator{runs: [][]planstream.Event{limited, limited, limited}}
	svc := newService(t, gen, planner.WithRateLimitRetry(1, time.Millisecond))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	snap, _ := svc.Generate(t.Context(), draft, nil)

	if snap.ErrorKind != planstream.KindRateLimited {
		t.Errorf("ErrorKind = %q, want rate_limited", snap.ErrorKind)
	}
	if gen.calls() != 2 {
		t.Errorf("generator called %d times, want 2", gen.calls())
	}
}

func TestService_Generate_QuotaIsFatal(t *testing.T) {
	gen := &generator.Mock{Err: &planstream.StreamError{
		Kind:    planstream.KindInsufficientQuota,
		Message: "You exceeded your current quota",
	}}
	var emitted []planstream.Snapshot
	svc := newService(t, gen, planner.WithRateLimitRetry(3, time.Millisecond))

	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())
	snap, err := svc.Generate(t.Context(), draft, func(s planstream.Snapshot) { emitted = append(emitted, s) })
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if snap.ErrorKind != planstream.KindInsufficientQuota || snap.ErrorMessage != "You exceeded your current quota" {
		t.Errorf("snapshot = %+v", snap)
	}
	if gen.Calls() != 1 {
		t.Errorf("quota failures must not be retried, got %d calls", gen.Calls())
	}
	if len(emitted) != 1 {
		t.Errorf("emitted %d snapshots, want 1", len(emitted))
	}
}

func TestService_Generate_RegenerationCancelsPrevious(t *testing.T) {
	gen := &blockingGenerator{}
	events := planner.NewMemoryEventLogger()
	svc := newService(t, gen, planner.WithEventLogger(events))
	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())

	firstEmit := make(chan planstream.Snapshot, 1)
	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), draft, func(s planstream.Snapshot) {
			select {
			case firstEmit <- s:
			default:
			}
		})
		firstDone <- err
	}()
	<-firstEmit

	gen.finish = true
	snap, err := svc.Generate(t.Context(), draft, nil)
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if snap.Status != planstream.StatusComplete {
		t.Errorf("second snapshot = %+v", snap)
	}

	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first Generate() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first generation was not cancelled")
	}
	if got := strings.Join(events.Types(), ","); !strings.Contains(got, planner.EventPlanCancelled) {
		t.Errorf("events = %s, want plan_cancelled", got)
	}
}

func TestService_Cancel(t *testing.T) {
	gen := &blockingGenerator{}
	svc := newService(t, gen)
	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())

	if svc.Cancel("user-1") {
		t.Error("Cancel() with nothing running should report false")
	}

	emitted := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), draft, func(planstream.Snapshot) {
			select {
			case emitted <- struct{}{}:
			default:
			}
		})
		done <- err
	}()
	<-emitted

	if !svc.Cancel("user-1") {
		t.Error("Cancel() should report a running generation")
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestService_Cancel_DuringRateLimitBackoff(t *testing.T) {
	gen := &limitedOnceGenerator{}
	events := newRetrySignalLogger()
	svc := newService(t, gen, planner.WithRateLimitRetry(1, time.Minute), planner.WithEventLogger(events))
	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), draft, nil)
		done <- err
	}()
	<-events.retried

	if !svc.Cancel("user-1") {
		t.Error("Cancel() should report a generation waiting out its backoff")
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || errors.Is(err, planstream.ErrSuperseded) {
			t.Errorf("Generate() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled generation kept waiting for its backoff")
	}
	if gen.calls() != 1 {
		t.Errorf("generator called %d times, want no retry after Cancel", gen.calls())
	}
	if svc.Cancel("user-1") {
		t.Error("second Cancel() should report false")
	}
}

func TestService_Generate_RegenerationDuringBackoff(t *testing.T) {
	gen := &limitedOnceGenerator{}
	events := newRetrySignalLogger()
	svc := newService(t, gen, planner.WithRateLimitRetry(1, 200*time.Millisecond), planner.WithEventLogger(events))
	draft, _ := svc.Prepare(t.Context(), "user-1", sampleInput())

	staleDone := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), draft, nil)
		staleDone <- err
	}()
	<-events.retried

	freshEmit := make(chan struct{}, 1)
	freshDone := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), draft, func(planstream.Snapshot) {
			select {
			case freshEmit <- struct{}{}:
			default:
			}
		})
		freshDone <- err
	}()

	select {
	case err := <-staleDone:
		if !errors.Is(err, planstream.ErrSuperseded) {
			t.Errorf("superseded Generate() error = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded generation kept waiting for its backoff")
	}
	<-freshEmit

	// Outlast the superseded generation's backoff.
	time.Sleep(400 * time.Millisecond)
	select {
	case err := <-freshDone:
		t.Fatalf("newer generation was stopped: %v", err)
	default:
	}
	if gen.calls() != 2 {
		t.Errorf("generator called %d times, want 2 (no stale retry)", gen.calls())
	}

	if !svc.Cancel("user-1") {
		t.Error("Cancel() should report the newer generation")
	}
	if err := <-freshDone; !errors.Is(err, context.Canceled) {
		t.Errorf("newer Generate() error = %v, want context.Canceled", err)
	}
}

func TestService_ConfirmPreferences(t *testing.T) {
	svc := newService(t, generator.NewMock())

	tests := []struct {
		name    string
		prefs   planner.Preferences
		wantErr bool
	}{
		{"valid", planner.Preferences{WeeklyDays: 6, OrderMethod: schedule.MethodManual, ManualOrder: []string{"civil_law"}}, false},
		{"default method", planner.Preferences{WeeklyDays: 6}, false},
		{"no weekly days", planner.Preferences{}, true},
		{"daily hours too high", planner.Preferences{WeeklyDays: 5, DailyHours: 12}, true},
		{"bad method", planner.Preferences{WeeklyDays: 5, OrderMethod: "alphabetical"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ConfirmPreferences(t.Context(), "user-1", tt.prefs)
			if (err != nil) != tt.wantErr {
				t.Errorf("ConfirmPreferences() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	prefs, err := svc.Preferences(t.Context(), "user-1")
	if err != nil || prefs.OrderMethod != schedule.MethodScientific || prefs.WeeklyDays != 6 {
		t.Errorf("Preferences() = %+v, %v; want the last valid save with method normalized", prefs, err)
	}
}

// sequenceGenerator replays a different event list on every call.
type sequenceGenerator struct {
	mu   sync.Mutex
	runs [][]planstream.Event
	n    int
}

func (g *sequenceGenerator) Stream(context.Context, generator.Request) (planstream.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	events := g.runs[min(g.n, len(g.runs)-1)]
	g.n++
	return &planstream.SliceSource{Events: events}, nil
}

func (g *sequenceGenerator) HealthCheck(context.Context) error { return nil }

func (g *sequenceGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// blockingGenerator streams one content event and then blocks until the
// stream is closed. Once finish is set, it streams a complete plan instead.
type blockingGenerator struct {
	finish bool
}

func (g *blockingGenerator) Stream(context.Context, generator.Request) (planstream.Source, error) {
	if g.finish {
		return &planstream.SliceSource{Events: completePlanEvents()}, nil
	}
	return &hangingSource{closed: make(chan struct{})}, nil
}

func (g *blockingGenerator) HealthCheck(context.Context) error { return nil }

type hangingSource struct {
	sent      bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *hangingSource) Next(ctx context.Context) (planstream.Event, error) {
	if !s.sent {
		s.sent = true
		return planstream.Event{Type: planstream.EventContent, Section: planstream.SectionOverall, Content: "partial"}, nil
	}
	select {
	case <-s.closed:
		return planstream.Event{}, io.ErrClosedPipe
	case <-ctx.Done():
		return planstream.Event{}, ctx.Err()
	}
}

func (s *hangingSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// limitedOnceGenerator rate-limits its first call and hangs on every later one.
type limitedOnceGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *limitedOnceGenerator) Stream(context.Context, generator.Request) (planstream.Source, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.n == 1 {
		return &planstream.SliceSource{Events: []planstream.Event{
			{Type: planstream.EventError, Error: "429 too many requests"},
		}}, nil
	}
	return &hangingSource{closed: make(chan struct{})}, nil
}

func (g *limitedOnceGenerator) HealthCheck(context.Context) error { return nil }

func (g *limitedOnceGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// retrySignalLogger signals every plan_retried event.
type retrySignalLogger struct {
	*planner.MemoryEventLogger
	retried chan struct{}
}

func newRetrySignalLogger() *retrySignalLogger {
	return &retrySignalLogger{MemoryEventLogger: planner.NewMemoryEventLogger(), retried: make(chan struct{}, 4)}
}

func (l *retrySignalLogger) LogEvent(e planner.Event) error {
	if e.EventType == planner.EventPlanRetried {
		l.retried <- struct{}{}
	}
	return l.MemoryEventLogger.LogEvent(e)
}
