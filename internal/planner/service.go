// Package planner ties the pipeline together: it reads preferences, computes
// the time budget and study order, streams a plan from the generator into a
// per-user slot, and persists, caches and logs the result.
package planner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/curriculum"
	"github.com/p-n-ai/pai-planner/internal/generator"
	"github.com/p-n-ai/pai-planner/internal/planstream"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/progress"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

const (
	defaultPlanTTL          = 24 * time.Hour
	defaultRateLimitRetries = 1
	requestKeyVersion       = "v1"
)

// Input is what a learner submits to start planning. Zero values fall back
// to the saved preferences, then to the service defaults.
type Input struct {
	ExamDate    time.Time                  `json:"examDate"`
	Progress    []progress.SubjectProgress `json:"progress"`
	WeeklyDays  int                        `json:"weeklyDays,omitempty"`
	DailyHours  float64                    `json:"dailyHours,omitempty"`
	OrderMethod schedule.Method            `json:"orderMethod,omitempty"`
	ManualOrder []string                   `json:"manualOrder,omitempty"`
	Notes       string                     `json:"notes,omitempty"`
}

// Draft is a prepared generation: everything computed before the generator is called.
type Draft struct {
	UserID      string                     `json:"userId"`
	Preferences Preferences                `json:"preferences"`
	Progress    []progress.SubjectProgress `json:"progress"`
	Budget      budget.TimeBudget          `json:"budget"`
	Schedule    []schedule.Entry           `json:"schedule"`
	// Warning is set when a manual order was rejected and the scientific order used instead.
	Warning string            `json:"warning,omitempty"`
	Request generator.Request `json:"request"`
	Key     string            `json:"key"`
}

// Service runs planning sessions.
type Service struct {
	catalog   *curriculum.Catalog
	generator generator.Generator
	scheduler *schedule.Scheduler
	budgets   *budget.Calculator

	prefs  PreferenceStore
	plans  PlanStore
	events EventLogger

	cache   cache.Store
	planTTL time.Duration

	defaults         Preferences
	rateLimitBackoff time.Duration
	rateLimitRetries int
	logger           *slog.Logger

	mu    sync.Mutex
	slots map[string]*planstream.Slot
}

// Option configures a Service.
type Option func(*Service)

// WithPreferenceStore sets where preferences are kept.
func WithPreferenceStore(s PreferenceStore) Option {
	return func(svc *Service) { svc.prefs = s }
}

// WithPlanStore sets where finished plans are kept.
func WithPlanStore(s PlanStore) Option {
	return func(svc *Service) { svc.plans = s }
}

// WithEventLogger sets the analytics event logger.
func WithEventLogger(l EventLogger) Option {
	return func(svc *Service) { svc.events = l }
}

// WithCache enables caching of complete plans for ttl.
func WithCache(c cache.Store, ttl time.Duration) Option {
	return func(svc *Service) {
		svc.cache = c
		if ttl > 0 {
			svc.planTTL = ttl
		}
	}
}

// WithScheduler replaces the default scientific-order scheduler.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

// WithBudgetCalculator replaces the default budget calculator.
func WithBudgetCalculator(c *budget.Calculator) Option {
	return func(svc *Service) { svc.budgets = c }
}

// WithDefaults sets the preferences used for learners without saved ones.
func WithDefaults(p Preferences) Option {
	return func(svc *Service) { svc.defaults = p }
}

// WithRateLimitRetry sets how often, and after what wait, a rate-limited
// generation is retried automatically.
func WithRateLimitRetry(retries int, backoff time.Duration) Option {
	return func(svc *Service) {
		svc.rateLimitRetries = retries
		svc.rateLimitBackoff = backoff
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// NewService creates a planning service over a curriculum catalog and a generator.
func NewService(catalog *curriculum.Catalog, gen generator.Generator, opts ...Option) (*Service, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is nil")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator is nil")
	}

	svc := &Service{
		catalog:          catalog,
		generator:        gen,
		prefs:            NewMemoryPreferenceStore(),
		plans:            NewMemoryPlanStore(),
		events:           NopEventLogger{},
		planTTL:          defaultPlanTTL,
		defaults:         Preferences{WeeklyDays: 5, OrderMethod: schedule.MethodScientific},
		rateLimitBackoff: planstream.DefaultRateLimitBackoff,
		rateLimitRetries: defaultRateLimitRetries,
		logger:           slog.Default(),
		slots:            make(map[string]*planstream.Slot),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.scheduler == nil {
		svc.scheduler = schedule.NewScheduler(schedule.DefaultTable, schedule.WithCatalog(catalog))
	}
	if svc.budgets == nil {
		svc.budgets = budget.NewCalculator()
	}
	if err := svc.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default preferences: %w", err)
	}
	return svc, nil
}

// Prepare computes the budget, the study order and the generation request
// for a learner. A rejected manual order is not an error: the draft carries
// the scientific order and a warning.
func (s *Service) Prepare(ctx context.Context, userID string, in Input) (Draft, error) {
	if userID == "" {
		return Draft{}, fmt.Errorf("user_id is required")
	}
	if in.ExamDate.IsZero() {
		return Draft{}, fmt.Errorf("exam date is required")
	}

	prefs, err := s.preferencesFor(ctx, userID)
	if err != nil {
		return Draft{}, err
	}
	if in.WeeklyDays != 0 {
		prefs.WeeklyDays = in.WeeklyDays
	}
	if in.DailyHours != 0 {
		prefs.DailyHours = in.DailyHours
	}
	if in.OrderMethod != "" {
		prefs.OrderMethod = in.OrderMethod
	}
	if in.ManualOrder != nil {
		prefs.ManualOrder = in.ManualOrder
	}

	store, err := progress.NewStore(s.catalog, in.Progress...)
	if err != nil {
		return Draft{}, fmt.Errorf("load progress: %w", err)
	}
	subjects := store.Snapshot()

	b, err := s.budgets.Compute(in.ExamDate, prefs.WeeklyDays, subjects, s.catalog.HoursTable())
	if err != nil {
		return Draft{}, fmt.Errorf("compute budget: %w", err)
	}

	method, err := schedule.ParseMethod(string(prefs.OrderMethod))
	if err != nil {
		return Draft{}, err
	}
	prefs.OrderMethod = method

	draft := Draft{UserID: userID, Progress: subjects, Budget: b}

	entries, err := s.scheduler.Order(subjects, method, prefs.ManualOrder)
	var permErr *schedule.InvalidPermutationError
	switch {
	case errors.As(err, &permErr):
		draft.Warning = permErr.Error()
	case err != nil:
		return Draft{}, fmt.Errorf("order subjects: %w", err)
	}
	draft.Schedule = entries
	draft.Preferences = prefs

	requested := b
	if prefs.DailyHours > 0 {
		requested.DailyHours = math.Min(math.Max(prefs.DailyHours, budget.MinDailyHours), budget.MaxDailyHours)
	}
	draft.Request = generator.BuildRequest(subjects, entries, requested, in.Notes)
	if err := generator.ValidateRequest(draft.Request); err != nil {
		return Draft{}, err
	}
	draft.Key, err = requestKey(draft.Request)
	if err != nil {
		return Draft{}, err
	}
	return draft, nil
}

func (s *Service) preferencesFor(ctx context.Context, userID string) (Preferences, error) {
	prefs, ok, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return Preferences{}, fmt.Errorf("load preferences: %w", err)
	}
	if !ok {
		prefs = s.defaults
		prefs.ManualOrder = append([]string(nil), s.defaults.ManualOrder...)
	}
	return prefs, nil
}

// requestKey derives a stable cache key from the request content.
func requestKey(req generator.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	sum := blake2b.Sum256(data)
	return requestKeyVersion + ":" + hex.EncodeToString(sum[:]), nil
}

func planCacheKey(key string) string {
	return "plan:" + key
}

func (s *Service) slotFor(userID string) *planstream.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[userID]
	if !ok {
		slot = planstream.NewSlot(planstream.WithLogger(s.logger.With("user_id", userID)))
		s.slots[userID] = slot
	}
	return slot
}

// Generate streams a plan for draft into the learner's slot, calling emit
// with every snapshot. Starting a generation cancels the learner's previous
// one. A cached complete plan for the same request is returned without
// calling the generator.
//
// Generation failures are reported in the returned snapshot. The error is
// non-nil only for invalid drafts and for cancelled generations.
func (s *Service) Generate(ctx context.Context, draft Draft, emit func(planstream.Snapshot)) (planstream.Snapshot, error) {
	if draft.UserID == "" {
		return planstream.Snapshot{}, fmt.Errorf("user_id is required")
	}
	logger := s.logger.With("user_id", draft.UserID)

	if snap, ok := s.cachedPlan(ctx, draft, logger); ok {
		s.slotFor(draft.UserID).Cancel()
		if emit != nil {
			emit(snap)
		}
		return snap, nil
	}

	s.logEvent(Event{UserID: draft.UserID, EventType: EventPlanRequested, Data: map[string]any{
		"subjects":    len(draft.Schedule),
		"daily_hours": draft.Request.DailyHours,
		"urgency":     string(draft.Budget.Urgency),
	}})

	// The lease spans every retry: a newer generation or Cancel trips it
	// during a backoff as well as during a run.
	lease := s.slotFor(draft.UserID).Acquire(ctx)
	defer lease.Release()

	var (
		snap planstream.Snapshot
		err  error
	)
	for attempt := 0; ; attempt++ {
		snap, err = s.generateOnce(lease, draft, emit)
		if err != nil {
			return snap, err
		}
		if snap.ErrorKind != planstream.KindRateLimited || attempt >= s.rateLimitRetries {
			break
		}

		policy := planstream.RetryPolicyFor(snap.ErrorKind, s.rateLimitBackoff)
		logger.Info("generation rate limited, retrying", "backoff", policy.Backoff, "attempt", attempt+1)
		s.logEvent(planEvent(draft.UserID, EventPlanRetried, snap, map[string]any{
			"attempt": attempt + 1,
			"backoff": policy.Backoff.String(),
		}))
		timer := time.NewTimer(policy.Backoff)
		select {
		case <-lease.Done():
			timer.Stop()
			s.logEvent(planEvent(draft.UserID, EventPlanCancelled, snap, map[string]any{
				"during": "backoff",
			}))
			return snap, lease.Err()
		case <-timer.C:
		}
	}

	s.finish(ctx, draft, snap, logger)
	return snap, nil
}

func (s *Service) generateOnce(lease *planstream.Lease, draft Draft, emit func(planstream.Snapshot)) (planstream.Snapshot, error) {
	src, err := s.generator.Stream(lease.Context(), draft.Request)
	if err != nil {
		var verr *generator.RequestValidationError
		if errors.As(err, &verr) {
			return planstream.Snapshot{}, err
		}
		if err := lease.Err(); err != nil {
			return planstream.Snapshot{}, err
		}

		kind, msg := planstream.KindNetwork, err.Error()
		var streamErr *planstream.StreamError
		if errors.As(err, &streamErr) {
			kind, msg = streamErr.Kind, streamErr.Message
		}
		snap := planstream.NewAggregator(planstream.WithLogger(s.logger)).Fail(kind, msg)
		if emit != nil {
			emit(snap)
		}
		return snap, nil
	}

	run, err := lease.Start(src, emit)
	if err != nil {
		return planstream.Snapshot{}, err
	}
	snap, err := run.Wait()
	if err != nil {
		s.logEvent(planEvent(draft.UserID, EventPlanCancelled, snap, map[string]any{
			"during": "stream",
		}))
		return snap, err
	}
	return snap, nil
}

// finish persists a terminal plan, caches it when complete and logs the outcome.
func (s *Service) finish(ctx context.Context, draft Draft, snap planstream.Snapshot, logger *slog.Logger) {
	plan := Plan{
		ID:         snap.ID,
		UserID:     draft.UserID,
		RequestKey: draft.Key,
		Document:   snap,
		Request:    draft.Request,
		Budget:     draft.Budget,
		Schedule:   draft.Schedule,
		CreatedAt:  time.Now(),
	}
	if err := s.plans.Save(ctx, plan); err != nil {
		logger.Error("failed to save plan", "plan_id", snap.ID, "error", err)
	}

	if snap.Status != planstream.StatusComplete {
		policy := planstream.RetryPolicyFor(snap.ErrorKind, s.rateLimitBackoff)
		logger.Warn("plan generation failed",
			"plan_id", snap.ID,
			"kind", snap.ErrorKind,
			"retry", policy.Mode,
			"error", snap.ErrorMessage,
		)
		s.logEvent(planEvent(draft.UserID, EventPlanFailed, snap, map[string]any{
			"retry": string(policy.Mode),
		}))
		return
	}

	logger.Info("plan generated", "plan_id", snap.ID, "events", snap.Seq, "dropped_frames", snap.DroppedFrames)
	s.logEvent(planEvent(draft.UserID, EventPlanCompleted, snap, nil))

	if s.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		logger.Error("failed to encode plan for cache", "error", err)
		return
	}
	if err := s.cache.Set(ctx, planCacheKey(draft.Key), data, s.planTTL); err != nil {
		logger.Warn("failed to cache plan", "error", err)
	}
}

// cachedPlan returns the complete snapshot cached for the draft's request.
func (s *Service) cachedPlan(ctx context.Context, draft Draft, logger *slog.Logger) (planstream.Snapshot, bool) {
	if s.cache == nil || draft.Key == "" {
		return planstream.Snapshot{}, false
	}
	data, ok, err := s.cache.Get(ctx, planCacheKey(draft.Key))
	if err != nil {
		logger.Warn("plan cache lookup failed", "error", err)
		return planstream.Snapshot{}, false
	}
	if !ok {
		return planstream.Snapshot{}, false
	}
	var snap planstream.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn("ignoring undecodable cached plan", "error", err)
		return planstream.Snapshot{}, false
	}
	if snap.Status != planstream.StatusComplete {
		logger.Warn("ignoring cached plan that is not complete", "status", snap.Status)
		return planstream.Snapshot{}, false
	}

	s.logEvent(planEvent(draft.UserID, EventPlanCacheHit, snap, nil))
	return snap, true
}

// Cancel stops the learner's in-flight generation, if any, including one
// waiting out a rate-limit backoff. It reports whether one was stopped.
func (s *Service) Cancel(userID string) bool {
	s.mu.Lock()
	slot, ok := s.slots[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return slot.Cancel()
}

// ConfirmPreferences saves the preferences a learner confirmed with a plan.
func (s *Service) ConfirmPreferences(ctx context.Context, userID string, prefs Preferences) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if err := prefs.Validate(); err != nil {
		return err
	}
	method, _ := schedule.ParseMethod(string(prefs.OrderMethod))
	prefs.OrderMethod = method

	if err := s.prefs.Save(ctx, userID, prefs); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	s.logEvent(Event{UserID: userID, EventType: EventPreferencesSaved, Data: map[string]any{
		"weekly_days":  prefs.WeeklyDays,
		"daily_hours":  prefs.DailyHours,
		"order_method": string(prefs.OrderMethod),
	}})
	return nil
}

// Preferences returns the learner's saved preferences, or the defaults.
func (s *Service) Preferences(ctx context.Context, userID string) (Preferences, error) {
	return s.preferencesFor(ctx, userID)
}

// LatestPlan returns the learner's most recent finished plan.
func (s *Service) LatestPlan(ctx context.Context, userID string) (Plan, bool, error) {
	return s.plans.Latest(ctx, userID)
}

func (s *Service) logEvent(e Event) {
	if err := s.events.LogEvent(e); err != nil {
		s.logger.Warn("failed to log event", "type", e.EventType, "user_id", e.UserID, "error", err)
	}
}
