package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

// Preferences are the planning choices a learner confirmed with their last plan.
type Preferences struct {
	// DailyHours is the confirmed daily budget; 0 means use the computed one.
	DailyHours  float64         `json:"dailyHours"`
	WeeklyDays  int             `json:"weeklyDays"`
	OrderMethod schedule.Method `json:"orderMethod"`
	ManualOrder []string        `json:"manualOrder,omitempty"`
}

// Validate checks the preference ranges.
func (p Preferences) Validate() error {
	if p.WeeklyDays < 1 || p.WeeklyDays > 7 {
		return fmt.Errorf("%w, got %d", budget.ErrWeeklyDaysOutOfRange, p.WeeklyDays)
	}
	if p.DailyHours != 0 && (p.DailyHours < budget.MinDailyHours || p.DailyHours > budget.MaxDailyHours) {
		return fmt.Errorf("daily hours must be 0 or between %v and %v, got %v",
			budget.MinDailyHours, budget.MaxDailyHours, p.DailyHours)
	}
	if _, err := schedule.ParseMethod(string(p.OrderMethod)); err != nil {
		return err
	}
	return nil
}

// PreferenceStore persists preferences per user.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (Preferences, bool, error)
	Save(ctx context.Context, userID string, prefs Preferences) error
}

// MemoryPreferenceStore keeps preferences in memory.
type MemoryPreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]Preferences
}

// NewMemoryPreferenceStore creates an empty store.
func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{prefs: make(map[string]Preferences)}
}

func (s *MemoryPreferenceStore) Get(_ context.Context, userID string) (Preferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if ok {
		p.ManualOrder = append([]string(nil), p.ManualOrder...)
	}
	return p, ok, nil
}

func (s *MemoryPreferenceStore) Save(_ context.Context, userID string, prefs Preferences) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	prefs.ManualOrder = append([]string(nil), prefs.ManualOrder...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = prefs
	return nil
}

// KVPreferenceStore keeps preferences as JSON in a key-value cache, without expiry.
type KVPreferenceStore struct {
	kv cache.Store
}

// NewKVPreferenceStore creates a store backed by kv.
func NewKVPreferenceStore(kv cache.Store) *KVPreferenceStore {
	return &KVPreferenceStore{kv: kv}
}

func preferenceKey(userID string) string {
	return "prefs:" + userID
}

func (s *KVPreferenceStore) Get(ctx context.Context, userID string) (Preferences, bool, error) {
	data, ok, err := s.kv.Get(ctx, preferenceKey(userID))
	if err != nil || !ok {
		return Preferences{}, false, err
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, false, fmt.Errorf("decode preferences for %s: %w", userID, err)
	}
	return p, true, nil
}

func (s *KVPreferenceStore) Save(ctx context.Context, userID string, prefs Preferences) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return s.kv.Set(ctx, preferenceKey(userID), data, 0)
}
