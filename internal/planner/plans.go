package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/p-n-ai/pai-planner/internal/budget"
	"github.com/p-n-ai/pai-planner/internal/generator"
	"github.com/p-n-ai/pai-planner/internal/planstream"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

// Plan is a finished generation, complete or errored with partial text.
type Plan struct {
	ID         string              `json:"id"`
	UserID     string              `json:"userId"`
	RequestKey string              `json:"requestKey"`
	Document   planstream.Snapshot `json:"document"`
	Request    generator.Request   `json:"request"`
	Budget     budget.TimeBudget   `json:"budget"`
	Schedule   []schedule.Entry    `json:"schedule"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// PlanStore persists finished plans.
type PlanStore interface {
	Save(ctx context.Context, plan Plan) error
	// Latest returns the most recently saved plan of a user.
	Latest(ctx context.Context, userID string) (Plan, bool, error)
}

// MemoryPlanStore keeps plans in memory.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string][]Plan // user ID -> plans in save order
}

// NewMemoryPlanStore creates an empty store.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[string][]Plan)}
}

func (s *MemoryPlanStore) Save(_ context.Context, plan Plan) error {
	if plan.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.UserID] = append(s.plans[plan.UserID], plan)
	return nil
}

func (s *MemoryPlanStore) Latest(_ context.Context, userID string) (Plan, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := s.plans[userID]
	if len(plans) == 0 {
		return Plan{}, false, nil
	}
	return plans[len(plans)-1], true, nil
}

// Count returns how many plans a user has.
func (s *MemoryPlanStore) Count(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plans[userID])
}
