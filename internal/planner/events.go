package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-planner/internal/planstream"
)

// Event types logged by the service.
const (
	EventPlanRequested    = "plan_requested"
	EventPlanCacheHit     = "plan_cache_hit"
	EventPlanCompleted    = "plan_completed"
	EventPlanFailed       = "plan_failed"
	EventPlanCancelled    = "plan_cancelled"
	EventPlanRetried      = "plan_retried"
	EventPreferencesSaved = "preferences_saved"
)

// Event is one row of the planner_events analytics table.
type Event struct {
	UserID    string
	PlanID    string
	EventType string
	Data      map[string]any
	CreatedAt time.Time
}

// planEvent describes something that happened to a plan document. The
// payload always records how far the stream got; errored documents add
// their error kind. data may add or override keys.
func planEvent(userID, eventType string, snap planstream.Snapshot, data map[string]any) Event {
	payload := map[string]any{
		"seq":            snap.Seq,
		"dropped_frames": snap.DroppedFrames,
	}
	if snap.ErrorKind != "" {
		payload["kind"] = string(snap.ErrorKind)
	}
	maps.Copy(payload, data)
	return Event{UserID: userID, PlanID: snap.ID, EventType: eventType, Data: payload}
}

// prepare checks the fields every logger needs and stamps CreatedAt.
func (e *Event) prepare() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return nil
}

// EventLogger records planner analytics events.
type EventLogger interface {
	LogEvent(event Event) error
}

// NopEventLogger drops every event.
type NopEventLogger struct{}

func (NopEventLogger) LogEvent(Event) error {
	return nil
}

// MemoryEventLogger keeps events in memory; the server uses it when the
// database is disabled.
type MemoryEventLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{}
}

func (l *MemoryEventLogger) LogEvent(event Event) error {
	if err := event.prepare(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of every logged event in order.
func (l *MemoryEventLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// ForPlan returns the events logged about one plan document, in order.
func (l *MemoryEventLogger) ForPlan(planID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.PlanID == planID {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the logged event types in order.
func (l *MemoryEventLogger) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]string, len(l.events))
	for i, e := range l.events {
		types[i] = e.EventType
	}
	return types
}

// PostgresEventLogger writes events to planner_events.
type PostgresEventLogger struct {
	pool *pgxpool.Pool
}

func NewPostgresEventLogger(pool *pgxpool.Pool) *PostgresEventLogger {
	return &PostgresEventLogger{pool: pool}
}

func (l *PostgresEventLogger) LogEvent(event Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("event logger pool is nil")
	}
	if err := event.prepare(); err != nil {
		return err
	}
	payload := event.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO planner_events (user_id, plan_id, event_type, data, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		event.UserID, event.PlanID, event.EventType, string(data), event.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert %s event: %w", event.EventType, err)
	}

	slog.Debug("planner event logged", "type", event.EventType, "plan_id", event.PlanID, "user_id", event.UserID)
	return nil
}
