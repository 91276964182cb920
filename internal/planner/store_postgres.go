package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-planner/internal/planstream"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

const dbTimeout = 5 * time.Second

// PostgresPreferenceStore is a PostgreSQL-backed PreferenceStore.
type PostgresPreferenceStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPreferenceStore creates a store on pool.
func NewPostgresPreferenceStore(pool *pgxpool.Pool) (*PostgresPreferenceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresPreferenceStore{pool: pool}, nil
}

func (s *PostgresPreferenceStore) Get(ctx context.Context, userID string) (Preferences, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var p Preferences
	var method string
	var manual []byte
	err := s.pool.QueryRow(ctx,
		`SELECT daily_hours, weekly_days, order_method, manual_order
		 FROM planner_preferences
		 WHERE user_id = $1`,
		userID,
	).Scan(&p.DailyHours, &p.WeeklyDays, &method, &manual)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preferences{}, false, nil
	}
	if err != nil {
		return Preferences{}, false, fmt.Errorf("get preferences: %w", err)
	}

	p.OrderMethod = schedule.Method(method)
	if len(manual) > 0 {
		if err := json.Unmarshal(manual, &p.ManualOrder); err != nil {
			return Preferences{}, false, fmt.Errorf("decode manual order: %w", err)
		}
	}
	return p, true, nil
}

func (s *PostgresPreferenceStore) Save(ctx context.Context, userID string, prefs Preferences) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	manual := prefs.ManualOrder
	if manual == nil {
		manual = []string{}
	}
	manualJSON, err := json.Marshal(manual)
	if err != nil {
		return fmt.Errorf("encode manual order: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO planner_preferences (user_id, daily_hours, weekly_days, order_method, manual_order, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   daily_hours = EXCLUDED.daily_hours,
		   weekly_days = EXCLUDED.weekly_days,
		   order_method = EXCLUDED.order_method,
		   manual_order = EXCLUDED.manual_order`,
		userID,
		prefs.DailyHours,
		prefs.WeeklyDays,
		string(prefs.OrderMethod),
		string(manualJSON),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// PostgresPlanStore is a PostgreSQL-backed PlanStore.
type PostgresPlanStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPlanStore creates a store on pool.
func NewPostgresPlanStore(pool *pgxpool.Pool) (*PostgresPlanStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresPlanStore{pool: pool}, nil
}

func (s *PostgresPlanStore) Save(ctx context.Context, plan Plan) error {
	if plan.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if plan.ID == "" {
		plan.ID = plan.Document.ID
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}

	request, err := json.Marshal(plan.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	budgetJSON, err := json.Marshal(plan.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	entries := plan.Schedule
	if entries == nil {
		entries = []schedule.Entry{}
	}
	scheduleJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	doc := plan.Document
	_, err = s.pool.Exec(ctx,
		`INSERT INTO plans (id, user_id, request_key, status, overall_strategy, daily_plan, weekly_plan,
		                    extra, seq, dropped_frames, error_kind, error_message,
		                    request, budget, schedule, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14::jsonb, $15::jsonb, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   overall_strategy = EXCLUDED.overall_strategy,
		   daily_plan = EXCLUDED.daily_plan,
		   weekly_plan = EXCLUDED.weekly_plan,
		   extra = EXCLUDED.extra,
		   seq = EXCLUDED.seq,
		   dropped_frames = EXCLUDED.dropped_frames,
		   error_kind = EXCLUDED.error_kind,
		   error_message = EXCLUDED.error_message`,
		plan.ID,
		plan.UserID,
		plan.RequestKey,
		string(doc.Status),
		doc.OverallStrategy,
		doc.DailyPlan,
		doc.WeeklyPlan,
		doc.Extra,
		doc.Seq,
		doc.DroppedFrames,
		string(doc.ErrorKind),
		doc.ErrorMessage,
		string(request),
		string(budgetJSON),
		string(scheduleJSON),
		plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

func (s *PostgresPlanStore) Latest(ctx context.Context, userID string) (Plan, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var (
		plan                Plan
		status, kind        string
		request, budgetJSON []byte
		scheduleJSON        []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, request_key, status, overall_strategy, daily_plan, weekly_plan,
		        extra, seq, dropped_frames, error_kind, error_message,
		        request, budget, schedule, created_at
		 FROM plans
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID,
	).Scan(
		&plan.ID,
		&plan.UserID,
		&plan.RequestKey,
		&status,
		&plan.Document.OverallStrategy,
		&plan.Document.DailyPlan,
		&plan.Document.WeeklyPlan,
		&plan.Document.Extra,
		&plan.Document.Seq,
		&plan.Document.DroppedFrames,
		&kind,
		&plan.Document.ErrorMessage,
		&request,
		&budgetJSON,
		&scheduleJSON,
		&plan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, false, nil
	}
	if err != nil {
		return Plan{}, false, fmt.Errorf("get latest plan: %w", err)
	}

	plan.Document.ID = plan.ID
	plan.Document.Status = planstream.Status(status)
	plan.Document.ErrorKind = planstream.ErrorKind(kind)
	if err := json.Unmarshal(request, &plan.Request); err != nil {
		return Plan{}, false, fmt.Errorf("decode plan request: %w", err)
	}
	if err := json.Unmarshal(budgetJSON, &plan.Budget); err != nil {
		return Plan{}, false, fmt.Errorf("decode plan budget: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &plan.Schedule); err != nil {
		return Plan{}, false, fmt.Errorf("decode plan schedule: %w", err)
	}
	return plan, true, nil
}
