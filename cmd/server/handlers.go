package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/p-n-ai/pai-planner/internal/export"
	"github.com/p-n-ai/pai-planner/internal/generator"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/planstream"
	"github.com/p-n-ai/pai-planner/internal/progress"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

const maxBodyBytes = 1 << 20

// healthChecker is implemented by the database, cache and generator clients.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type readinessCheck struct {
	name  string
	check healthChecker
}

type server struct {
	planner *planner.Service
	checks  []readinessCheck
	backoff time.Duration
}

// newMux creates the HTTP router with health check and planning endpoints.
func newMux(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/plans", s.handleCreatePlan)
	mux.HandleFunc("DELETE /v1/plans/{userID}", s.handleCancelPlan)
	mux.HandleFunc("GET /v1/plans/{userID}", s.handleLatestPlan)
	mux.HandleFunc("GET /v1/plans/{userID}/export", s.handleExportPlan)
	mux.HandleFunc("GET /v1/preferences/{userID}", s.handleGetPreferences)
	mux.HandleFunc("PUT /v1/preferences/{userID}", s.handlePutPreferences)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.check.HealthCheck(ctx); err != nil {
			slog.Warn("readiness check failed", "check", c.name, "error", err)
			failed[c.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// planRequest is the body of POST /v1/plans.
type planRequest struct {
	UserID      string                     `json:"userId"`
	ExamDate    string                     `json:"examDate"`
	Progress    []progress.SubjectProgress `json:"progress"`
	WeeklyDays  int                        `json:"weeklyDays,omitempty"`
	DailyHours  float64                    `json:"dailyHours,omitempty"`
	OrderMethod schedule.Method            `json:"orderMethod,omitempty"`
	ManualOrder []string                   `json:"manualOrder,omitempty"`
	Notes       string                     `json:"notes,omitempty"`
}

func (p planRequest) input() (planner.Input, error) {
	exam, err := time.Parse(generator.ExamDateLayout, strings.TrimSpace(p.ExamDate))
	if err != nil {
		return planner.Input{}, errors.New("examDate must be YYYY-MM-DD")
	}
	return planner.Input{
		ExamDate:    exam,
		Progress:    p.Progress,
		WeeklyDays:  p.WeeklyDays,
		DailyHours:  p.DailyHours,
		OrderMethod: p.OrderMethod,
		ManualOrder: p.ManualOrder,
		Notes:       p.Notes,
	}, nil
}

// planDone is the final event of a plan stream.
type planDone struct {
	Plan  planstream.Snapshot     `json:"plan"`
	Retry *planstream.RetryPolicy `json:"retry,omitempty"`
}

// handleCreatePlan prepares a plan and streams its snapshots as SSE:
// one draft event, a snapshot event per applied frame, then done.
func (s *server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var body planRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in, err := body.input()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	draft, err := s.planner.Prepare(r.Context(), body.UserID, in)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	sse := newSSEWriter(w)
	logger := slog.With("user_id", body.UserID)
	if err := sse.writeEvent("draft", draft); err != nil {
		logger.Warn("client went away before generation", "error", err)
		return
	}

	snap, err := s.planner.Generate(r.Context(), draft, func(snap planstream.Snapshot) {
		if err := sse.writeEvent("snapshot", snap); err != nil {
			logger.Debug("failed to write snapshot", "error", err)
		}
	})
	if err != nil {
		var verr *generator.RequestValidationError
		if errors.As(err, &verr) {
			_ = sse.writeEvent("error", map[string]any{"error": "invalid request", "reasons": verr.Reasons})
			return
		}
		// Superseded by a newer request or cancelled by the client.
		_ = sse.writeEvent("cancelled", map[string]string{"error": err.Error()})
		return
	}

	done := planDone{Plan: snap}
	if snap.Status == planstream.StatusError {
		policy := planstream.RetryPolicyFor(snap.ErrorKind, s.backoff)
		done.Retry = &policy
	}
	_ = sse.writeEvent("done", done)
}

func (s *server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	cancelled := s.planner.Cancel(r.PathValue("userID"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *server) latestPlan(w http.ResponseWriter, r *http.Request) (planner.Plan, bool) {
	plan, ok, err := s.planner.LatestPlan(r.Context(), r.PathValue("userID"))
	if err != nil {
		slog.Error("failed to load plan", "user_id", r.PathValue("userID"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load plan")
		return planner.Plan{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no plan found")
		return planner.Plan{}, false
	}
	return plan, true
}

func (s *server) handleLatestPlan(w http.ResponseWriter, r *http.Request) {
	if plan, ok := s.latestPlan(w, r); ok {
		writeJSON(w, http.StatusOK, plan)
	}
}

func (s *server) handleExportPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.latestPlan(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(plan)+`"`)
	if err := export.Write(w, plan); err != nil {
		slog.Error("failed to export plan", "plan_id", plan.ID, "error", err)
	}
}

func (s *server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.planner.Preferences(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs planner.Preferences
	if err := decodeJSON(w, r, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := prefs.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.planner.ConfirmPreferences(r.Context(), r.PathValue("userID"), prefs); err != nil {
		slog.Error("failed to save preferences", "user_id", r.PathValue("userID"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	s.handleGetPreferences(w, r)
}
