package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/p-n-ai/pai-planner/internal/planstream"
)

// Generator opens a plan generation stream.
type Generator interface {
	// Stream validates and sends req and returns the response stream. The
	// caller owns the returned Source and must Close it. Failures that
	// happen before any frame is read are returned as *planstream.StreamError.
	Stream(ctx context.Context, req Request) (planstream.Source, error)
	HealthCheck(ctx context.Context) error
}

// Router tries generators in registration order until one opens a stream.
type Router struct {
	mu       sync.RWMutex
	names    []string
	backends map[string]Generator
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{backends: make(map[string]Generator)}
}

// Register appends a generator to the fallback chain.
func (r *Router) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		r.names = append(r.names, name)
	}
	r.backends[name] = g
}

// Len returns the number of registered generators.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Stream opens a stream on the first generator that accepts the request.
// Invalid requests and quota failures are not retried on other backends.
func (r *Router) Stream(ctx context.Context, req Request) (planstream.Source, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.names) == 0 {
		return nil, fmt.Errorf("no generator registered")
	}

	var lastErr error
	for _, name := range r.names {
		src, err := r.backends[name].Stream(ctx, req)
		if err == nil {
			slog.Debug("generation stream opened", "generator", name)
			return src, nil
		}
		lastErr = err

		var streamErr *planstream.StreamError
		if errors.As(err, &streamErr) && streamErr.Kind == planstream.KindInsufficientQuota {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("generator failed, trying next", "generator", name, "error", err)
	}
	return nil, fmt.Errorf("all generators failed: %w", lastErr)
}

// HealthCheck succeeds when at least one generator is healthy.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.names {
		err := r.backends[name].HealthCheck(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("no generator registered")
	}
	return errors.Join(errs...)
}

// Mock is a test double that replays fixed events.
type Mock struct {
	Events []planstream.Event
	// End is returned after Events; nil means the stream ends with the terminator.
	End error
	// Err fails Stream and HealthCheck.
	Err error

	mu          sync.Mutex
	lastRequest *Request
	calls       int
}

// NewMock creates a Mock replaying events.
func NewMock(events ...planstream.Event) *Mock {
	return &Mock{Events: events}
}

func (m *Mock) Stream(_ context.Context, req Request) (planstream.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = &req
	m.calls++
	if m.Err != nil {
		return nil, m.Err
	}
	events := make([]planstream.Event, len(m.Events))
	copy(events, m.Events)
	return &planstream.SliceSource{Events: events, End: m.End}, nil
}

func (m *Mock) HealthCheck(_ context.Context) error {
	return m.Err
}

// LastRequest returns the most recent request, or nil.
func (m *Mock) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

// Calls returns how many times Stream was called.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
