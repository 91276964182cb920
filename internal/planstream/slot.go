package planstream

import (
	"context"
	"fmt"
	"sync"
)

// ErrSuperseded is the cause of a lease that lost its slot to a newer generation.
var ErrSuperseded = fmt.Errorf("generation superseded: %w", context.Canceled)

// Slot holds at most one in-flight generation, e.g. the plan view of one
// user. Starting a new generation cancels the previous one and waits for it
// to release its stream, so two generations never write to the same slot.
//
// A generation that spans several runs (retries) holds a Lease for its whole
// lifetime; acquiring a new lease or cancelling the slot trips the old one
// even between runs.
type Slot struct {
	mu      sync.Mutex
	lease   *Lease
	current *Run
	opts    []Option
}

// NewSlot creates an empty slot. opts apply to every aggregator it starts.
func NewSlot(opts ...Option) *Slot {
	return &Slot{opts: opts}
}

// Lease is one generation's claim on a Slot.
type Lease struct {
	slot   *Slot
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Run is one generation started in a Slot.
type Run struct {
	agg    *Aggregator
	cancel context.CancelFunc
	done   chan struct{}
	snap   Snapshot
	err    error
}

// Acquire cancels the current lease and run, if any, and claims the slot.
// The returned lease is done when ctx is, when a newer lease is acquired,
// or when the slot is cancelled. Callers must Release it.
func (s *Slot) Acquire(ctx context.Context) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLocked(ctx)
}

// Start cancels any current generation, then consumes src with a fresh
// aggregator in a new goroutine.
func (s *Slot) Start(ctx context.Context, src Source, emit func(Snapshot)) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(s.acquireLocked(ctx), src, emit, true)
}

// Cancel stops the current lease and run, if any, and waits for the run to
// exit. It reports whether a generation was still in flight.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(context.Canceled)
}

// Current returns the most recently started run, or nil.
func (s *Slot) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Slot) acquireLocked(ctx context.Context) *Lease {
	s.stopLocked(ErrSuperseded)
	lctx, cancel := context.WithCancelCause(ctx)
	l := &Lease{slot: s, ctx: lctx, cancel: cancel}
	s.lease = l
	return l
}

func (s *Slot) stopLocked(cause error) bool {
	active := false
	if l := s.lease; l != nil {
		active = l.ctx.Err() == nil
		l.cancel(cause)
		s.lease = nil
	}
	if r := s.current; r != nil {
		select {
		case <-r.done:
		default:
			active = true
		}
		r.stop()
		s.current = nil
	}
	return active
}

func (s *Slot) startLocked(l *Lease, src Source, emit func(Snapshot), release bool) *Run {
	runCtx, cancel := context.WithCancel(l.ctx)
	r := &Run{
		agg:    NewAggregator(s.opts...),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.current = r

	go func() {
		defer close(r.done)
		defer cancel()
		r.snap, r.err = r.agg.Run(runCtx, src, emit)
		if release {
			l.cancel(context.Canceled)
		}
	}()
	return r
}

// Context returns the lease context. It is cancelled once the lease is lost.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Done is closed once the lease is lost or released.
func (l *Lease) Done() <-chan struct{} {
	return l.ctx.Done()
}

// Err returns why the lease ended: ErrSuperseded, context.Canceled or the
// parent context's error. It is nil while the lease is held.
func (l *Lease) Err() error {
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

// Start consumes src in the leased slot, replacing the lease's previous run.
// A lease that lost its slot closes src and returns its cause instead.
func (l *Lease) Start(src Source, emit func(Snapshot)) (*Run, error) {
	s := l.slot
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease != l {
		src.Close()
		if err := l.Err(); err != nil {
			return nil, err
		}
		return nil, ErrSuperseded
	}
	if prev := s.current; prev != nil {
		prev.stop()
	}
	return s.startLocked(l, src, emit, false), nil
}

// Release gives up the slot if the lease still holds it. It does not stop a
// running run; callers release after Wait.
func (l *Lease) Release() {
	s := l.slot
	s.mu.Lock()
	if s.lease == l {
		s.lease = nil
	}
	s.mu.Unlock()
	l.cancel(context.Canceled)
}

func (r *Run) stop() {
	r.agg.Cancel()
	r.cancel()
	<-r.done
}

// Aggregator returns the run's aggregator.
func (r *Run) Aggregator() *Aggregator {
	return r.agg
}

// Done is closed when the run has exited and released its stream.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run exits and returns its final snapshot.
func (r *Run) Wait() (Snapshot, error) {
	<-r.done
	return r.snap, r.err
}
