package planstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// State is the aggregator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateComplete
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events will be applied.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored
}

// Status is the externally visible document status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

func (s State) status() Status {
	switch s {
	case StateStreaming:
		return StatusStreaming
	case StateComplete:
		return StatusComplete
	case StateErrored:
		return StatusError
	default:
		return StatusPending
	}
}

// Snapshot is an immutable view of the plan document after some number of
// applied events.
type Snapshot struct {
	ID              string    `json:"id"`
	Seq             int       `json:"seq"`
	Status          Status    `json:"status"`
	OverallStrategy string    `json:"overallStrategy"`
	DailyPlan       string    `json:"dailyPlan"`
	WeeklyPlan      string    `json:"weeklyPlan"`
	Extra           string    `json:"extra,omitempty"`
	ErrorKind       ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	DroppedFrames   int       `json:"droppedFrames,omitempty"`
}

// Terminal reports whether the snapshot is complete or errored.
func (s Snapshot) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusError
}

// Plan returns the three documents.
func (s Snapshot) Plan() FinalPlan {
	return FinalPlan{OverallStrategy: s.OverallStrategy, DailyPlan: s.DailyPlan, WeeklyPlan: s.WeeklyPlan}
}

// Aggregator folds the events of one generation into a PlanDocument.
//
// It is driven by a single consumer. Cancel may be called from any
// goroutine; once cancelled or terminal, no further event is applied.
type Aggregator struct {
	mu       sync.Mutex
	id       string
	state    State
	overall  strings.Builder
	daily    strings.Builder
	weekly   strings.Builder
	extra    strings.Builder
	errKind  ErrorKind
	errMsg   string
	seq      int
	dropped  int
	canceled bool
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// WithID overrides the generated aggregator ID.
func WithID(id string) Option {
	return func(a *Aggregator) {
		a.id = id
	}
}

// NewAggregator creates an idle aggregator with an empty document.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{id: uuid.NewString(), logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("plan_id", a.id)
	return a
}

// ID returns the aggregator ID.
func (a *Aggregator) ID() string {
	return a.id
}

// State returns the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Canceled reports whether Cancel was called.
func (a *Aggregator) Canceled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

// Snapshot returns the current document.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		ID:              a.id,
		Seq:             a.seq,
		Status:          a.state.status(),
		OverallStrategy: a.overall.String(),
		DailyPlan:       a.daily.String(),
		WeeklyPlan:      a.weekly.String(),
		Extra:           a.extra.String(),
		ErrorKind:       a.errKind,
		ErrorMessage:    a.errMsg,
		DroppedFrames:   a.dropped,
	}
}

// Apply folds one event into the document and returns the resulting
// snapshot. applied is false when the event was dropped: the aggregator was
// cancelled or already terminal, or the event type is unknown.
func (a *Aggregator) Apply(ev Event) (snap Snapshot, applied bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.canceled {
		a.logger.Warn("dropping event for cancelled plan stream", "type", ev.Type)
		return a.snapshotLocked(), false
	}
	if a.state.Terminal() {
		a.logger.Warn("dropping late event", "type", ev.Type, "state", a.state.String())
		return a.snapshotLocked(), false
	}

	switch ev.Type {
	case EventStart:
		// Accumulated text survives a start so a resumed stream continues it.
		a.transitionLocked(StateStreaming)
	case EventContent:
		a.transitionLocked(StateStreaming)
		a.bufferLocked(ev.Section).WriteString(ev.Content)
	case EventComplete:
		if ev.Plan != nil {
			a.replaceLocked(*ev.Plan)
		}
		a.transitionLocked(StateComplete)
	case EventError:
		// malformed_frame names a dropped frame, never a failed stream, so a
		// generator reporting it is classified by its message instead.
		kind := ev.Kind
		if !kind.Valid() || kind == KindMalformedFrame {
			kind = ClassifyError(ev.Error)
		}
		a.failLocked(kind, ev.Error)
	default:
		a.dropped++
		a.logger.Warn("dropping frame with unknown type", "type", ev.Type)
		return a.snapshotLocked(), false
	}

	a.seq++
	return a.snapshotLocked(), true
}

// Fail moves the aggregator to Errored, keeping the partial document.
// It has no effect once cancelled or terminal.
func (a *Aggregator) Fail(kind ErrorKind, msg string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canceled && !a.state.Terminal() {
		a.failLocked(kind, msg)
	}
	return a.snapshotLocked()
}

// Finish records that the stream closed. A stream that closes before a
// complete or error event fails with incomplete_stream.
func (a *Aggregator) Finish() Snapshot {
	return a.Fail(KindIncompleteStream, "stream closed before the plan was complete")
}

// DropFrame counts a malformed frame that was skipped.
func (a *Aggregator) DropFrame(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped++
	a.logger.Warn("dropping malformed frame", "error", err)
}

// Cancel stops the aggregator from applying further events.
func (a *Aggregator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.canceled {
		a.canceled = true
		a.logger.Debug("plan stream cancelled", "state", a.state.String())
	}
}

func (a *Aggregator) failLocked(kind ErrorKind, msg string) {
	a.errKind = kind
	a.errMsg = msg
	a.transitionLocked(StateErrored)
}

func (a *Aggregator) transitionLocked(to State) {
	if a.state == to {
		return
	}
	a.logger.Debug("plan stream transition", "from", a.state.String(), "to", to.String())
	a.state = to
}

// bufferLocked returns the buffer for a section. Unknown sections go to the
// catch-all buffer so no text is lost.
func (a *Aggregator) bufferLocked(s Section) *strings.Builder {
	switch s {
	case SectionOverall:
		return &a.overall
	case SectionDaily:
		return &a.daily
	case SectionWeekly:
		return &a.weekly
	default:
		return &a.extra
	}
}

// replaceLocked swaps every buffer for the generator's final documents.
func (a *Aggregator) replaceLocked(p FinalPlan) {
	a.overall.Reset()
	a.overall.WriteString(p.OverallStrategy)
	a.daily.Reset()
	a.daily.WriteString(p.DailyPlan)
	a.weekly.Reset()
	a.weekly.WriteString(p.WeeklyPlan)
	a.extra.Reset()
}

// Run reads src until the document is terminal, the stream ends, or ctx is
// done, calling emit with every updated snapshot. src is closed before Run
// returns, and is also closed as soon as ctx is done so a blocked read is
// released.
//
// Stream failures are reported in the returned snapshot, not as an error;
// the error is non-nil only when ctx ended the run or the aggregator was
// cancelled.
func (a *Aggregator) Run(ctx context.Context, src Source, emit func(Snapshot)) (Snapshot, error) {
	src = &onceCloser{Source: src}
	defer src.Close()
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	publish := func(s Snapshot) Snapshot {
		if emit != nil && !a.Canceled() {
			emit(s)
		}
		return s
	}

	for {
		if err := ctx.Err(); err != nil {
			a.Cancel()
			return a.Snapshot(), err
		}

		ev, err := src.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				a.Cancel()
				return a.Snapshot(), ctxErr
			}

			var frameErr *FrameError
			var streamErr *StreamError
			switch {
			case errors.As(err, &frameErr):
				a.DropFrame(err)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, ErrMissingTerminator):
				return publish(a.Finish()), nil
			case errors.As(err, &streamErr):
				return publish(a.Fail(streamErr.Kind, streamErr.Message)), nil
			default:
				return publish(a.Fail(KindNetwork, err.Error())), nil
			}
		}

		snap, applied := a.Apply(ev)
		if applied {
			publish(snap)
		} else if a.Canceled() {
			return snap, context.Canceled
		}
		if snap.Terminal() {
			return snap, nil
		}
	}
}

// onceCloser makes Close idempotent and safe to call concurrently with Next.
type onceCloser struct {
	Source
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.Source.Close() })
	return c.err
}
