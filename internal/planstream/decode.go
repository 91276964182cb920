package planstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Terminator is the end-of-stream marker sent after the last frame.
const Terminator = "[DONE]"

const (
	initialLineBuffer = 64 * 1024
	maxLineBuffer     = 4 * 1024 * 1024
)

const frameSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":    {"enum": ["start", "content", "complete", "error"]},
    "section": {"type": "string"},
    "content": {"type": "string"},
    "error":   {"type": "string"},
    "kind":    {"type": "string"},
    "plan": {
      "type": ["object", "null"],
      "properties": {
        "overallStrategy": {"type": "string"},
        "dailyPlan":       {"type": "string"},
        "weeklyPlan":      {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if":   {"properties": {"type": {"const": "content"}}},
      "then": {"required": ["section", "content"]}
    },
    {
      "if":   {"properties": {"type": {"const": "error"}}},
      "then": {"required": ["error"]}
    }
  ]
}`

// FrameDecoder decodes and validates stream frames. It is stateless after
// construction and safe for concurrent use.
type FrameDecoder struct {
	schema *gojsonschema.Schema
}

// NewFrameDecoder compiles the frame schema.
func NewFrameDecoder() (*FrameDecoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &FrameDecoder{schema: schema}, nil
}

var defaultDecoder = sync.OnceValues(NewFrameDecoder)

// DefaultDecoder returns a shared FrameDecoder.
func DefaultDecoder() *FrameDecoder {
	dec, err := defaultDecoder()
	if err != nil {
		// The schema is a constant; failing to compile it is a programming error.
		panic(err)
	}
	return dec
}

// Decode validates a JSON payload and decodes it into an Event.
func (d *FrameDecoder) Decode(payload []byte) (Event, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Event{}, &FrameError{Payload: string(payload), Reason: err.Error()}
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return Event{}, &FrameError{Payload: string(payload), Reason: strings.Join(reasons, "; ")}
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, &FrameError{Payload: string(payload), Reason: err.Error()}
	}
	return ev, nil
}

// DecodeLine decodes one line of an SSE or NDJSON stream. It reports
// ok=false for lines that carry no frame (blank lines, comments, other SSE
// fields) and io.EOF for the terminator.
func (d *FrameDecoder) DecodeLine(line string) (ev Event, ok bool, err error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "", strings.HasPrefix(line, ":"):
		return Event{}, false, nil
	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return Event{}, false, nil
	case strings.HasPrefix(line, "data:"):
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			return Event{}, false, nil
		}
	}

	if line == Terminator {
		return Event{}, false, io.EOF
	}

	ev, err = d.Decode([]byte(line))
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// Source yields stream events. Next blocks until an event is available and
// returns io.EOF after the terminator, ErrMissingTerminator when the stream
// ends without one, *FrameError for a droppable frame, and any other error
// for a transport failure.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// LineSource reads newline-delimited frames (SSE or NDJSON) from a reader.
type LineSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	dec     *FrameDecoder
	done    bool
}

// NewLineSource wraps rc. A nil decoder selects DefaultDecoder.
func NewLineSource(rc io.ReadCloser, dec *FrameDecoder) *LineSource {
	if dec == nil {
		dec = DefaultDecoder()
	}
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	return &LineSource{rc: rc, scanner: scanner, dec: dec}
}

func (s *LineSource) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if s.done {
			return Event{}, io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Event{}, fmt.Errorf("read stream: %w", err)
			}
			return Event{}, ErrMissingTerminator
		}

		ev, ok, err := s.dec.DecodeLine(s.scanner.Text())
		if err == io.EOF {
			s.done = true
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (s *LineSource) Close() error {
	return s.rc.Close()
}

// SliceSource replays fixed events, then returns End (io.EOF when nil).
type SliceSource struct {
	Events []Event
	End    error

	mu     sync.Mutex
	pos    int
	closed bool
}

func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, io.ErrClosedPipe
	}
	if s.pos < len(s.Events) {
		ev := s.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.End != nil {
		return Event{}, s.End
	}
	return Event{}, io.EOF
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
