package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/p-n-ai/pai-planner/internal/planstream"
)

const (
	streamPath   = "/v1/plans/stream"
	maxErrorBody = 64 * 1024
)

// HTTPClient streams plans over HTTP server-sent events.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	decoder *planstream.FrameDecoder
}

// Option configures a transport client.
type Option func(*options)

type options struct {
	client  *http.Client
	timeout time.Duration
	decoder *planstream.FrameDecoder
}

// WithHTTPClient sets the HTTP client used for requests and websocket handshakes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithTimeout bounds a whole generation, from request to the last frame.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithDecoder sets the frame decoder.
func WithDecoder(d *planstream.FrameDecoder) Option {
	return func(o *options) {
		o.decoder = d
	}
}

func buildOptions(opts []Option) options {
	o := options{client: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	if o.decoder == nil {
		o.decoder = planstream.DefaultDecoder()
	}
	return o
}

// NewHTTPClient creates an SSE client for the generator at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	o := buildOptions(opts)
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  o.client,
		timeout: o.timeout,
		decoder: o.decoder,
	}
}

func (c *HTTPClient) Stream(ctx context.Context, req Request) (planstream.Source, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := withOptionalTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &planstream.StreamError{Kind: planstream.KindNetwork, Message: "send request", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(respBody))
		return nil, &planstream.StreamError{
			Kind:    planstream.ClassifyStatus(resp.StatusCode, msg),
			Message: fmt.Sprintf("generator error (status %d): %s", resp.StatusCode, msg),
		}
	}

	return &cancelSource{Source: planstream.NewLineSource(resp.Body, c.decoder), cancel: cancel}, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("generator health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generator health check: status %d", resp.StatusCode)
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// cancelSource releases the request context when the stream is closed.
type cancelSource struct {
	planstream.Source
	cancel context.CancelFunc
}

func (s *cancelSource) Close() error {
	err := s.Source.Close()
	s.cancel()
	return err
}
