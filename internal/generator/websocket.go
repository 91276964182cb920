package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-planner/internal/planstream"
)

const maxMessageSize = 4 * 1024 * 1024

// WebsocketClient streams plans over a websocket. The request is sent as one
// JSON text message; each message received afterwards is one frame.
type WebsocketClient struct {
	url     string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	decoder *planstream.FrameDecoder
}

// NewWebsocketClient creates a client for the generator websocket endpoint
// at url (ws:// or wss://).
func NewWebsocketClient(url, apiKey string, opts ...Option) *WebsocketClient {
	o := buildOptions(opts)
	return &WebsocketClient{
		url:     url,
		apiKey:  apiKey,
		client:  o.client,
		timeout: o.timeout,
		decoder: o.decoder,
	}
}

func (c *WebsocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.client,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
				resp.Body.Close()
			}
			return nil, &planstream.StreamError{
				Kind:    planstream.ClassifyStatus(resp.StatusCode, string(body)),
				Message: fmt.Sprintf("generator handshake failed (status %d)", resp.StatusCode),
				Err:     err,
			}
		}
		return nil, &planstream.StreamError{Kind: planstream.KindNetwork, Message: "dial generator", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *WebsocketClient) Stream(ctx context.Context, req Request) (planstream.Source, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := withOptionalTimeout(ctx, c.timeout)
	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		conn.CloseNow()
		cancel()
		return nil, &planstream.StreamError{Kind: planstream.KindNetwork, Message: "send request", Err: err}
	}
	return &cancelSource{Source: &wsSource{conn: conn, dec: c.decoder}, cancel: cancel}, nil
}

func (c *WebsocketClient) HealthCheck(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("generator health check: %w", err)
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

type wsSource struct {
	conn *websocket.Conn
	dec  *planstream.FrameDecoder
	done bool
}

func (s *wsSource) Next(ctx context.Context) (planstream.Event, error) {
	for {
		if s.done {
			return planstream.Event{}, io.EOF
		}
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return planstream.Event{}, ctxErr
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return planstream.Event{}, planstream.ErrMissingTerminator
			}
			return planstream.Event{}, &planstream.StreamError{Kind: planstream.KindNetwork, Message: "read frame", Err: err}
		}
		if typ != websocket.MessageText {
			return planstream.Event{}, &planstream.FrameError{Reason: "binary message"}
		}

		ev, ok, err := s.dec.DecodeLine(string(data))
		if errors.Is(err, io.EOF) {
			s.done = true
			return planstream.Event{}, io.EOF
		}
		if err != nil {
			return planstream.Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (s *wsSource) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
