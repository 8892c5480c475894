package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

// WSClient talks to an event-stream provider: session operations over
// HTTP, the event subscription over WebSocket.
type WSClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *logger.Logger
}

// NewWSClient creates a provider client for the given HTTP endpoint.
func NewWSClient(endpoint, apiKey string, log *logger.Logger) *WSClient {
	if log == nil {
		log = logger.Default()
	}
	return &WSClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		logger:     log.WithFields(zap.String("component", "agent-wsclient")),
	}
}

// wsStream adapts a websocket connection to the EventStream interface.
type wsStream struct {
	conn    *websocket.Conn
	readMu  sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (s *wsStream) Next(ctx context.Context) (Event, error) {
	type result struct {
		ev  Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			ch <- result{err: errkind.Wrap(errkind.KindStreamDisconnect, err, "event stream read failed")}
			return
		}
		ch <- result{ev: ev}
	}()

	select {
	case <-ctx.Done():
		_ = s.Close()
		return Event{}, ctx.Err()
	case r := <-ch:
		return r.ev, r.err
	}
}

func (s *wsStream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Subscribe opens the WebSocket event subscription.
func (c *WSClient) Subscribe(ctx context.Context) (EventStream, error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, errkind.Wrap(errkind.KindNetwork, err, "event subscription failed")
	}
	return &wsStream{conn: conn}, nil
}

func (c *WSClient) eventsURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid provider endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String(), nil
}

// CreateSession starts a session rooted in dir.
func (c *WSClient) CreateSession(ctx context.Context, dir string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, http.MethodPost, "/session", map[string]any{"directory": dir}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errkind.New(errkind.KindClient, "provider returned empty session id")
	}
	return resp.ID, nil
}

// Prompt sends the prompt to a session.
func (c *WSClient) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	return c.call(ctx, http.MethodPost, "/session/"+sessionID+"/prompt", req, nil)
}

// SessionStatus queries the remote session state.
func (c *WSClient) SessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var resp struct {
		Status *SessionStatus `json:"status"`
	}
	err := c.call(ctx, http.MethodGet, "/session/"+sessionID+"/status", nil, &resp)
	if err != nil {
		if errkind.KindOf(err) == errkind.KindClient {
			// Session gone.
			return nil, nil
		}
		return nil, err
	}
	return resp.Status, nil
}

// AbortSession stops a session remotely.
func (c *WSClient) AbortSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
}

// ListSessions is used as a cheap health probe.
func (c *WSClient) ListSessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, "/session", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// call issues one HTTP request against the provider API and classifies
// failures into error kinds.
func (c *WSClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindTimeout, err, "provider request timed out")
		}
		return errkind.Wrap(errkind.KindNetwork, err, "provider request failed")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errkind.Newf(errkind.KindRateLimit, "provider rate limited: %s", raw)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.Newf(errkind.KindAuth, "provider auth failed (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return errkind.Newf(errkind.KindServer, "provider server error (status %d): %s", resp.StatusCode, raw)
	case resp.StatusCode >= 400:
		return errkind.Newf(errkind.KindClient, "provider rejected request (status %d): %s", resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errkind.Wrap(errkind.KindServer, err, "decode provider response")
		}
	}
	return nil
}
