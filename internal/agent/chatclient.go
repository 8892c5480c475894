package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

// ChatHTTPClient talks to a request/response chat-completion provider.
type ChatHTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewChatHTTPClient creates a chat provider client.
func NewChatHTTPClient(endpoint, apiKey string, log *logger.Logger) *ChatHTTPClient {
	if log == nil {
		log = logger.Default()
	}
	return &ChatHTTPClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "agent-chatclient")),
	}
}

// Complete runs one completion rooted in dir and returns the raw output.
func (c *ChatHTTPClient) Complete(ctx context.Context, dir string, req PromptRequest) (string, error) {
	payload := struct {
		Directory string       `json:"directory"`
		Model     string       `json:"model,omitempty"`
		Parts     []PromptPart `json:"parts"`
	}{Directory: dir, Model: req.Model, Parts: req.Parts}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/complete", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", errkind.Wrap(errkind.KindTimeout, err, "completion timed out")
		}
		return "", errkind.Wrap(errkind.KindNetwork, err, "completion request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errkind.Newf(errkind.KindRateLimit, "provider rate limited: %s", body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errkind.Newf(errkind.KindAuth, "provider auth failed (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", errkind.Newf(errkind.KindServer, "provider server error (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", errkind.Newf(errkind.KindClient, "provider rejected completion (status %d): %s", resp.StatusCode, body)
	}

	var out struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errkind.Wrap(errkind.KindServer, err, "decode completion response")
	}
	return out.Output, nil
}

// Ping is a cheap liveness probe.
func (c *ChatHTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindNetwork, err, "provider unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errkind.Newf(errkind.KindServer, "provider unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

var _ ChatClient = (*ChatHTTPClient)(nil)
