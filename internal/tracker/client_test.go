package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type gqlHandler func(query string, vars map[string]any) (any, int)

func newTestClient(t *testing.T, handler gqlHandler) (*Client, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, status := handler(req.Query, req.Variables)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		APIKey:   "test-key",
		Endpoint: srv.URL,
	}, newTestLogger())
	return c, &calls
}

func issuePayload() map[string]any {
	return map[string]any{
		"issue": map[string]any{
			"id":         "issue-uuid",
			"identifier": "ROM-1",
			"title":      "Create hello.txt",
			"state":      map[string]any{"name": "Todo"},
			"team":       map[string]any{"key": "ROM"},
			"labels": map[string]any{
				"nodes": []map[string]any{{"name": "agent:auto"}},
			},
		},
	}
}

func TestGetIssue(t *testing.T) {
	c, _ := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		return issuePayload(), http.StatusOK
	})

	issue, err := c.GetIssue(context.Background(), "ROM-1")
	require.NoError(t, err)
	assert.Equal(t, "ROM-1", issue.Identifier)
	assert.Equal(t, "ROM", issue.TeamKey)
	assert.Equal(t, []string{"agent:auto"}, issue.Labels)
}

func TestBudgetFailsFast(t *testing.T) {
	srvCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srvCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"data": issuePayload()})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{APIKey: "k", Endpoint: srv.URL, RequestBudget: 2}, newTestLogger())
	ctx := context.Background()

	_, err := c.GetIssue(ctx, "ROM-1")
	require.NoError(t, err)
	_, err = c.GetIssue(ctx, "ROM-1")
	require.NoError(t, err)

	_, err = c.GetIssue(ctx, "ROM-1")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 2, srvCalls)

	c.ClearBudget()
	_, err = c.GetIssue(ctx, "ROM-1")
	assert.NoError(t, err)
}

func TestReactiveRateLimit(t *testing.T) {
	c, calls := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		return nil, http.StatusTooManyRequests
	})
	ctx := context.Background()

	_, err := c.GetIssue(ctx, "ROM-1")
	require.True(t, IsRateLimited(err))
	require.EqualValues(t, 1, calls.Load())

	// Subsequent calls fail fast without touching the API.
	_, err = c.GetIssue(ctx, "ROM-1")
	require.True(t, IsRateLimited(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryOnServerError(t *testing.T) {
	var n atomic.Int64
	c, calls := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		if n.Add(1) < 3 {
			return nil, http.StatusInternalServerError
		}
		return issuePayload(), http.StatusOK
	})

	issue, err := c.GetIssue(context.Background(), "ROM-1")
	require.NoError(t, err)
	assert.Equal(t, "ROM-1", issue.Identifier)
	assert.EqualValues(t, 3, calls.Load())
}

func TestLabelCacheAvoidsRefetch(t *testing.T) {
	var labelQueries atomic.Int64
	c, _ := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		switch {
		case contains(query, "issueLabels("):
			labelQueries.Add(1)
			return map[string]any{
				"issueLabels": map[string]any{
					"nodes": []map[string]any{{"id": "lbl-1", "name": "agent:executed"}},
				},
			}, http.StatusOK
		case contains(query, "issueAddLabel"):
			return map[string]any{"issueAddLabel": map[string]any{"success": true}}, http.StatusOK
		default:
			return issuePayload(), http.StatusOK
		}
	})
	ctx := context.Background()

	require.NoError(t, c.AddLabel(ctx, "issue-uuid", "ROM", "agent:executed"))
	require.NoError(t, c.AddLabel(ctx, "issue-uuid", "ROM", "agent:executed"))
	assert.EqualValues(t, 1, labelQueries.Load())

	c.ClearCaches()
	require.NoError(t, c.AddLabel(ctx, "issue-uuid", "ROM", "agent:executed"))
	assert.EqualValues(t, 2, labelQueries.Load())
}

func TestAddLabelCreatesMissingLabel(t *testing.T) {
	var created atomic.Bool
	c, _ := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		switch {
		case contains(query, "issueLabels("):
			return map[string]any{"issueLabels": map[string]any{"nodes": []map[string]any{}}}, http.StatusOK
		case contains(query, "issueLabelCreate"):
			created.Store(true)
			return map[string]any{
				"issueLabelCreate": map[string]any{
					"success":    true,
					"issueLabel": map[string]any{"id": "lbl-new"},
				},
			}, http.StatusOK
		case contains(query, "issueAddLabel"):
			return map[string]any{"issueAddLabel": map[string]any{"success": true}}, http.StatusOK
		default:
			return issuePayload(), http.StatusOK
		}
	})

	require.NoError(t, c.AddLabel(context.Background(), "issue-uuid", "ROM", "agent:failed"))
	assert.True(t, created.Load())
}

func TestUpdateIssueStateUsesWorkflowCache(t *testing.T) {
	var stateQueries atomic.Int64
	c, _ := newTestClient(t, func(query string, vars map[string]any) (any, int) {
		switch {
		case contains(query, "workflowStates"):
			stateQueries.Add(1)
			return map[string]any{
				"workflowStates": map[string]any{
					"nodes": []map[string]any{
						{"id": "st-1", "name": "In Progress"},
						{"id": "st-2", "name": "Done"},
					},
				},
			}, http.StatusOK
		default:
			return map[string]any{"issueUpdate": map[string]any{"success": true}}, http.StatusOK
		}
	})
	ctx := context.Background()

	require.NoError(t, c.UpdateIssueState(ctx, "issue-uuid", "ROM", "In Progress"))
	require.NoError(t, c.UpdateIssueState(ctx, "issue-uuid", "ROM", "Done"))
	assert.EqualValues(t, 1, stateQueries.Load())
}

func TestBudgetWindowSlides(t *testing.T) {
	b := newRequestBudget(2)
	now := time.Now()

	ok, _ := b.allow(now)
	require.True(t, ok)
	ok, _ = b.allow(now.Add(time.Minute))
	require.True(t, ok)

	ok, retryAfter := b.allow(now.Add(2 * time.Minute))
	require.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	// After the first entry leaves the 1h window, a slot frees up.
	ok, _ = b.allow(now.Add(61 * time.Minute))
	assert.True(t, ok)
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
