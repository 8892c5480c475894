// Package tracker wraps the issue tracker's GraphQL API with a sliding
// request budget, reactive rate-limit state, TTL caches, and bounded retry.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

const retryBackoffStep = 500 * time.Millisecond

// Issue is the tracker's view of a work item.
type Issue struct {
	ID          string
	Identifier  string
	Title       string
	Description string
	Labels      []string
	TeamKey     string
	Project     string
	State       string
}

// IssueFilter narrows ListIssues results.
type IssueFilter struct {
	TeamKey string
	State   string
	Label   string
}

// Config tunes the tracker client.
type Config struct {
	APIKey        string
	Endpoint      string
	RequestBudget int
	Timeout       time.Duration
	MaxRetries    int
}

// Client is the issue tracker API client. Rate-limit state and caches are
// process-wide by design: the budget is per API key.
type Client struct {
	logger     *logger.Logger
	httpClient *http.Client
	cfg        Config
	now        func() time.Time

	budget *requestBudget

	mu               sync.Mutex
	rateLimitedUntil time.Time

	// workflow states per team: state name (lowercase) -> state ID
	stateCache *ttlCache[map[string]string]
	// labels per team: label name (lowercase) -> label ID
	labelCache *ttlCache[map[string]string]
}

// NewClient creates a tracker client. Zero config fields fall back to
// defaults (budget 4500/h, timeout 30s, 3 retries).
func NewClient(cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.linear.app/graphql"
	}
	if cfg.RequestBudget == 0 {
		cfg.RequestBudget = 4500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		logger:     log.WithFields(zap.String("component", "tracker-client")),
		httpClient: &http.Client{},
		cfg:        cfg,
		now:        time.Now,
		budget:     newRequestBudget(cfg.RequestBudget),
		stateCache: newTTLCache[map[string]string](cacheTTL),
		labelCache: newTTLCache[map[string]string](cacheTTL),
	}
}

// SetClock overrides the time source. Test hook.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// SetHTTPClient overrides the HTTP transport. Test hook.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// ClearCaches drops the workflow-state and label caches.
func (c *Client) ClearCaches() {
	c.stateCache.clear()
	c.labelCache.clear()
}

// ClearBudget resets the sliding-window request budget and reactive
// rate-limit state.
func (c *Client) ClearBudget() {
	c.budget.clear()
	c.mu.Lock()
	c.rateLimitedUntil = time.Time{}
	c.mu.Unlock()
}

// BudgetUsed returns the number of requests inside the current window.
func (c *Client) BudgetUsed() int { return c.budget.used(c.now()) }

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// do runs one GraphQL operation with budget enforcement and bounded linear
// backoff retry for transient errors. Rate-limit errors are not retried.
func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	if err := c.checkRateLimit(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoffStep):
			}
		}

		if ok, retryAfter := c.budget.allow(c.now()); !ok {
			return &RateLimitError{RetryAfter: retryAfter}
		}

		err := c.post(ctx, query, vars, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsRateLimited(err) {
			return err
		}
		if !errkind.IsTransient(err) {
			return err
		}
		c.logger.Warn("tracker request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// post issues a single GraphQL POST with the per-request timeout.
func (c *Client) post(ctx context.Context, query string, vars map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindTimeout, err, "tracker request timed out")
		}
		return errkind.Wrap(errkind.KindNetwork, err, "tracker request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.KindNetwork, err, "read tracker response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return c.enterRateLimited(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.Wrap(errkind.KindAuth, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}, "tracker auth failed")
	case resp.StatusCode >= 500:
		return errkind.Wrap(errkind.KindServer, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}, "tracker server error")
	case resp.StatusCode >= 400:
		return errkind.Wrap(errkind.KindClient, &APIError{StatusCode: resp.StatusCode, Message: string(raw)}, "tracker client error")
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		return errkind.Wrap(errkind.KindServer, err, "decode tracker response")
	}
	if len(gqlResp.Errors) > 0 {
		first := gqlResp.Errors[0]
		if strings.EqualFold(first.Extensions.Code, "RATELIMITED") ||
			strings.Contains(strings.ToUpper(first.Message), "RATELIMITED") {
			return c.enterRateLimited("")
		}
		return errkind.Wrap(errkind.KindClient, &APIError{Message: first.Message}, "tracker query failed")
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return errkind.Wrap(errkind.KindServer, err, "decode tracker data")
		}
	}
	return nil
}

// checkRateLimit fails fast while the reactive rate-limit window is active.
func (c *Client) checkRateLimit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := c.rateLimitedUntil; c.now().Before(until) {
		return &RateLimitError{RetryAfter: until.Sub(c.now())}
	}
	return nil
}

// enterRateLimited records a remote rate-limit signal so subsequent calls
// fail fast until it expires.
func (c *Client) enterRateLimited(retryAfterHeader string) error {
	retryAfter := time.Minute
	if retryAfterHeader != "" {
		if d, err := time.ParseDuration(retryAfterHeader + "s"); err == nil {
			retryAfter = d
		}
	}
	c.mu.Lock()
	c.rateLimitedUntil = c.now().Add(retryAfter)
	c.mu.Unlock()
	c.logger.Warn("tracker rate limited", zap.Duration("retry_after", retryAfter))
	return &RateLimitError{RetryAfter: retryAfter}
}

// GetIssue fetches an issue by ID or identifier.
func (c *Client) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	const query = `query Issue($id: String!) {
		issue(id: $id) {
			id identifier title description
			state { name }
			team { key }
			project { name }
			labels { nodes { name } }
		}
	}`

	var resp struct {
		Issue *struct {
			ID          string `json:"id"`
			Identifier  string `json:"identifier"`
			Title       string `json:"title"`
			Description string `json:"description"`
			State       struct {
				Name string `json:"name"`
			} `json:"state"`
			Team struct {
				Key string `json:"key"`
			} `json:"team"`
			Project *struct {
				Name string `json:"name"`
			} `json:"project"`
			Labels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"issue"`
	}
	if err := c.do(ctx, query, map[string]any{"id": issueID}, &resp); err != nil {
		return nil, err
	}
	if resp.Issue == nil {
		return nil, ErrNotFound
	}

	issue := &Issue{
		ID:          resp.Issue.ID,
		Identifier:  resp.Issue.Identifier,
		Title:       resp.Issue.Title,
		Description: resp.Issue.Description,
		TeamKey:     resp.Issue.Team.Key,
		State:       resp.Issue.State.Name,
	}
	if resp.Issue.Project != nil {
		issue.Project = resp.Issue.Project.Name
	}
	for _, n := range resp.Issue.Labels.Nodes {
		issue.Labels = append(issue.Labels, n.Name)
	}
	return issue, nil
}

// ListIssues returns issues matching the filter.
func (c *Client) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	const query = `query Issues($filter: IssueFilter) {
		issues(filter: $filter) {
			nodes { id identifier title state { name } team { key } }
		}
	}`

	gqlFilter := map[string]any{}
	if filter.TeamKey != "" {
		gqlFilter["team"] = map[string]any{"key": map[string]any{"eq": filter.TeamKey}}
	}
	if filter.State != "" {
		gqlFilter["state"] = map[string]any{"name": map[string]any{"eq": filter.State}}
	}
	if filter.Label != "" {
		gqlFilter["labels"] = map[string]any{"name": map[string]any{"eq": filter.Label}}
	}

	var resp struct {
		Issues struct {
			Nodes []struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				Title      string `json:"title"`
				State      struct {
					Name string `json:"name"`
				} `json:"state"`
				Team struct {
					Key string `json:"key"`
				} `json:"team"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	if err := c.do(ctx, query, map[string]any{"filter": gqlFilter}, &resp); err != nil {
		return nil, err
	}

	issues := make([]*Issue, 0, len(resp.Issues.Nodes))
	for _, n := range resp.Issues.Nodes {
		issues = append(issues, &Issue{
			ID:         n.ID,
			Identifier: n.Identifier,
			Title:      n.Title,
			State:      n.State.Name,
			TeamKey:    n.Team.Key,
		})
	}
	return issues, nil
}

// FetchIssueLabels returns the label names attached to an issue.
func (c *Client) FetchIssueLabels(ctx context.Context, issueID string) ([]string, error) {
	issue, err := c.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issue.Labels, nil
}

// FetchIssueDescription returns the issue description.
func (c *Client) FetchIssueDescription(ctx context.Context, issueID string) (string, error) {
	issue, err := c.GetIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	return issue.Description, nil
}

// UpdateIssueState moves an issue to the named workflow state, resolving
// the state ID through the per-team workflow-state cache.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, teamKey, stateName string) error {
	stateID, err := c.resolveWorkflowState(ctx, teamKey, stateName)
	if err != nil {
		return err
	}

	const mutation = `mutation IssueUpdate($id: String!, $input: IssueUpdateInput!) {
		issueUpdate(id: $id, input: $input) { success }
	}`
	var resp struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	err = c.do(ctx, mutation, map[string]any{
		"id":    issueID,
		"input": map[string]any{"stateId": stateID},
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.IssueUpdate.Success {
		return &APIError{Message: fmt.Sprintf("issue state update to %q rejected", stateName)}
	}
	return nil
}

// PostComment adds a comment to an issue.
func (c *Client) PostComment(ctx context.Context, issueID, body string) error {
	const mutation = `mutation CommentCreate($input: CommentCreateInput!) {
		commentCreate(input: $input) { success }
	}`
	var resp struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	err := c.do(ctx, mutation, map[string]any{
		"input": map[string]any{"issueId": issueID, "body": body},
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.CommentCreate.Success {
		return &APIError{Message: "comment creation rejected"}
	}
	return nil
}

// AddLabel attaches a label to an issue, creating the label in the issue's
// team first when missing. Label creation is idempotent by name within a
// team, which the team-scoped cache relies on.
func (c *Client) AddLabel(ctx context.Context, issueID, teamKey, label string) error {
	labelID, err := c.resolveLabel(ctx, teamKey, label)
	if err != nil {
		return err
	}

	const mutation = `mutation IssueAddLabel($id: String!, $labelId: String!) {
		issueAddLabel(id: $id, labelId: $labelId) { success }
	}`
	var resp struct {
		IssueAddLabel struct {
			Success bool `json:"success"`
		} `json:"issueAddLabel"`
	}
	err = c.do(ctx, mutation, map[string]any{"id": issueID, "labelId": labelID}, &resp)
	if err != nil {
		return err
	}
	if !resp.IssueAddLabel.Success {
		return &APIError{Message: fmt.Sprintf("adding label %q rejected", label)}
	}
	return nil
}

// resolveWorkflowState maps a state name to its ID using the 30-minute
// per-team cache.
func (c *Client) resolveWorkflowState(ctx context.Context, teamKey, stateName string) (string, error) {
	key := strings.ToLower(stateName)
	if states, ok := c.stateCache.get(teamKey, c.now()); ok {
		if id, ok := states[key]; ok {
			return id, nil
		}
	}

	const query = `query WorkflowStates($teamKey: String!) {
		workflowStates(filter: { team: { key: { eq: $teamKey } } }) {
			nodes { id name }
		}
	}`
	var resp struct {
		WorkflowStates struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"workflowStates"`
	}
	if err := c.do(ctx, query, map[string]any{"teamKey": teamKey}, &resp); err != nil {
		return "", err
	}

	states := make(map[string]string, len(resp.WorkflowStates.Nodes))
	for _, n := range resp.WorkflowStates.Nodes {
		states[strings.ToLower(n.Name)] = n.ID
	}
	c.stateCache.set(teamKey, states, c.now())

	id, ok := states[key]
	if !ok {
		return "", fmt.Errorf("%w: workflow state %q in team %q", ErrNotFound, stateName, teamKey)
	}
	return id, nil
}

// resolveLabel maps a label name to its ID, creating the label when the
// team does not have it yet.
func (c *Client) resolveLabel(ctx context.Context, teamKey, label string) (string, error) {
	key := strings.ToLower(label)
	if labels, ok := c.labelCache.get(teamKey, c.now()); ok {
		if id, ok := labels[key]; ok {
			return id, nil
		}
	}

	labels, err := c.fetchTeamLabels(ctx, teamKey)
	if err != nil {
		return "", err
	}
	if id, ok := labels[key]; ok {
		c.labelCache.set(teamKey, labels, c.now())
		return id, nil
	}

	id, err := c.createLabel(ctx, teamKey, label)
	if err != nil {
		return "", err
	}
	labels[key] = id
	c.labelCache.set(teamKey, labels, c.now())
	return id, nil
}

func (c *Client) fetchTeamLabels(ctx context.Context, teamKey string) (map[string]string, error) {
	const query = `query IssueLabels($teamKey: String!) {
		issueLabels(filter: { team: { key: { eq: $teamKey } } }) {
			nodes { id name }
		}
	}`
	var resp struct {
		IssueLabels struct {
			Nodes []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	if err := c.do(ctx, query, map[string]any{"teamKey": teamKey}, &resp); err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(resp.IssueLabels.Nodes))
	for _, n := range resp.IssueLabels.Nodes {
		labels[strings.ToLower(n.Name)] = n.ID
	}
	return labels, nil
}

func (c *Client) createLabel(ctx context.Context, teamKey, label string) (string, error) {
	const mutation = `mutation IssueLabelCreate($input: IssueLabelCreateInput!) {
		issueLabelCreate(input: $input) { success issueLabel { id } }
	}`
	var resp struct {
		IssueLabelCreate struct {
			Success    bool `json:"success"`
			IssueLabel struct {
				ID string `json:"id"`
			} `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	err := c.do(ctx, mutation, map[string]any{
		"input": map[string]any{"name": label, "teamKey": teamKey},
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.IssueLabelCreate.Success {
		return "", &APIError{Message: fmt.Sprintf("label creation for %q rejected", label)}
	}
	return resp.IssueLabelCreate.IssueLabel.ID, nil
}
