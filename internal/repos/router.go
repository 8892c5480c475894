package repos

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/webhook"
)

// Method records how a repository was selected.
type Method string

const (
	MethodCached            Method = "cached"
	MethodDescriptionTag    Method = "description-tag"
	MethodLabel             Method = "label"
	MethodProject           Method = "project"
	MethodTeam              Method = "team"
	MethodTeamPrefix        Method = "team-prefix"
	MethodCatchAll          Method = "catch-all"
	MethodWorkspaceFallback Method = "workspace-fallback"
	MethodUserSelection     Method = "user-selection"
)

// RouteResult is the routing outcome: a selected repository, a request
// for user selection, or nothing.
type RouteResult struct {
	Repository *Repository
	Method     Method
	Candidates []*Repository
}

// Selected reports whether routing resolved a repository.
func (r RouteResult) Selected() bool { return r.Repository != nil }

// NeedsSelection reports whether the user must pick from candidates.
func (r RouteResult) NeedsSelection() bool { return r.Repository == nil && len(r.Candidates) > 0 }

// None reports whether nothing matched at all.
func (r RouteResult) None() bool { return r.Repository == nil && len(r.Candidates) == 0 }

// IssueLookup fetches issue details the webhook payload may omit.
type IssueLookup interface {
	FetchIssueLabels(ctx context.Context, issueID string) ([]string, error)
	FetchIssueDescription(ctx context.Context, issueID string) (string, error)
}

// repoTagRe matches [repo=X] and the escaped \[repo=X\] form.
var repoTagRe = regexp.MustCompile(`\\?\[repo=([A-Za-z0-9_\-/.]+)\\?\]`)

// Router resolves work items to repositories by a fixed priority chain:
// cache, description tag, routing label, project, team key, team prefix,
// catch-all, workspace fallback.
type Router struct {
	registry *Registry
	lookup   IssueLookup // may be nil
	logger   *logger.Logger

	mu      sync.Mutex
	cache   map[string]string        // issueID -> repoID
	pending map[string][]*Repository // agentSessionID -> candidates
}

// NewRouter creates a router over the registry. lookup may be nil when
// webhook payloads always carry labels and descriptions.
func NewRouter(registry *Registry, lookup IssueLookup, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		registry: registry,
		lookup:   lookup,
		logger:   log.WithFields(zap.String("component", "repo-router")),
		cache:    make(map[string]string),
		pending:  make(map[string][]*Repository),
	}
}

// Route resolves the repository for a webhook's work item.
func (r *Router) Route(ctx context.Context, wh *webhook.Webhook) RouteResult {
	issue := wh.WorkItem()
	if issue == nil {
		return RouteResult{}
	}
	all := r.registry.All()
	if len(all) == 0 {
		return RouteResult{}
	}

	// 0. Cache, with lazy eviction of stale entries.
	if repo, ok := r.cachedRepo(issue.ID); ok {
		return r.selected(issue.ID, repo, MethodCached)
	}

	// 1. Description tag.
	if repo := r.matchDescriptionTag(ctx, issue, all); repo != nil {
		return r.selected(issue.ID, repo, MethodDescriptionTag)
	}

	// 2. Routing labels.
	if repo := r.matchLabels(ctx, issue, all); repo != nil {
		return r.selected(issue.ID, repo, MethodLabel)
	}

	// 3. Project.
	if project := issue.ProjectName(); project != "" {
		for _, repo := range all {
			if containsString(repo.ProjectKeys, project) {
				return r.selected(issue.ID, repo, MethodProject)
			}
		}
	}

	// 4. Team key.
	if team := issue.TeamKey(); team != "" {
		for _, repo := range all {
			if containsString(repo.TeamKeys, team) {
				return r.selected(issue.ID, repo, MethodTeam)
			}
		}
	}

	// 5. Team prefix from the identifier.
	if prefix := identifierPrefix(issue.Identifier); prefix != "" {
		for _, repo := range all {
			if containsString(repo.TeamKeys, prefix) {
				return r.selected(issue.ID, repo, MethodTeamPrefix)
			}
		}
	}

	// 6. Catch-all.
	for _, repo := range all {
		if repo.CatchAll() {
			return r.selected(issue.ID, repo, MethodCatchAll)
		}
	}

	if len(all) == 1 {
		return r.selected(issue.ID, all[0], MethodWorkspaceFallback)
	}

	// Multiple candidates: ask the user, keyed by agent session.
	if sessionID := wh.AgentSessionID(); sessionID != "" {
		r.mu.Lock()
		r.pending[sessionID] = all
		r.mu.Unlock()
	}
	return RouteResult{Candidates: all}
}

// SelectFromResponse resolves a pending elicitation with the user's
// value, matching githubUrl first, then name, then falling back to the
// first candidate. The pending entry is cleared either way.
func (r *Router) SelectFromResponse(agentSessionID, value string) (RouteResult, bool) {
	r.mu.Lock()
	candidates, ok := r.pending[agentSessionID]
	delete(r.pending, agentSessionID)
	r.mu.Unlock()
	if !ok || len(candidates) == 0 {
		return RouteResult{}, false
	}

	value = strings.TrimSpace(value)
	for _, repo := range candidates {
		if repo.GithubURL != "" && strings.Contains(value, repo.GithubURL) {
			return RouteResult{Repository: repo, Method: MethodUserSelection}, true
		}
	}
	for _, repo := range candidates {
		if strings.EqualFold(repo.Name, value) {
			return RouteResult{Repository: repo, Method: MethodUserSelection}, true
		}
	}
	return RouteResult{Repository: candidates[0], Method: MethodUserSelection}, true
}

// RecordSelection caches a resolved issue→repo mapping, used when a
// selection happens outside Route (user responses).
func (r *Router) RecordSelection(issueID string, repo *Repository) {
	if issueID == "" || repo == nil {
		return
	}
	r.mu.Lock()
	r.cache[issueID] = repo.ID
	r.mu.Unlock()
}

func (r *Router) selected(issueID string, repo *Repository, method Method) RouteResult {
	r.RecordSelection(issueID, repo)
	r.logger.Debug("repository routed",
		zap.String("issue_id", issueID),
		zap.String("repo", repo.ID),
		zap.String("method", string(method)))
	return RouteResult{Repository: repo, Method: method}
}

func (r *Router) cachedRepo(issueID string) (*Repository, bool) {
	r.mu.Lock()
	repoID, ok := r.cache[issueID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	repo, exists := r.registry.ByID(repoID)
	if !exists {
		r.mu.Lock()
		delete(r.cache, issueID)
		r.mu.Unlock()
		return nil, false
	}
	return repo, true
}

// matchDescriptionTag resolves a [repo=X] tag against githubUrl
// (substring), name (case-insensitive), or id (exact). First tag wins.
func (r *Router) matchDescriptionTag(ctx context.Context, issue *webhook.Issue, all []*Repository) *Repository {
	description := issue.Description
	if description == "" && r.lookup != nil {
		fetched, err := r.lookup.FetchIssueDescription(ctx, issue.ID)
		if err != nil {
			r.logger.Warn("description fetch failed", zap.String("issue_id", issue.ID), zap.Error(err))
		} else {
			description = fetched
		}
	}
	m := repoTagRe.FindStringSubmatch(description)
	if m == nil {
		return nil
	}
	tag := m[1]
	for _, repo := range all {
		switch {
		case repo.GithubURL != "" && strings.Contains(repo.GithubURL, tag):
			return repo
		case strings.EqualFold(repo.Name, tag):
			return repo
		case repo.ID == tag:
			return repo
		}
	}
	return nil
}

func (r *Router) matchLabels(ctx context.Context, issue *webhook.Issue, all []*Repository) *Repository {
	labels := issue.Labels
	if len(labels) == 0 && r.lookup != nil {
		fetched, err := r.lookup.FetchIssueLabels(ctx, issue.ID)
		if err != nil {
			r.logger.Warn("label fetch failed", zap.String("issue_id", issue.ID), zap.Error(err))
		} else {
			labels = fetched
		}
	}
	if len(labels) == 0 {
		return nil
	}
	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[strings.ToLower(l)] = true
	}
	for _, repo := range all {
		for _, rl := range repo.RoutingLabels {
			if labelSet[strings.ToLower(rl)] {
				return repo
			}
		}
	}
	return nil
}

// identifierPrefix extracts PREFIX from a PREFIX-NUMBER identifier.
func identifierPrefix(identifier string) string {
	idx := strings.LastIndex(identifier, "-")
	if idx <= 0 {
		return ""
	}
	prefix, number := identifier[:idx], identifier[idx+1:]
	if number == "" {
		return ""
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return prefix
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
