package repos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/webhook"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newRegistry(t *testing.T, rcs ...config.RepositoryConfig) *Registry {
	t.Helper()
	reg, err := NewRegistry(rcs, "", newTestLogger())
	require.NoError(t, err)
	return reg
}

type fakeLookup struct {
	labels      []string
	description string
}

func (f *fakeLookup) FetchIssueLabels(ctx context.Context, issueID string) ([]string, error) {
	return f.labels, nil
}

func (f *fakeLookup) FetchIssueDescription(ctx context.Context, issueID string) (string, error) {
	return f.description, nil
}

func issueWebhook(issue *webhook.Issue) *webhook.Webhook {
	return &webhook.Webhook{Type: "Issue", Data: issue}
}

func TestRouteDescriptionTag(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "backend", Name: "Backend", GithubURL: "github.com/acme/backend", TeamKeys: []string{"BE"}},
		config.RepositoryConfig{ID: "frontend", Name: "Frontend", GithubURL: "github.com/acme/frontend", TeamKeys: []string{"FE"}},
	)
	r := NewRouter(reg, nil, newTestLogger())

	for _, desc := range []string{
		"Fix this. [repo=frontend]",
		`Fix this. \[repo=frontend\]`,
		"[repo=github.com/acme/frontend] please",
	} {
		result := r.Route(context.Background(), issueWebhook(&webhook.Issue{
			ID: "i-" + desc, Identifier: "XX-1", Description: desc,
		}))
		require.True(t, result.Selected(), "description %q", desc)
		assert.Equal(t, "frontend", result.Repository.ID)
		assert.Equal(t, MethodDescriptionTag, result.Method)
	}
}

func TestRouteLabels(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "A", TeamKeys: []string{"AA"}, RoutingLabels: []string{"area:infra"}},
		config.RepositoryConfig{ID: "b", Name: "B", TeamKeys: []string{"BB"}},
	)
	lookup := &fakeLookup{labels: []string{"bug", "Area:Infra"}}
	r := NewRouter(reg, lookup, newTestLogger())

	result := r.Route(context.Background(), issueWebhook(&webhook.Issue{ID: "i1", Identifier: "XX-1"}))
	require.True(t, result.Selected())
	assert.Equal(t, "a", result.Repository.ID)
	assert.Equal(t, MethodLabel, result.Method)
}

func TestRouteProjectTeamAndPrefix(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "A", ProjectKeys: []string{"Atlas"}, TeamKeys: []string{"AT"}},
		config.RepositoryConfig{ID: "b", Name: "B", TeamKeys: []string{"ROM"}},
	)
	r := NewRouter(reg, nil, newTestLogger())
	ctx := context.Background()

	result := r.Route(ctx, issueWebhook(&webhook.Issue{
		ID: "i1", Identifier: "XX-1", Project: &webhook.Project{Name: "Atlas"},
	}))
	require.True(t, result.Selected())
	assert.Equal(t, MethodProject, result.Method)

	result = r.Route(ctx, issueWebhook(&webhook.Issue{
		ID: "i2", Identifier: "XX-2", Team: &webhook.Team{Key: "ROM"},
	}))
	require.True(t, result.Selected())
	assert.Equal(t, "b", result.Repository.ID)
	assert.Equal(t, MethodTeam, result.Method)

	// No explicit team: the identifier prefix resolves it.
	result = r.Route(ctx, issueWebhook(&webhook.Issue{ID: "i3", Identifier: "ROM-17"}))
	require.True(t, result.Selected())
	assert.Equal(t, "b", result.Repository.ID)
	assert.Equal(t, MethodTeamPrefix, result.Method)
}

func TestRouteCatchAllAndFallback(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "A", TeamKeys: []string{"AA"}},
		config.RepositoryConfig{ID: "rest", Name: "Rest"},
	)
	r := NewRouter(reg, nil, newTestLogger())

	result := r.Route(context.Background(), issueWebhook(&webhook.Issue{ID: "i1", Identifier: "ZZ-1"}))
	require.True(t, result.Selected())
	assert.Equal(t, "rest", result.Repository.ID)
	assert.Equal(t, MethodCatchAll, result.Method)

	single := newRegistry(t, config.RepositoryConfig{ID: "only", Name: "Only", TeamKeys: []string{"AA"}})
	r2 := NewRouter(single, nil, newTestLogger())
	result = r2.Route(context.Background(), issueWebhook(&webhook.Issue{ID: "i2", Identifier: "ZZ-2"}))
	require.True(t, result.Selected())
	assert.Equal(t, MethodWorkspaceFallback, result.Method)
}

func TestRouteCacheHitAndEviction(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "A", TeamKeys: []string{"ROM"}},
		config.RepositoryConfig{ID: "b", Name: "B", TeamKeys: []string{"OTH"}},
	)
	r := NewRouter(reg, nil, newTestLogger())
	ctx := context.Background()

	first := r.Route(ctx, issueWebhook(&webhook.Issue{ID: "i1", Identifier: "ROM-1", Team: &webhook.Team{Key: "ROM"}}))
	require.True(t, first.Selected())

	// Second route hits the cache even without team info.
	second := r.Route(ctx, issueWebhook(&webhook.Issue{ID: "i1", Identifier: "ROM-1"}))
	require.True(t, second.Selected())
	assert.Equal(t, MethodCached, second.Method)
	assert.Equal(t, "a", second.Repository.ID)

	// Stale entries are evicted lazily when the repo disappears.
	r.cache["i2"] = "gone"
	result := r.Route(ctx, issueWebhook(&webhook.Issue{ID: "i2", Identifier: "ROM-2", Team: &webhook.Team{Key: "ROM"}}))
	require.True(t, result.Selected())
	assert.Equal(t, MethodTeam, result.Method)
	assert.NotContains(t, r.cache, "gone")
}

func TestNeedsSelectionAndResponse(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "Alpha", GithubURL: "github.com/acme/alpha", TeamKeys: []string{"AA"}},
		config.RepositoryConfig{ID: "b", Name: "Beta", GithubURL: "github.com/acme/beta", TeamKeys: []string{"BB"}},
	)
	r := NewRouter(reg, nil, newTestLogger())
	ctx := context.Background()

	wh := &webhook.Webhook{
		Action: webhook.ActionCreated,
		AgentSession: &webhook.AgentSession{
			ID:    "as-1",
			Issue: &webhook.Issue{ID: "i1", Identifier: "ZZ-1"},
		},
	}
	result := r.Route(ctx, wh)
	require.True(t, result.NeedsSelection())
	assert.Len(t, result.Candidates, 2)

	selected, ok := r.SelectFromResponse("as-1", "github.com/acme/beta")
	require.True(t, ok)
	assert.Equal(t, "b", selected.Repository.ID)

	// Pending entry was cleared.
	_, ok = r.SelectFromResponse("as-1", "anything")
	assert.False(t, ok)
}

func TestSelectFromResponseByNameAndFallback(t *testing.T) {
	reg := newRegistry(t,
		config.RepositoryConfig{ID: "a", Name: "Alpha", TeamKeys: []string{"AA"}},
		config.RepositoryConfig{ID: "b", Name: "Beta", TeamKeys: []string{"BB"}},
	)
	r := NewRouter(reg, nil, newTestLogger())
	ctx := context.Background()

	route := func(session string) {
		r.Route(ctx, &webhook.Webhook{
			Action: webhook.ActionCreated,
			AgentSession: &webhook.AgentSession{
				ID:    session,
				Issue: &webhook.Issue{ID: "i-" + session, Identifier: "ZZ-9"},
			},
		})
	}

	route("as-1")
	byName, ok := r.SelectFromResponse("as-1", "beta")
	require.True(t, ok)
	assert.Equal(t, "b", byName.Repository.ID)

	route("as-2")
	fallback, ok := r.SelectFromResponse("as-2", "no such repo")
	require.True(t, ok)
	assert.Equal(t, "a", fallback.Repository.ID)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry([]config.RepositoryConfig{
		{ID: "a", Name: "A"},
		{ID: "b", Name: "B"},
	}, "", newTestLogger())
	require.Error(t, err, "two catch-all repositories must be rejected")

	_, err = NewRegistry([]config.RepositoryConfig{
		{ID: "a", Name: "A", TeamKeys: []string{"AA"}},
		{ID: "a", Name: "Dup", TeamKeys: []string{"BB"}},
	}, "", newTestLogger())
	require.Error(t, err, "duplicate ids must be rejected")
}
