package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/breaker"
	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/events/bus"
	"github.com/spawnd/spawnd/internal/executor"
	"github.com/spawnd/spawnd/internal/gitops"
	"github.com/spawnd/spawnd/internal/provider"
	"github.com/spawnd/spawnd/internal/repos"
	"github.com/spawnd/spawnd/internal/scheduler"
	"github.com/spawnd/spawnd/internal/session"
	"github.com/spawnd/spawnd/internal/verify"
	"github.com/spawnd/spawnd/internal/webhook"
	"github.com/spawnd/spawnd/internal/worktree"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("readme"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

// fakeTracker records issue-tracker writes.
type fakeTracker struct {
	mu       sync.Mutex
	states   []string
	labels   []string
	comments []string
}

func (f *fakeTracker) UpdateIssueState(ctx context.Context, issueID, teamKey, stateName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateName)
	return nil
}

func (f *fakeTracker) PostComment(ctx context.Context, issueID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeTracker) AddLabel(ctx context.Context, issueID, teamKey, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return nil
}

func (f *fakeTracker) snapshot() ([]string, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...),
		append([]string(nil), f.labels...),
		append([]string(nil), f.comments...)
}

// fakeExecutor either commits issue-tagged work in the worktree or
// fails with a scripted error.
type fakeExecutor struct {
	name string
	fail error
	idle bool // succeed but produce nothing, so verification fails
}

func (f *fakeExecutor) Execute(ctx context.Context, cfg executor.ExecutionConfig) (*executor.ExecutionResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if f.idle {
		return &executor.ExecutionResult{Success: true, SessionID: "s-" + f.name}, nil
	}
	path := filepath.Join(cfg.WorktreePath, "work.txt")
	if err := os.WriteFile(path, []byte("done by "+f.name), 0644); err != nil {
		return nil, err
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = cfg.WorktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errkind.Newf(errkind.KindGit, "add failed: %s", out)
	}
	cmd = exec.Command("git", "commit", "-m", cfg.IssueID+" agent change")
	cmd.Dir = cfg.WorktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, errkind.Newf(errkind.KindGit, "commit failed: %s", out)
	}
	return &executor.ExecutionResult{
		Success:   true,
		SessionID: "s-" + f.name,
		Files:     []string{"work.txt"},
	}, nil
}

func (f *fakeExecutor) HealthCheck(ctx context.Context) executor.HealthStatus {
	return executor.HealthStatus{Healthy: true}
}

func (f *fakeExecutor) Metadata() executor.Metadata {
	return executor.Metadata{Name: f.name, Type: "fake"}
}

// fakeFactory hands out pre-built executors by provider name.
type fakeFactory struct {
	executors map[string]executor.AgentExecutor
}

func (f *fakeFactory) Build(pc config.ProviderConfig) (executor.AgentExecutor, error) {
	return f.executors[pc.Name], nil
}

func (f *fakeFactory) Timeout() time.Duration { return 10 * time.Second }

type fixture struct {
	orch    *Orchestrator
	tracker *fakeTracker
	manager *worktree.Manager
	store   *session.FileStore
	repo    string
}

func newFixture(t *testing.T, providers []config.ProviderConfig, executors map[string]executor.AgentExecutor) *fixture {
	t.Helper()
	log := newTestLogger()
	repo := initRepo(t)

	registry, err := repos.NewRegistry([]config.RepositoryConfig{{
		ID: "r1", Name: "Repo", LocalPath: repo, BaseBranch: "main", TeamKeys: []string{"ROM"},
	}}, "", log)
	require.NoError(t, err)

	git := gitops.NewService(log)
	manager, err := worktree.NewManager(worktree.Config{BasePath: t.TempDir()}, git, nil, log)
	require.NoError(t, err)

	store, err := session.NewFileStore(t.TempDir(), 7, log)
	require.NoError(t, err)

	tracker := &fakeTracker{}
	orch := New(Options{
		Router:    repos.NewRouter(registry, nil, log),
		Scheduler: scheduler.New(4, log),
		Worktrees: manager,
		Git:       git,
		Tracker:   tracker,
		Providers: provider.NewRouter(providers, breaker.Config{FailureThreshold: 5}, nil, log),
		Factory:   &fakeFactory{executors: executors},
		Sessions:  store,
		Verifier:  verify.NewVerifier(git, nil, log),
		Bus:       bus.NewMemoryBus(log),
		Logger:    log,
	})

	return &fixture{orch: orch, tracker: tracker, manager: manager, store: store, repo: repo}
}

func issueWebhook(identifier string) *webhook.Webhook {
	return &webhook.Webhook{Type: "Issue", Data: &webhook.Issue{
		ID:         "uuid-" + identifier,
		Identifier: identifier,
		Title:      "Fix the thing",
		Team:       &webhook.Team{Key: "ROM"},
	}}
}

// waitTerminal drains the pipeline and reads the session outcome.
// Successful sessions are archived, so a missing live record means done.
func waitTerminal(t *testing.T, f *fixture, identifier string) session.Status {
	t.Helper()
	f.orch.Drain()
	rec, err := f.store.Get(identifier)
	if err != nil {
		require.ErrorIs(t, err, session.ErrNotFound)
		return session.StatusDone
	}
	return rec.Status
}

func TestHappyPath(t *testing.T) {
	providers := []config.ProviderConfig{{Name: "p1", Type: "fake", Enabled: true, Priority: 0}}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1"},
	})

	disposition, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-1"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Started, disposition)

	status := waitTerminal(t, f, "ROM-1")
	assert.Equal(t, session.StatusDone, status)

	states, labels, _ := f.tracker.snapshot()
	assert.Equal(t, []string{StateInProgress, StateDone}, states)
	assert.Equal(t, []string{LabelExecuted}, labels)

	// Worktree cleaned up, branch retained with the agent commit.
	_, active := f.manager.Get("ROM-1")
	assert.False(t, active)
	git := gitops.NewService(newTestLogger())
	assert.True(t, git.BranchExists(context.Background(), f.repo, "linear/ROM-1-fix-the-thing"))
}

func TestFallbackAfterVerificationFailure(t *testing.T) {
	providers := []config.ProviderConfig{
		{Name: "p1", Type: "fake", Enabled: true, Priority: 0},
		{Name: "p2", Type: "fake", Enabled: true, Priority: 1},
	}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1", idle: true}, // produces nothing
		"p2": &fakeExecutor{name: "p2"},
	})

	_, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-2"))
	require.NoError(t, err)

	status := waitTerminal(t, f, "ROM-2")
	assert.Equal(t, session.StatusDone, status)

	states, labels, _ := f.tracker.snapshot()
	assert.Contains(t, states, StateDone)
	assert.Equal(t, []string{LabelExecuted}, labels)
}

func TestTerminalFailurePreservesWorktree(t *testing.T) {
	providers := []config.ProviderConfig{
		{Name: "p1", Type: "fake", Enabled: true, Priority: 0},
		{Name: "p2", Type: "fake", Enabled: true, Priority: 1},
	}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1", fail: errkind.New(errkind.KindServer, "overloaded")},
		"p2": &fakeExecutor{name: "p2", fail: errkind.New(errkind.KindNetwork, "unreachable")},
	})

	_, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-3"))
	require.NoError(t, err)

	status := waitTerminal(t, f, "ROM-3")
	assert.Equal(t, session.StatusError, status)

	states, labels, comments := f.tracker.snapshot()
	assert.Equal(t, []string{StateInProgress, StateFailed}, states)
	assert.Equal(t, []string{LabelFailed}, labels)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[len(comments)-1], "Worktree preserved")

	rec, err := f.store.Get("ROM-3")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Error)
}

func TestDuplicateSubmission(t *testing.T) {
	providers := []config.ProviderConfig{{Name: "p1", Type: "fake", Enabled: true, Priority: 0}}
	block := make(chan struct{})
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &blockingExecutor{release: block},
	})

	first, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-4"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Started, first)

	second, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-4"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Duplicate, second)

	close(block)
	f.orch.Drain()
}

func TestRedeliveryAfterCompletionIsDuplicate(t *testing.T) {
	providers := []config.ProviderConfig{{Name: "p1", Type: "fake", Enabled: true, Priority: 0}}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1"},
	})

	first, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-6"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Started, first)
	require.Equal(t, session.StatusDone, waitTerminal(t, f, "ROM-6"))

	// Identical re-delivery must not relaunch the pipeline or touch the
	// tracker again.
	second, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-6"))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Duplicate, second)
	f.orch.Drain()

	states, labels, _ := f.tracker.snapshot()
	assert.Equal(t, []string{StateInProgress, StateDone}, states)
	assert.Equal(t, []string{LabelExecuted}, labels)
}

func TestAuthFailureHaltsFallback(t *testing.T) {
	providers := []config.ProviderConfig{
		{Name: "p1", Type: "fake", Enabled: true, Priority: 0},
		{Name: "p2", Type: "fake", Enabled: true, Priority: 1},
	}
	fallback := &countingExecutor{inner: &fakeExecutor{name: "p2"}}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1", fail: errkind.New(errkind.KindAuth, "bad key")},
		"p2": fallback,
	})

	_, err := f.orch.HandleWebhook(context.Background(), issueWebhook("ROM-7"))
	require.NoError(t, err)
	require.Equal(t, session.StatusError, waitTerminal(t, f, "ROM-7"))

	// The auth failure halts the issue; the next provider is never tried.
	assert.Equal(t, 0, fallback.count())
	rec, err := f.store.Get("ROM-7")
	require.NoError(t, err)
	assert.Contains(t, rec.Error, "bad key")
}

func TestRoutingFailure(t *testing.T) {
	providers := []config.ProviderConfig{{Name: "p1", Type: "fake", Enabled: true, Priority: 0}}
	f := newFixture(t, providers, map[string]executor.AgentExecutor{
		"p1": &fakeExecutor{name: "p1"},
	})

	wh := &webhook.Webhook{Type: "Issue", Data: &webhook.Issue{
		ID: "uuid-x", Identifier: "ZZZ-9", Title: "Unroutable",
	}}
	// The only repository is team-keyed to ROM, so nothing matches...
	// except the workspace fallback, which fires for single-repo
	// workspaces. Use a second registry with two repos instead.
	log := newTestLogger()
	registry, err := repos.NewRegistry([]config.RepositoryConfig{
		{ID: "r1", Name: "A", LocalPath: f.repo, BaseBranch: "main", TeamKeys: []string{"ROM"}},
		{ID: "r2", Name: "B", LocalPath: f.repo, BaseBranch: "main", TeamKeys: []string{"OTH"}},
	}, "", log)
	require.NoError(t, err)
	f.orch.router = repos.NewRouter(registry, nil, log)

	_, err = f.orch.HandleWebhook(context.Background(), wh)
	require.Error(t, err)
	assert.Equal(t, errkind.KindRouting, errkind.KindOf(err))

	states, _, comments := f.tracker.snapshot()
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0], "No repository")
	// Fail fast includes the state write, not just a comment.
	assert.Equal(t, []string{StateFailed}, states)
}

func TestModelOverride(t *testing.T) {
	assert.Equal(t, "fast-1", ModelOverride("Please use [model=fast-1] for this."))
	assert.Empty(t, ModelOverride("no override here"))
}

func TestBuildPromptRetryContext(t *testing.T) {
	issue := &webhook.Issue{Identifier: "ROM-9", Title: "T", Description: "D"}
	prompt := BuildPrompt(issue, "/tmp/wt", "")
	assert.NotContains(t, prompt, "Previous attempt")

	retry := BuildPrompt(issue, "/tmp/wt", "network: connection refused")
	assert.Contains(t, retry, "[Previous attempt failed with: network: connection refused]")
	assert.Contains(t, retry, "ROM-9")
}

// countingExecutor counts Execute calls before delegating.
type countingExecutor struct {
	inner executor.AgentExecutor
	mu    sync.Mutex
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, cfg executor.ExecutionConfig) (*executor.ExecutionResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Execute(ctx, cfg)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingExecutor) HealthCheck(ctx context.Context) executor.HealthStatus {
	return c.inner.HealthCheck(ctx)
}

func (c *countingExecutor) Metadata() executor.Metadata { return c.inner.Metadata() }

// blockingExecutor holds the pipeline open until released.
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, cfg executor.ExecutionConfig) (*executor.ExecutionResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, errkind.New(errkind.KindNetwork, "released")
}

func (b *blockingExecutor) HealthCheck(ctx context.Context) executor.HealthStatus {
	return executor.HealthStatus{Healthy: true}
}

func (b *blockingExecutor) Metadata() executor.Metadata {
	return executor.Metadata{Name: "blocking", Type: "fake"}
}
