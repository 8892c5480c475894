package verify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/agent"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/gitops"
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

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", message)
}

func toolCall(tool string, input map[string]any, output string) agent.Event {
	return agent.Event{
		Type: agent.EventToolCall,
		Properties: agent.EventProperties{
			Tool:   tool,
			Input:  input,
			Output: output,
		},
	}
}

func TestParseEvents(t *testing.T) {
	events := []agent.Event{
		toolCall(agent.ToolWriteFile, map[string]any{"path": "hello.txt"}, ""),
		toolCall(agent.ToolEditFile, map[string]any{"path": "hello.txt"}, ""),
		{Type: agent.EventFileEdited, Properties: agent.EventProperties{File: "main.go"}},
		{Type: agent.EventMessageUpdated, Properties: agent.EventProperties{
			Summary: &agent.MessageSummary{Diffs: []agent.Diff{{File: "main.go"}, {File: "util.go"}}},
		}},
		toolCall(agent.ToolGitCommit,
			map[string]any{"message": "ROM-1 add hello"},
			"created commit 0123456789abcdef0123456789abcdef01234567"),
		toolCall(agent.ToolBash,
			map[string]any{"command": `git commit -a -m "ROM-1 follow up"`},
			"[main abc1234] ROM-1 follow up"),
	}

	parsed := ParseEvents(events)
	assert.Equal(t, ParseSuccess, parsed.Status)
	assert.Equal(t, []string{"hello.txt", "main.go", "util.go"}, parsed.Files)
	require.Len(t, parsed.GitCommits, 2)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", parsed.GitCommits[0].SHA)
	assert.Equal(t, "ROM-1", parsed.GitCommits[0].IssueID)
	assert.Equal(t, "abc1234", parsed.GitCommits[1].SHA)
	assert.Equal(t, "ROM-1 follow up", parsed.GitCommits[1].Message)
}

func TestParseEventsBundledCommitFlag(t *testing.T) {
	parsed := ParseEvents([]agent.Event{
		toolCall(agent.ToolBash,
			map[string]any{"command": `git commit -am "ROM-5 bundle flags"`},
			"[main def5678] ROM-5 bundle flags"),
	})
	require.Len(t, parsed.GitCommits, 1)
	assert.Equal(t, "def5678", parsed.GitCommits[0].SHA)
	assert.Equal(t, "ROM-5 bundle flags", parsed.GitCommits[0].Message)
	assert.Equal(t, "ROM-5", parsed.GitCommits[0].IssueID)
}

func TestScanOutput(t *testing.T) {
	output := `I committed the change:
$ git commit -am "ROM-7 add endpoint"
[main abc1234] ROM-7 add endpoint
 2 files changed, 40 insertions(+)
 create mode 100644 internal/api/endpoint.go
 create mode 100644 internal/api/endpoint_test.go
`
	parsed := ScanOutput(output)
	assert.Equal(t, ParseSuccess, parsed.Status)
	require.Len(t, parsed.GitCommits, 1)
	assert.Equal(t, "abc1234", parsed.GitCommits[0].SHA)
	assert.Equal(t, "ROM-7 add endpoint", parsed.GitCommits[0].Message)
	assert.Equal(t, "ROM-7", parsed.GitCommits[0].IssueID)
	assert.Equal(t, []string{"internal/api/endpoint.go", "internal/api/endpoint_test.go"}, parsed.Files)

	assert.Equal(t, ParseIncomplete, ScanOutput("no git activity here").Status)
}

func TestParseEventsIdempotent(t *testing.T) {
	events := []agent.Event{
		toolCall(agent.ToolWriteFile, map[string]any{"path": "a.txt"}, ""),
		toolCall(agent.ToolGitCommit, map[string]any{"message": "ROM-2 change"}, "sha abc1234"),
	}
	first := ParseEvents(events)
	second := ParseEvents(events)
	assert.Equal(t, first, second)
}

func TestParseEventsStatuses(t *testing.T) {
	t.Run("failure on session error", func(t *testing.T) {
		parsed := ParseEvents([]agent.Event{
			toolCall(agent.ToolWriteFile, map[string]any{"path": "a.txt"}, ""),
			{Type: agent.EventSessionError, Properties: agent.EventProperties{Message: "model overloaded"}},
		})
		assert.Equal(t, ParseFailure, parsed.Status)
		assert.Equal(t, []string{"model overloaded"}, parsed.Errors)
	})

	t.Run("incomplete when nothing happened", func(t *testing.T) {
		parsed := ParseEvents([]agent.Event{
			{Type: agent.EventSessionIdle},
		})
		assert.Equal(t, ParseIncomplete, parsed.Status)
	})
}

func TestVerifySuccess(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, nil, newTestLogger())
	ctx := context.Background()

	repo := initRepo(t)
	baseline := git.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "hello.txt", "hello", "ROM-1 create hello.txt")

	report, err := v.Verify(ctx, repo, baseline, "ROM-1")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.NotEqual(t, baseline, report.CurrentCommit)
	assert.Contains(t, report.FilesVerified, "hello.txt")
}

func TestVerifyFailsWithoutNewCommit(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, nil, newTestLogger())
	ctx := context.Background()

	repo := initRepo(t)
	baseline := git.GetCurrentCommit(ctx, repo)

	report, err := v.Verify(ctx, repo, baseline, "ROM-1")
	require.Error(t, err)
	assert.False(t, report.Success)

	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, report, verr.Report)
}

func TestVerifyFailsWithoutIssueTag(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, nil, newTestLogger())
	ctx := context.Background()

	repo := initRepo(t)
	baseline := git.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "hello.txt", "hello", "untagged change")

	report, err := v.Verify(ctx, repo, baseline, "ROM-1")
	require.Error(t, err)
	assert.False(t, report.Success)
}

func TestVerifyNewRepoWithoutBaseline(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, nil, newTestLogger())
	ctx := context.Background()

	// No baseline captured: a valid issue-tagged HEAD is enough.
	repo := t.TempDir()
	runGit(t, repo, "init", "-b", "main")
	runGit(t, repo, "config", "user.email", "test@test.com")
	runGit(t, repo, "config", "user.name", "Test")
	commitFile(t, repo, "hello.txt", "hello", "ROM-5 first commit")

	report, err := v.Verify(ctx, repo, "", "ROM-5")
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestVerifyDeterministic(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, nil, newTestLogger())
	ctx := context.Background()

	repo := initRepo(t)
	baseline := git.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "a.txt", "a", "ROM-3 change")

	first, err := v.Verify(ctx, repo, baseline, "ROM-3")
	require.NoError(t, err)
	second, err := v.Verify(ctx, repo, baseline, "ROM-3")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifySkipPatterns(t *testing.T) {
	git := gitops.NewService(newTestLogger())
	v := NewVerifier(git, []string{"*.log"}, newTestLogger())
	ctx := context.Background()

	repo := initRepo(t)
	baseline := git.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "out.log", "log", "ROM-4 logs")
	commitFile(t, repo, "real.txt", "real", "ROM-4 change")

	report, err := v.Verify(ctx, repo, baseline, "ROM-4")
	require.NoError(t, err)
	assert.Contains(t, report.FilesVerified, "real.txt")
	assert.NotContains(t, report.FilesVerified, "out.log")
}
