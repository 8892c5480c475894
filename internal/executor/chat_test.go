package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/agent"
	"github.com/spawnd/spawnd/internal/common/errkind"
)

// fakeChatClient returns a scripted completion transcript.
type fakeChatClient struct {
	output  string
	err     error
	pingErr error
}

func (c *fakeChatClient) Complete(ctx context.Context, dir string, req agent.PromptRequest) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.output, nil
}

func (c *fakeChatClient) Ping(ctx context.Context) error { return c.pingErr }

func TestChatExecutorScansOutput(t *testing.T) {
	client := &fakeChatClient{output: `Done. I committed:
[main abc1234] ROM-1 implement the parser
 1 file changed, 10 insertions(+)
 create mode 100644 parser.go
`}
	e := NewChatExecutor("p1", client, newTestLogger())

	result, err := e.Execute(context.Background(), ExecutionConfig{
		IssueID: "ROM-1", Prompt: "fix it", WorktreePath: t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, strings.HasPrefix(result.SessionID, "chat-"))
	require.Len(t, result.GitCommits, 1)
	assert.Equal(t, "abc1234", result.GitCommits[0].SHA)
	assert.Equal(t, "ROM-1", result.GitCommits[0].IssueID)
	assert.Equal(t, []string{"parser.go"}, result.Files)
}

func TestChatExecutorPropagatesErrors(t *testing.T) {
	client := &fakeChatClient{err: errkind.New(errkind.KindAuth, "bad key")}
	e := NewChatExecutor("p1", client, newTestLogger())

	_, err := e.Execute(context.Background(), ExecutionConfig{IssueID: "ROM-1", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindAuth, errkind.KindOf(err))
}

func TestChatExecutorHealthCheck(t *testing.T) {
	e := NewChatExecutor("p1", &fakeChatClient{}, newTestLogger())
	status := e.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
}
