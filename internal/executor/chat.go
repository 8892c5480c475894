package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/spawnd/spawnd/internal/agent"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/verify"
)

// ChatExecutor drives request/response chat-completion providers. There
// is no event stream; the completion output is scanned for the same
// commit and file markers the stream parser looks for.
type ChatExecutor struct {
	name   string
	client agent.ChatClient
	logger *logger.Logger
}

// NewChatExecutor creates an executor over a chat-completion client.
func NewChatExecutor(name string, client agent.ChatClient, log *logger.Logger) *ChatExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &ChatExecutor{
		name:   name,
		client: client,
		logger: log.WithFields(zap.String("executor", name)),
	}
}

func (e *ChatExecutor) Metadata() Metadata {
	return Metadata{Name: e.name, Type: "chat"}
}

// HealthCheck pings the provider.
func (e *ChatExecutor) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	err := e.client.Ping(ctx)
	status := HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Execute runs one completion in the worktree directory.
func (e *ChatExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req := agent.PromptRequest{
		Model: cfg.Model,
		Parts: []agent.PromptPart{{Type: "text", Text: cfg.Prompt}},
	}
	output, err := e.client.Complete(ctx, cfg.WorktreePath, req)
	if err != nil {
		return nil, err
	}

	parsed := verify.ScanOutput(output)

	// Chat providers have no session on the remote side; synthesize an
	// ID so session files stay uniform across executor types.
	result := &ExecutionResult{
		Success:    true,
		SessionID:  "chat-" + uuid.NewString(),
		Output:     output,
		Files:      parsed.Files,
		GitCommits: parsed.GitCommits,
		Duration:   time.Since(start),
	}
	if verify.ContainsIssueID(output, cfg.IssueID) {
		e.logger.Debug("completion references issue",
			zap.String("issue_id", cfg.IssueID))
	}
	return result, nil
}

var _ AgentExecutor = (*ChatExecutor)(nil)
