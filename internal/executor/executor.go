// Package executor drives single agent sessions against provider
// backends. Two execution styles exist: event-stream providers
// (subscribe, prompt, collect events until idle) and request/response
// chat providers. A retry wrapper handles transient failures.
package executor

import (
	"context"
	"time"

	"github.com/spawnd/spawnd/internal/verify"
)

// ExecutionConfig describes one agent execution.
type ExecutionConfig struct {
	IssueID      string
	Prompt       string
	WorktreePath string
	Model        string        // optional model override
	Timeout      time.Duration // per-execution deadline, 0 = default
}

// DefaultTimeout bounds a single execution when the config omits one.
const DefaultTimeout = 5 * time.Minute

// ExecutionResult is the outcome of one agent execution.
type ExecutionResult struct {
	Success      bool
	SessionID    string
	Files        []string
	GitCommits   []verify.GitCommit
	Output       string
	Duration     time.Duration
	Error        string
	Verification *verify.Report
}

// Metadata identifies an executor for logging and status reporting.
type Metadata struct {
	Name string
	Type string
}

// HealthStatus is the outcome of a health probe.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Error   string
}

// AgentExecutor is the capability set every provider backend exposes.
type AgentExecutor interface {
	Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error)
	HealthCheck(ctx context.Context) HealthStatus
	Metadata() Metadata
}

// ResultRecorder receives execution outcomes so the provider router can
// drive circuit breakers. Every executor failure must be reported or
// fallback loops on a dead primary.
type ResultRecorder interface {
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
}
