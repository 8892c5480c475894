package executor

import (
	"time"

	"github.com/spawnd/spawnd/internal/agent"
	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

// Factory builds executors from provider configuration.
type Factory struct {
	agentCfg config.AgentConfig
	recorder ResultRecorder
	logger   *logger.Logger
}

// NewFactory creates an executor factory. recorder may be nil when no
// breaker feedback is wanted (tests, one-shot tools).
func NewFactory(agentCfg config.AgentConfig, recorder ResultRecorder, log *logger.Logger) *Factory {
	return &Factory{agentCfg: agentCfg, recorder: recorder, logger: log}
}

// Build creates the executor for one configured provider, wrapped in
// the transient-retry layer.
func (f *Factory) Build(pc config.ProviderConfig) (AgentExecutor, error) {
	var inner AgentExecutor
	switch pc.Type {
	case "chat":
		inner = NewChatExecutor(pc.Name, agent.NewChatHTTPClient(pc.Endpoint, pc.APIKey, f.logger), f.logger)
	case "", "opencode", "event-stream":
		client := agent.NewWSClient(pc.Endpoint, pc.APIKey, f.logger)
		inner = NewStreamExecutor(pc.Name, client, f.agentCfg.MaxReconnect, f.logger)
	default:
		return nil, errkind.Newf(errkind.KindConfigInvalid, "unknown provider type %q", pc.Type)
	}
	return NewRetryingExecutor(inner, f.recorder, f.agentCfg.MaxRetries, f.logger), nil
}

// Timeout returns the configured per-execution deadline.
func (f *Factory) Timeout() time.Duration {
	if f.agentCfg.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(f.agentCfg.TimeoutMs) * time.Millisecond
}
