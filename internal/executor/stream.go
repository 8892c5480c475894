package executor

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/agent"
	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/verify"
)

const (
	defaultMaxReconnect = 3
	reconnectBackoffCap = 30 * time.Second

	// Status polling papers over missed terminal events. The warmup
	// keeps us from hammering the provider while the session spins up.
	statusPollInterval = 10 * time.Second
	statusPollWarmup   = 15 * time.Second
)

// StreamExecutor drives event-stream providers: it subscribes before
// prompting so the terminal idle event cannot be missed, collects
// events until the session finishes, and reconnects on stream errors.
type StreamExecutor struct {
	name         string
	client       agent.Client
	maxReconnect int
	logger       *logger.Logger

	// sleep and the poll timings are swapped out in tests.
	sleep        func(ctx context.Context, d time.Duration) error
	pollWarmup   time.Duration
	pollInterval time.Duration
}

// NewStreamExecutor creates an executor over an event-stream provider
// client. maxReconnect <= 0 selects the default.
func NewStreamExecutor(name string, client agent.Client, maxReconnect int, log *logger.Logger) *StreamExecutor {
	if maxReconnect <= 0 {
		maxReconnect = defaultMaxReconnect
	}
	if log == nil {
		log = logger.Default()
	}
	return &StreamExecutor{
		name:         name,
		client:       client,
		maxReconnect: maxReconnect,
		logger:       log.WithFields(zap.String("executor", name)),
		sleep:        sleepCtx,
		pollWarmup:   statusPollWarmup,
		pollInterval: statusPollInterval,
	}
}

func (e *StreamExecutor) Metadata() Metadata {
	return Metadata{Name: e.name, Type: "event-stream"}
}

// HealthCheck probes the provider by listing sessions.
func (e *StreamExecutor) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := e.client.ListSessions(ctx)
	status := HealthStatus{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Execute runs one agent session to completion.
func (e *StreamExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	log := e.logger.WithIssueID(cfg.IssueID)

	// Subscribe before prompting.
	stream, err := e.client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	sessionID, err := e.client.CreateSession(ctx, cfg.WorktreePath)
	if err != nil {
		return nil, err
	}
	log.Info("session created", zap.String("session_id", sessionID))

	req := agent.PromptRequest{
		Model: cfg.Model,
		Parts: []agent.PromptPart{{Type: "text", Text: cfg.Prompt}},
	}
	if err := e.client.Prompt(ctx, sessionID, req); err != nil {
		return nil, err
	}

	events, err := e.collectEvents(ctx, stream, sessionID)
	if err != nil {
		if errkind.KindOf(err) == errkind.KindTimeout {
			e.abortSession(sessionID)
		}
		return nil, err
	}

	parsed := verify.ParseEvents(events)
	result := &ExecutionResult{
		Success:    parsed.Status == verify.ParseSuccess,
		SessionID:  sessionID,
		Files:      parsed.Files,
		GitCommits: parsed.GitCommits,
		Duration:   time.Since(start),
	}
	if len(parsed.Errors) > 0 {
		result.Error = parsed.Errors[0]
	}
	log.Info("session finished",
		zap.Bool("success", result.Success),
		zap.Int("events", len(events)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// collectEvents reads the stream until a terminal event, the context
// deadline, or reconnect exhaustion. A status poll runs alongside so a
// missed idle event still terminates the loop.
func (e *StreamExecutor) collectEvents(ctx context.Context, stream agent.EventStream, sessionID string) ([]agent.Event, error) {
	// Reconnects replace the stream, so close whichever one is current.
	defer func() { stream.Close() }()

	var collected []agent.Event
	reconnects := 0

	pollDone := make(chan struct{})
	sessionIdle := make(chan struct{})
	go e.pollStatus(ctx, sessionID, pollDone, sessionIdle)
	defer close(pollDone)

	// The poll must be able to interrupt a blocked read: a missed
	// terminal event with a silent stream would otherwise hold the loop
	// until the execution deadline.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		select {
		case <-sessionIdle:
			cancelRead()
		case <-readCtx.Done():
		}
	}()

	for {
		select {
		case <-sessionIdle:
			return collected, nil
		default:
		}

		ev, err := stream.Next(readCtx)
		if err != nil {
			// The poll saw the session finish while the read blocked.
			select {
			case <-sessionIdle:
				return collected, nil
			default:
			}
			if ctx.Err() != nil {
				return nil, errkind.Wrap(errkind.KindTimeout, ctx.Err(), "execution deadline exceeded")
			}
			if errkind.KindOf(err) != errkind.KindStreamDisconnect {
				return nil, err
			}
			// Session may already be done; check before reconnecting.
			if done := e.sessionFinished(ctx, sessionID); done {
				return collected, nil
			}
			if reconnects >= e.maxReconnect {
				return nil, errkind.Newf(errkind.KindStreamDisconnect,
					"event stream failed after %d reconnects", reconnects)
			}
			reconnects++
			if err := e.sleep(ctx, reconnectBackoff(reconnects)); err != nil {
				return nil, errkind.Wrap(errkind.KindTimeout, err, "execution deadline exceeded")
			}
			next, err := e.client.Subscribe(ctx)
			if err != nil {
				return nil, err
			}
			stream.Close()
			stream = next
			e.logger.Warn("event stream reconnected",
				zap.String("session_id", sessionID),
				zap.Int("attempt", reconnects))
			continue
		}

		// Events from other sessions share the subscription.
		if ev.Properties.SessionID != "" && ev.Properties.SessionID != sessionID {
			continue
		}
		collected = append(collected, ev)

		switch ev.Type {
		case agent.EventSessionIdle:
			return collected, nil
		case agent.EventSessionStatus:
			if ev.Properties.Status.Idle() {
				return collected, nil
			}
		case agent.EventSessionError:
			return collected, nil
		}
	}
}

// pollStatus periodically queries session state and signals idleness by
// closing idle.
func (e *StreamExecutor) pollStatus(ctx context.Context, sessionID string, done <-chan struct{}, idle chan struct{}) {
	warmup := time.NewTimer(e.pollWarmup)
	defer warmup.Stop()
	select {
	case <-warmup.C:
	case <-done:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.sessionFinished(ctx, sessionID) {
				close(idle)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sessionFinished reports whether the remote session is idle or gone.
func (e *StreamExecutor) sessionFinished(ctx context.Context, sessionID string) bool {
	status, err := e.client.SessionStatus(ctx, sessionID)
	if err != nil {
		return false
	}
	return status.Idle()
}

// abortSession stops the remote session, best effort, on a fresh
// context since the execution one is already dead.
func (e *StreamExecutor) abortSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.AbortSession(ctx, sessionID); err != nil {
		e.logger.Warn("session abort failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// reconnectBackoff is exponential with jitter, capped at 30s.
func reconnectBackoff(attempt int) time.Duration {
	d := time.Second << uint(attempt-1)
	if d > reconnectBackoffCap {
		d = reconnectBackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	d = d/2 + jitter
	if d > reconnectBackoffCap {
		d = reconnectBackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ AgentExecutor = (*StreamExecutor)(nil)
