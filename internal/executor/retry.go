package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

const defaultMaxAttempts = 3

// RetryingExecutor wraps an executor with per-call retry for transient
// failures. Non-transient errors (auth, client, verification) short
// circuit. The final outcome is reported to the recorder so circuit
// breakers see every attempt's result.
type RetryingExecutor struct {
	inner       AgentExecutor
	recorder    ResultRecorder // may be nil
	maxAttempts int
	logger      *logger.Logger

	// newBackoff is swapped in tests to avoid real sleeps.
	newBackoff func() backoff.BackOff
}

// NewRetryingExecutor wraps inner with transient-only retry.
// maxAttempts <= 0 selects the default of 3 total attempts.
func NewRetryingExecutor(inner AgentExecutor, recorder ResultRecorder, maxAttempts int, log *logger.Logger) *RetryingExecutor {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = logger.Default()
	}
	return &RetryingExecutor{
		inner:       inner,
		recorder:    recorder,
		maxAttempts: maxAttempts,
		logger:      log.WithFields(zap.String("executor", inner.Metadata().Name)),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (r *RetryingExecutor) Metadata() Metadata {
	return r.inner.Metadata()
}

func (r *RetryingExecutor) HealthCheck(ctx context.Context) HealthStatus {
	return r.inner.HealthCheck(ctx)
}

// Execute runs the inner executor, retrying transient failures with
// exponential backoff up to the attempt budget.
func (r *RetryingExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	var result *ExecutionResult

	attempt := 0
	operation := func() error {
		attempt++
		res, err := r.inner.Execute(ctx, cfg)
		if err != nil {
			if !errkind.IsTransient(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			r.logger.Warn("execution attempt failed",
				zap.String("issue_id", cfg.IssueID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		result = res
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackoff(), uint64(r.maxAttempts-1)), ctx)
	err := backoff.Retry(operation, bo)

	r.record(err == nil && result != nil && result.Success)
	if err != nil {
		if attempt >= r.maxAttempts && errkind.IsTransient(err) {
			return nil, errkind.WrapSub(errkind.KindOrchestrator, errkind.SubRetryExhausted, err,
				fmt.Sprintf("execution retries exhausted after %d attempts", attempt))
		}
		return nil, err
	}
	return result, nil
}

func (r *RetryingExecutor) record(ok bool) {
	if r.recorder == nil {
		return
	}
	name := r.inner.Metadata().Name
	if ok {
		r.recorder.RecordSuccess(name)
	} else {
		r.recorder.RecordFailure(name)
	}
}

var _ AgentExecutor = (*RetryingExecutor)(nil)
