package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/common/errkind"
)

// scriptedExecutor returns the scripted errors in order, then succeeds.
type scriptedExecutor struct {
	errs     []error
	attempts int
}

func (s *scriptedExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	s.attempts++
	if s.attempts <= len(s.errs) {
		return nil, s.errs[s.attempts-1]
	}
	return &ExecutionResult{Success: true, SessionID: "s1"}, nil
}

func (s *scriptedExecutor) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true}
}

func (s *scriptedExecutor) Metadata() Metadata {
	return Metadata{Name: "scripted", Type: "test"}
}

type recordedResults struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (r *recordedResults) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, id)
}

func (r *recordedResults) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, id)
}

func newRetrying(inner AgentExecutor, recorder ResultRecorder, maxAttempts int) *RetryingExecutor {
	r := NewRetryingExecutor(inner, recorder, maxAttempts, newTestLogger())
	r.newBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxInterval = time.Millisecond
		b.MaxElapsedTime = 0
		return b
	}
	return r
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &scriptedExecutor{errs: []error{
		errkind.New(errkind.KindNetwork, "connection refused"),
		errkind.New(errkind.KindServer, "503"),
	}}
	recorder := &recordedResults{}
	r := newRetrying(inner, recorder, 3)

	result, err := r.Execute(context.Background(), ExecutionConfig{IssueID: "ROM-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, inner.attempts)
	assert.Equal(t, []string{"scripted"}, recorder.successes)
	assert.Empty(t, recorder.failures)
}

func TestRetryNonTransientShortCircuits(t *testing.T) {
	inner := &scriptedExecutor{errs: []error{
		errkind.New(errkind.KindAuth, "invalid api key"),
	}}
	recorder := &recordedResults{}
	r := newRetrying(inner, recorder, 3)

	_, err := r.Execute(context.Background(), ExecutionConfig{IssueID: "ROM-1"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindAuth, errkind.KindOf(err))
	assert.Equal(t, 1, inner.attempts)
	assert.Equal(t, []string{"scripted"}, recorder.failures)
}

func TestRetryExhaustion(t *testing.T) {
	inner := &scriptedExecutor{errs: []error{
		errkind.New(errkind.KindNetwork, "down"),
		errkind.New(errkind.KindNetwork, "down"),
		errkind.New(errkind.KindNetwork, "down"),
	}}
	recorder := &recordedResults{}
	r := newRetrying(inner, recorder, 3)

	_, err := r.Execute(context.Background(), ExecutionConfig{IssueID: "ROM-1"})
	require.Error(t, err)
	assert.Equal(t, errkind.KindOrchestrator, errkind.KindOf(err))
	assert.Equal(t, errkind.SubRetryExhausted, errkind.SubOf(err))
	assert.Equal(t, 3, inner.attempts)
	assert.Equal(t, []string{"scripted"}, recorder.failures)
}

func TestRetryVerificationFailureNotRetried(t *testing.T) {
	inner := &scriptedExecutor{errs: []error{
		errkind.New(errkind.KindVerificationFailed, "no commit"),
	}}
	r := newRetrying(inner, nil, 3)

	_, err := r.Execute(context.Background(), ExecutionConfig{IssueID: "ROM-1"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.attempts)
}
