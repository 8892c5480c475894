package scheduler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spawnd/spawnd/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestSubmitBound(t *testing.T) {
	s := New(2, newTestLogger())

	assert.Equal(t, Started, s.Submit(&Session{IssueID: "A-1"}))
	assert.Equal(t, Started, s.Submit(&Session{IssueID: "A-2"}))
	assert.Equal(t, Queued, s.Submit(&Session{IssueID: "A-3"}))

	active, waiting := s.Counts()
	assert.Equal(t, 2, active)
	assert.Equal(t, 1, waiting)
	assert.Equal(t, 1, s.QueuePosition("A-3"))
}

func TestDuplicateDetection(t *testing.T) {
	s := New(1, newTestLogger())

	assert.Equal(t, Started, s.Submit(&Session{IssueID: "A-1"}))
	assert.Equal(t, Duplicate, s.Submit(&Session{IssueID: "A-1"}))

	assert.Equal(t, Queued, s.Submit(&Session{IssueID: "A-2"}))
	assert.Equal(t, Duplicate, s.Submit(&Session{IssueID: "A-2"}), "waiting sessions count as duplicates")
}

func TestCompletePromotesFIFO(t *testing.T) {
	s := New(1, newTestLogger())

	s.Submit(&Session{IssueID: "A-1"})
	s.Submit(&Session{IssueID: "A-2"})
	s.Submit(&Session{IssueID: "A-3"})

	promoted := s.Complete("A-1")
	require.NotNil(t, promoted)
	assert.Equal(t, "A-2", promoted.IssueID)

	promoted = s.Fail("A-2")
	require.NotNil(t, promoted)
	assert.Equal(t, "A-3", promoted.IssueID)

	assert.Nil(t, s.Complete("A-3"))
	active, waiting := s.Counts()
	assert.Zero(t, active)
	assert.Zero(t, waiting)
}

func TestCompletionCallbackFiresOnce(t *testing.T) {
	s := New(1, newTestLogger())

	calls := 0
	var ok bool
	s.Submit(&Session{IssueID: "A-1", OnComplete: func(success bool) {
		calls++
		ok = success
	}})

	s.Complete("A-1")
	s.Complete("A-1") // already gone
	assert.Equal(t, 1, calls)
	assert.True(t, ok)

	s.Submit(&Session{IssueID: "A-2", OnComplete: func(success bool) {
		calls++
		ok = success
	}})
	s.Fail("A-2")
	assert.Equal(t, 2, calls)
	assert.False(t, ok)
}

func TestZeroConcurrencyQueuesForever(t *testing.T) {
	s := New(0, newTestLogger())

	assert.Equal(t, Queued, s.Submit(&Session{IssueID: "A-1"}))
	assert.Equal(t, Queued, s.Submit(&Session{IssueID: "A-2"}))

	active, waiting := s.Counts()
	assert.Zero(t, active)
	assert.Equal(t, 2, waiting)
}

func TestConcurrentSubmitRespectsBound(t *testing.T) {
	s := New(5, newTestLogger())

	var wg sync.WaitGroup
	results := make([]Disposition, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Submit(&Session{IssueID: fmt.Sprintf("A-%d", i)})
		}(i)
	}
	wg.Wait()

	started := 0
	for _, d := range results {
		if d == Started {
			started++
		}
	}
	assert.Equal(t, 5, started)
	active, waiting := s.Counts()
	assert.Equal(t, 5, active)
	assert.Equal(t, 45, waiting)
}
