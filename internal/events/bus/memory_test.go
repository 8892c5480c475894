package bus

import (
	"context"
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

func collectEvents(t *testing.T, b *MemoryBus, subject string) (*[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	_, err := b.Subscribe(subject, func(ctx context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &got, &mu
}

func TestMemoryBusDelivers(t *testing.T) {
	b := NewMemoryBus(newTestLogger())
	got, mu := collectEvents(t, b, "spawnd.session.started")

	require.NoError(t, b.Publish(context.Background(), "spawnd.session.started",
		NewEvent("started", "test", map[string]any{"issueId": "ROM-1"})))
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started"}, *got)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus(newTestLogger())
	star, starMu := collectEvents(t, b, "spawnd.session.*")
	tail, tailMu := collectEvents(t, b, "spawnd.>")
	other, otherMu := collectEvents(t, b, "spawnd.worktree.*")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "spawnd.session.started", NewEvent("started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "spawnd.session.completed", NewEvent("completed", "test", nil)))
	b.Close()

	starMu.Lock()
	assert.Len(t, *star, 2)
	starMu.Unlock()
	tailMu.Lock()
	assert.Len(t, *tail, 2)
	tailMu.Unlock()
	otherMu.Lock()
	assert.Empty(t, *other)
	otherMu.Unlock()
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(newTestLogger())

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("spawnd.session.started", func(ctx context.Context, ev *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "spawnd.session.started", NewEvent("e1", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "spawnd.session.started", NewEvent("e2", "test", nil)))
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(newTestLogger())
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "spawnd.session.started", NewEvent("e", "test", nil))
	require.Error(t, err)
	_, err = b.Subscribe("spawnd.session.started", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		subject, pattern string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.*.c", true},
		{"a.b.c", "a.>", true},
		{"a", "a.>", false},
		{"a.b.c", "a.b", false},
		{"a.b", "a.b.c", false},
		{"a.b.c.d", "a.*.c", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.subject, tc.pattern),
			"subject=%s pattern=%s", tc.subject, tc.pattern)
	}
}
