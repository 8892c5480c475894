package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/logger"
)

// MemoryBus is the in-process bus used when no NATS URL is configured.
// Delivery is asynchronous; handler errors are logged, not propagated.
type MemoryBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	bus     *MemoryBus
	subject string

	mu     sync.Mutex
	active bool
	h      Handler
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{logger: log.WithFields(zap.String("component", "memory-bus"))}
}

// Publish delivers the event to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subs {
		sub.mu.Lock()
		active, handler := sub.active, sub.h
		sub.mu.Unlock()
		if !active || !subjectMatches(subject, sub.subject) {
			continue
		}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject), zap.Error(err))
			}
		}(handler)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySub{bus: b, subject: subject, active: true, h: handler}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close stops the bus after in-flight deliveries drain.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches implements NATS-style matching: "*" matches one token,
// ">" matches the remainder.
func subjectMatches(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	st := strings.Split(subject, ".")
	pt := strings.Split(pattern, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}

var _ Bus = (*MemoryBus)(nil)
