// Package scheduler admits orchestration sessions under a concurrency
// bound, queueing overflow FIFO and deduplicating by issue.
package scheduler

import (
	"sync"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/logger"
)

// DefaultMaxConcurrency bounds simultaneous orchestrations.
const DefaultMaxConcurrency = 27

// Disposition is the outcome of a submit call.
type Disposition string

const (
	Started   Disposition = "started"
	Queued    Disposition = "queued"
	Duplicate Disposition = "duplicate"
)

// Session is one schedulable unit of work.
type Session struct {
	IssueID   string
	SessionID string
	// Start is invoked by the scheduler's caller when a queued session
	// is promoted to active.
	Start func()
	// OnComplete fires exactly once when the session leaves the
	// scheduler, with ok=false on failure.
	OnComplete func(ok bool)
}

// Scheduler serializes admission decisions under one mutex. Reads are
// snapshots and never block mutations for long.
type Scheduler struct {
	logger *logger.Logger

	mu             sync.Mutex
	maxConcurrency int
	active         map[string]*Session
	waiting        []*Session
}

// New creates a scheduler. maxConcurrency < 0 selects the default;
// 0 is honored and queues everything.
func New(maxConcurrency int, log *logger.Logger) *Scheduler {
	if maxConcurrency < 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		logger:         log.WithFields(zap.String("component", "scheduler")),
		maxConcurrency: maxConcurrency,
		active:         make(map[string]*Session),
	}
}

// Submit admits, queues, or rejects a session.
func (s *Scheduler) Submit(session *Session) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[session.IssueID]; ok {
		return Duplicate
	}
	for _, w := range s.waiting {
		if w.IssueID == session.IssueID {
			return Duplicate
		}
	}

	if len(s.active) < s.maxConcurrency {
		s.active[session.IssueID] = session
		s.logger.Debug("session started", zap.String("issue_id", session.IssueID))
		return Started
	}
	s.waiting = append(s.waiting, session)
	s.logger.Debug("session queued",
		zap.String("issue_id", session.IssueID),
		zap.Int("position", len(s.waiting)))
	return Queued
}

// Complete removes a finished session and promotes the queue head.
// It returns the promoted session, if any, so the caller can start it.
func (s *Scheduler) Complete(issueID string) *Session {
	return s.finish(issueID, true)
}

// Fail removes a failed session and promotes the queue head.
func (s *Scheduler) Fail(issueID string) *Session {
	return s.finish(issueID, false)
}

func (s *Scheduler) finish(issueID string, ok bool) *Session {
	s.mu.Lock()
	session, found := s.active[issueID]
	if !found {
		s.mu.Unlock()
		return nil
	}
	delete(s.active, issueID)

	var promoted *Session
	if len(s.waiting) > 0 && len(s.active) < s.maxConcurrency {
		promoted = s.waiting[0]
		s.waiting = s.waiting[1:]
		s.active[promoted.IssueID] = promoted
	}
	callback := session.OnComplete
	session.OnComplete = nil // exactly once
	s.mu.Unlock()

	if callback != nil {
		callback(ok)
	}
	if promoted != nil {
		s.logger.Debug("session promoted from queue", zap.String("issue_id", promoted.IssueID))
	}
	return promoted
}

// Counts returns (active, waiting) sizes.
func (s *Scheduler) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.waiting)
}

// ActiveList returns a snapshot of active issue IDs.
func (s *Scheduler) ActiveList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// QueuePosition returns the 1-based queue position of an issue, or 0
// when it is not waiting.
func (s *Scheduler) QueuePosition(issueID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiting {
		if w.IssueID == issueID {
			return i + 1
		}
	}
	return 0
}
