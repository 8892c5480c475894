// Package session persists per-issue session records as JSON files.
// Records serve crash recovery and cross-process duplicate detection;
// they are not a runtime source of truth.
package session

import "time"

// Status of an orchestrated session. Transitions are monotonic:
// started → in_progress → (done | error). Terminal states are final.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// rank orders statuses for the monotonicity check.
func (s Status) rank() int {
	switch s {
	case StatusStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusDone, StatusError:
		return 2
	default:
		return -1
	}
}

// Record is the persisted state of one session.
type Record struct {
	IssueID      string     `json:"issueId"`
	SessionID    string     `json:"sessionId,omitempty"`
	Status       Status     `json:"status"`
	WorktreePath string     `json:"worktreePath,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	PID          int        `json:"pid"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}
