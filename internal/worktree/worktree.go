// Package worktree provides git worktree management for concurrent agent
// execution. At most one active worktree exists per issue, enforced by a
// per-issue mutex held across create and cleanup.
package worktree

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Mode selects the worktree path layout under the base directory.
type Mode string

const (
	ModeMain    Mode = "main"    // base/issueId
	ModeBranch  Mode = "branch"  // base/issueId/branch
	ModeSession Mode = "session" // base/issueId/session-<millis>
)

// Status of a persisted worktree record.
const (
	StatusActive    = "active"
	StatusPreserved = "preserved"
	StatusRemoved   = "removed"
)

// Worktree describes one active agent worktree.
type Worktree struct {
	ID             string    `db:"id" json:"id"`
	IssueID        string    `db:"issue_id" json:"issueId"`
	WorktreePath   string    `db:"worktree_path" json:"worktreePath"`
	RepositoryPath string    `db:"repository_path" json:"repositoryPath"`
	BranchName     string    `db:"branch_name" json:"branchName"`
	Mode           Mode      `db:"mode" json:"mode"`
	BaseCommit     string    `db:"base_commit" json:"baseCommit"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

var slugCleanRe = regexp.MustCompile(`[^a-z0-9-]+`)

// slugify turns an issue title into a branch-safe suffix. Empty titles
// fall back to "issue".
func slugify(title string) string {
	s := slugCleanRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		return "issue"
	}
	return s
}

// BranchName computes the branch for an issue: linear/{issueId}-{slug}.
// Only the slug is lowercased; the identifier keeps its case.
func BranchName(issueID, title string) string {
	return fmt.Sprintf("linear/%s-%s", issueID, slugify(title))
}
