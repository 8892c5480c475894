// Package gitops wraps git subprocess invocations used by the worktree
// manager and the verification pipeline. Concentrating shell-outs here
// keeps retry, logging, and sandboxing uniform.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/logger"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Service runs git commands against a working directory.
type Service struct {
	logger *logger.Logger
}

// NewService creates a git service.
func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		logger: log.WithFields(zap.String("component", "gitops")),
	}
}

// CommitOptions controls Commit behavior.
type CommitOptions struct {
	Message  string
	NoVerify bool
	StageAll bool
}

// Status describes the working tree state of a repository.
type Status struct {
	IsClean   bool
	Modified  []string
	Added     []string
	Deleted   []string
	Untracked []string
	Branch    string
	Commit    string
}

// run executes git with the given args in dir and returns combined output.
func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// GetCurrentCommit returns the 40-hex SHA of HEAD, or "" when the path is
// not a git repository or has no commits yet. Never returns an error for
// a missing repo.
func (s *Service) GetCurrentCommit(ctx context.Context, path string) string {
	out, err := s.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	sha := strings.TrimSpace(out)
	if !shaPattern.MatchString(sha) {
		return ""
	}
	return sha
}

// IsValidCommit reports whether sha names an existing commit object.
func (s *Service) IsValidCommit(ctx context.Context, path, sha string) bool {
	_, err := s.run(ctx, path, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// HasUncommittedChanges reports whether the index or worktree diverges
// from HEAD, including untracked files.
func (s *Service) HasUncommittedChanges(ctx context.Context, path string) bool {
	out, err := s.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

// Commit stages (when requested) and commits. Returns the new HEAD SHA,
// or "" without error when there was nothing to commit.
func (s *Service) Commit(ctx context.Context, path string, opts CommitOptions) (string, error) {
	if opts.StageAll {
		if _, err := s.run(ctx, path, "add", "-A"); err != nil {
			return "", err
		}
	}
	if !s.HasUncommittedChanges(ctx, path) && !s.hasStagedChanges(ctx, path) {
		return "", nil
	}

	args := []string{"commit", "-m", opts.Message}
	if opts.NoVerify {
		args = append(args, "--no-verify")
	}
	if out, err := s.run(ctx, path, args...); err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(out, "nothing added to commit") {
			return "", nil
		}
		return "", err
	}
	return s.GetCurrentCommit(ctx, path), nil
}

func (s *Service) hasStagedChanges(ctx context.Context, path string) bool {
	_, err := s.run(ctx, path, "diff", "--cached", "--quiet")
	return err != nil
}

// CommitMessage returns the full subject and body of a commit.
func (s *Service) CommitMessage(ctx context.Context, path, sha string) (string, error) {
	out, err := s.run(ctx, path, "log", "-1", "--format=%B", sha)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// VerifyCommitMessageContainsIssueID reports whether the commit's subject
// or body contains the issue identifier (case-insensitive substring).
func (s *Service) VerifyCommitMessageContainsIssueID(ctx context.Context, path, sha, issueID string) bool {
	msg, err := s.CommitMessage(ctx, path, sha)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(msg), strings.ToLower(issueID))
}

// SyncToRemote fetches and fast-forwards the local branch from origin.
// Failure is non-fatal to callers; they log and continue.
func (s *Service) SyncToRemote(ctx context.Context, path, branch string) error {
	if _, err := s.run(ctx, path, "fetch", "origin", branch); err != nil {
		return err
	}
	if _, err := s.run(ctx, path, "merge", "--ff-only", "origin/"+branch); err != nil {
		return err
	}
	return nil
}

// PushToRef pushes current HEAD to origin/{branch}. Failure does not roll
// back the local commit.
func (s *Service) PushToRef(ctx context.Context, path, branch string) error {
	if _, err := s.run(ctx, path, "push", "origin", "HEAD:"+branch); err != nil {
		return err
	}
	return nil
}

// GetStatus parses `git status --porcelain --branch` into a Status.
func (s *Service) GetStatus(ctx context.Context, path string) (*Status, error) {
	out, err := s.run(ctx, path, "status", "--porcelain", "--branch")
	if err != nil {
		return nil, err
	}

	st := &Status{IsClean: true}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch := strings.TrimPrefix(line, "## ")
			if i := strings.IndexAny(branch, ". "); i > 0 {
				branch = branch[:i]
			}
			st.Branch = branch
			continue
		}
		if len(line) < 3 {
			continue
		}
		st.IsClean = false
		code := line[:2]
		file := strings.TrimSpace(line[3:])
		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, file)
		case strings.Contains(code, "A"):
			st.Added = append(st.Added, file)
		case strings.Contains(code, "D"):
			st.Deleted = append(st.Deleted, file)
		default:
			st.Modified = append(st.Modified, file)
		}
	}
	st.Commit = s.GetCurrentCommit(ctx, path)
	return st, nil
}

// IsGitRepo reports whether path is inside a git working tree.
func (s *Service) IsGitRepo(ctx context.Context, path string) bool {
	out, err := s.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// BranchExists reports whether a local branch exists in the repository.
func (s *Service) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := s.run(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// WorktreeAdd creates a worktree at path. When newBranch is true the
// branch is created from base; otherwise the existing branch is checked
// out with -f to re-point a stale registration.
func (s *Service) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch, base string, newBranch bool) (string, error) {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, worktreePath)
		if base != "" {
			args = append(args, base)
		}
	} else {
		args = append(args, "-f", worktreePath, branch)
	}
	out, err := s.run(ctx, repoPath, args...)
	if err != nil {
		s.logger.Error("git worktree add failed",
			zap.String("repo", repoPath),
			zap.String("branch", branch),
			zap.String("output", strings.TrimSpace(out)))
		return out, err
	}
	return out, nil
}

// WorktreeRemove removes a registered worktree.
func (s *Service) WorktreeRemove(ctx context.Context, repoPath, worktreePath string) (string, error) {
	return s.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
}

// WorktreePrune drops stale worktree registrations.
func (s *Service) WorktreePrune(ctx context.Context, repoPath string) {
	if _, err := s.run(ctx, repoPath, "worktree", "prune"); err != nil {
		s.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

// SwitchBranch checks out an existing branch inside a worktree.
func (s *Service) SwitchBranch(ctx context.Context, worktreePath, branch string) error {
	_, err := s.run(ctx, worktreePath, "checkout", branch)
	return err
}
