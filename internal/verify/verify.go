package verify

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/gitops"
)

// Check names produced by Verify.
const (
	CheckGitCommit  = "git_commit"
	CheckFilesExist = "files_exist"
)

// CheckStatus is the outcome of one verification check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckSkip    CheckStatus = "skip"
	CheckPending CheckStatus = "pending"
)

// Check is one verification step result.
type Check struct {
	Name    string         `json:"name"`
	Status  CheckStatus    `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the full verification outcome for one session.
type Report struct {
	Success        bool     `json:"success"`
	IssueID        string   `json:"issue_id"`
	BaselineCommit string   `json:"baseline_commit,omitempty"`
	CurrentCommit  string   `json:"current_commit,omitempty"`
	Checks         []Check  `json:"checks"`
	FilesVerified  []string `json:"files_verified,omitempty"`
	FilesMissing   []string `json:"files_missing,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// Error is raised when verification fails; it carries the report so
// callers can surface details even on the failure path.
type Error struct {
	Report *Report
}

func (e *Error) Error() string {
	if len(e.Report.Errors) > 0 {
		return "verification failed: " + strings.Join(e.Report.Errors, "; ")
	}
	return "verification failed"
}

// defaultSkipDirs are never counted as agent-produced files.
var defaultSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".cache":       true,
	".tmp":         true,
}

var hexShaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Verifier checks git and filesystem state after an agent session.
type Verifier struct {
	logger       *logger.Logger
	git          *gitops.Service
	skipPatterns []string
}

// NewVerifier creates a verifier. skipPatterns are additional glob
// patterns (matched against the path relative to the worktree) excluded
// from file enumeration.
func NewVerifier(git *gitops.Service, skipPatterns []string, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.Default()
	}
	return &Verifier{
		logger:       log.WithFields(zap.String("component", "verifier")),
		git:          git,
		skipPatterns: skipPatterns,
	}
}

// Verify runs the git_commit and files_exist checks against a worktree.
// Both must pass for Success. On failure the returned error is a *Error
// carrying the same report.
func (v *Verifier) Verify(ctx context.Context, worktreePath, baselineCommit, issueID string) (*Report, error) {
	report := &Report{
		IssueID:        issueID,
		BaselineCommit: baselineCommit,
	}

	v.checkGitCommit(ctx, worktreePath, baselineCommit, issueID, report)
	v.checkFilesExist(worktreePath, report)

	report.Success = true
	for _, c := range report.Checks {
		if c.Status == CheckFail {
			report.Success = false
		}
	}

	if !report.Success {
		v.logger.Warn("verification failed",
			zap.String("issue_id", issueID),
			zap.Strings("errors", report.Errors))
		return report, errkind.Wrap(errkind.KindVerificationFailed, &Error{Report: report}, "session verification")
	}
	return report, nil
}

// checkGitCommit requires a valid 40-hex HEAD that differs from the
// baseline (when one exists) and whose message contains the issue ID.
func (v *Verifier) checkGitCommit(ctx context.Context, worktreePath, baselineCommit, issueID string, report *Report) {
	fail := func(msg string) {
		report.Errors = append(report.Errors, msg)
		report.Checks = append(report.Checks, Check{
			Name:    CheckGitCommit,
			Status:  CheckFail,
			Message: msg,
			Details: map[string]any{
				"baselineCommit": baselineCommit,
				"currentCommit":  report.CurrentCommit,
			},
		})
	}

	current := v.git.GetCurrentCommit(ctx, worktreePath)
	report.CurrentCommit = current

	switch {
	case current == "" || !hexShaPattern.MatchString(current):
		fail("no valid HEAD commit in worktree")
	case !v.git.IsValidCommit(ctx, worktreePath, current):
		fail(fmt.Sprintf("HEAD %s is not a valid commit object", current))
	case baselineCommit != "" && current == baselineCommit:
		// New repos may have no baseline; then a valid HEAD is enough.
		fail("HEAD still at baseline commit, agent produced no commit")
	case !v.git.VerifyCommitMessageContainsIssueID(ctx, worktreePath, current, issueID):
		fail(fmt.Sprintf("commit message does not contain issue id %s", issueID))
	default:
		report.Checks = append(report.Checks, Check{
			Name:   CheckGitCommit,
			Status: CheckPass,
		})
	}
}

// checkFilesExist enumerates the worktree (minus skip dirs and patterns)
// and requires at least one regular file, all of which must stat cleanly.
func (v *Verifier) checkFilesExist(worktreePath string, report *Report) {
	var verified, missing []string

	err := filepath.WalkDir(worktreePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(worktreePath, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if defaultSkipDirs[d.Name()] || v.matchesSkipPattern(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if v.matchesSkipPattern(rel) {
			return nil
		}
		info, statErr := os.Stat(path)
		if statErr != nil || !info.Mode().IsRegular() {
			missing = append(missing, rel)
			return nil
		}
		verified = append(verified, rel)
		return nil
	})

	report.FilesVerified = verified
	report.FilesMissing = missing

	switch {
	case err != nil:
		msg := fmt.Sprintf("worktree scan failed: %v", err)
		report.Errors = append(report.Errors, msg)
		report.Checks = append(report.Checks, Check{Name: CheckFilesExist, Status: CheckFail, Message: msg})
	case len(missing) > 0:
		msg := fmt.Sprintf("%d files missing or irregular", len(missing))
		report.Errors = append(report.Errors, msg)
		report.Checks = append(report.Checks, Check{Name: CheckFilesExist, Status: CheckFail, Message: msg})
	case len(verified) == 0:
		msg := "worktree contains no files"
		report.Errors = append(report.Errors, msg)
		report.Checks = append(report.Checks, Check{Name: CheckFilesExist, Status: CheckFail, Message: msg})
	default:
		report.Checks = append(report.Checks, Check{Name: CheckFilesExist, Status: CheckPass})
	}
}

func (v *Verifier) matchesSkipPattern(rel string) bool {
	for _, pattern := range v.skipPatterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}
