package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
	"github.com/spawnd/spawnd/internal/gitops"
)

// CreateOptions describes one worktree creation request.
type CreateOptions struct {
	IssueID        string
	IssueTitle     string
	RepositoryPath string
	BaseBranch     string
	Mode           Mode
	// Symlinks maps a path inside the worktree to a shared-asset source
	// outside it (node_modules caches and the like). Failures are
	// warnings, not fatal.
	Symlinks map[string]string
}

// Manager creates and removes git worktrees. The per-issue mutex is held
// for the whole create/cleanup critical section; baseMu guards
// filesystem-wide housekeeping like orphan cleanup.
type Manager struct {
	config Config
	git    *gitops.Service
	store  Store // may be nil
	logger *logger.Logger

	mu       sync.RWMutex
	active   map[string]*Worktree // issueID -> worktree
	issueMus map[string]*sync.Mutex
	issueMu  sync.Mutex
	baseMu   sync.Mutex

	// diskFree is swapped in tests.
	diskFree func(path string) (uint64, error)
}

// NewManager creates a worktree manager and ensures the base directory
// exists.
func NewManager(cfg Config, git *gitops.Service, store Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		config:   cfg,
		git:      git,
		store:    store,
		logger:   log.WithFields(zap.String("component", "worktree-manager")),
		active:   make(map[string]*Worktree),
		issueMus: make(map[string]*sync.Mutex),
		diskFree: diskFreeBytes,
	}, nil
}

// issueLock returns the mutex for one issue.
func (m *Manager) issueLock(issueID string) *sync.Mutex {
	m.issueMu.Lock()
	defer m.issueMu.Unlock()
	if lock, ok := m.issueMus[issueID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.issueMus[issueID] = lock
	return lock
}

// Get returns the active worktree for an issue, if any.
func (m *Manager) Get(issueID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.active[issueID]
	return wt, ok
}

// Active returns a snapshot of all active worktrees.
func (m *Manager) Active() []*Worktree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worktree, 0, len(m.active))
	for _, wt := range m.active {
		out = append(out, wt)
	}
	return out
}

// Create creates (or reuses) the worktree for an issue.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Worktree, error) {
	lock := m.issueLock(opts.IssueID)
	lock.Lock()
	defer lock.Unlock()

	if wt, ok := m.Get(opts.IssueID); ok {
		return wt, nil
	}

	if !m.git.IsGitRepo(ctx, opts.RepositoryPath) {
		return nil, errkind.NewSub(errkind.KindGit, errkind.SubRepoNotFound,
			fmt.Sprintf("repository %s is not a git repository", opts.RepositoryPath))
	}

	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return nil, err
	}
	if err := m.checkDiskSpace(basePath); err != nil {
		return nil, err
	}

	worktreePath, err := m.worktreePath(basePath, opts.IssueID, opts.Mode)
	if err != nil {
		return nil, err
	}

	// New repos may have no commits; an empty base commit is allowed.
	baseCommit := m.git.GetCurrentCommit(ctx, opts.RepositoryPath)

	branch := BranchName(opts.IssueID, opts.IssueTitle)
	if err := m.materialize(ctx, opts, worktreePath, branch); err != nil {
		return nil, err
	}

	m.createSymlinks(worktreePath, opts.Symlinks)

	now := time.Now().UTC()
	wt := &Worktree{
		ID:             uuid.NewString(),
		IssueID:        opts.IssueID,
		WorktreePath:   worktreePath,
		RepositoryPath: opts.RepositoryPath,
		BranchName:     branch,
		Mode:           opts.Mode,
		BaseCommit:     baseCommit,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	m.active[opts.IssueID] = wt
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Create(ctx, wt); err != nil {
			m.logger.Warn("failed to persist worktree record",
				zap.String("issue_id", opts.IssueID), zap.Error(err))
		}
	}

	m.logger.Info("worktree created",
		zap.String("issue_id", opts.IssueID),
		zap.String("path", worktreePath),
		zap.String("branch", branch))
	return wt, nil
}

// worktreePath computes the path for (base, issueId, mode).
func (m *Manager) worktreePath(basePath, issueID string, mode Mode) (string, error) {
	root := filepath.Join(basePath, issueID)
	switch mode {
	case ModeMain, "":
		return root, nil
	case ModeBranch:
		return filepath.Join(root, "branch"), nil
	case ModeSession:
		return filepath.Join(root, fmt.Sprintf("session-%d", time.Now().UnixMilli())), nil
	default:
		return "", errkind.NewSub(errkind.KindGit, errkind.SubInvalidMode,
			fmt.Sprintf("unknown worktree mode %q", mode))
	}
}

// materialize brings the branch and worktree directory into existence,
// reusing or re-pointing what is already there.
func (m *Manager) materialize(ctx context.Context, opts CreateOptions, worktreePath, branch string) error {
	branchExists := m.git.BranchExists(ctx, opts.RepositoryPath, branch)
	dirExists := m.git.IsGitRepo(ctx, worktreePath)

	switch {
	case branchExists && dirExists:
		// Reuse as-is.
		return nil
	case dirExists:
		// Worktree exists on another branch; switch it.
		if err := m.git.SwitchBranch(ctx, worktreePath, branch); err != nil {
			return classifyGitError(err)
		}
		return nil
	default:
		out, err := m.git.WorktreeAdd(ctx, opts.RepositoryPath, worktreePath, branch, opts.BaseBranch, !branchExists)
		if err != nil {
			return classifyGitOutput(out, err)
		}
		return nil
	}
}

// createSymlinks links shared assets into the worktree. Best effort.
func (m *Manager) createSymlinks(worktreePath string, symlinks map[string]string) {
	for target, source := range symlinks {
		link := filepath.Join(worktreePath, target)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			m.logger.Warn("symlink parent creation failed", zap.String("link", link), zap.Error(err))
			continue
		}
		if err := os.Symlink(source, link); err != nil && !os.IsExist(err) {
			m.logger.Warn("symlink creation failed",
				zap.String("link", link), zap.String("source", source), zap.Error(err))
		}
	}
}

// Cleanup removes an issue's worktree. With preserve it only drops the
// worktree from the active map, leaving the directory for inspection.
// Uncommitted changes are auto-committed before removal; if that commit
// fails the worktree is left in place.
func (m *Manager) Cleanup(ctx context.Context, issueID string, preserve bool) error {
	lock := m.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	wt, ok := m.Get(issueID)
	if !ok {
		return nil
	}

	if preserve {
		m.deregister(ctx, wt, StatusPreserved)
		m.logger.Info("worktree preserved", zap.String("issue_id", issueID), zap.String("path", wt.WorktreePath))
		return nil
	}

	if m.git.HasUncommittedChanges(ctx, wt.WorktreePath) {
		msg := fmt.Sprintf("agent: Session completion - %s", issueID)
		if _, err := m.git.Commit(ctx, wt.WorktreePath, gitops.CommitOptions{
			Message:  msg,
			NoVerify: true,
			StageAll: true,
		}); err != nil {
			return errkind.Wrap(errkind.KindGit, err, "completion auto-commit failed, worktree left in place")
		}
	}

	if out, err := m.git.WorktreeRemove(ctx, wt.RepositoryPath, wt.WorktreePath); err != nil {
		if !strings.Contains(out, "not a working tree") {
			if rmErr := os.RemoveAll(wt.WorktreePath); rmErr != nil {
				// Permission problems are logged, not raised.
				m.logger.Warn("worktree directory removal failed",
					zap.String("issue_id", issueID), zap.Error(rmErr))
			}
		}
	}
	m.git.WorktreePrune(ctx, wt.RepositoryPath)

	m.deregister(ctx, wt, StatusRemoved)
	m.logger.Info("worktree removed", zap.String("issue_id", issueID), zap.String("path", wt.WorktreePath))
	return nil
}

func (m *Manager) deregister(ctx context.Context, wt *Worktree, status string) {
	m.mu.Lock()
	delete(m.active, wt.IssueID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, wt.ID, status); err != nil {
			m.logger.Warn("failed to update worktree record",
				zap.String("issue_id", wt.IssueID), zap.Error(err))
		}
	}
}

// CleanupOrphaned removes base-directory entries older than maxAgeHours
// that are not in the active map. Active worktrees are never touched.
func (m *Manager) CleanupOrphaned(ctx context.Context, maxAgeHours int) (int, error) {
	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	if maxAgeHours <= 0 {
		maxAgeHours = m.config.OrphanHours
	}
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		issueID := entry.Name()
		if _, ok := m.Get(issueID); ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(basePath, issueID)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("orphan removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
		m.logger.Info("orphaned worktree removed", zap.String("issue_id", issueID))
	}
	return removed, nil
}

// checkDiskSpace fails with a disk-space error when free space at path
// is below the configured minimum.
func (m *Manager) checkDiskSpace(path string) error {
	free, err := m.diskFree(path)
	if err != nil {
		m.logger.Warn("disk space check failed", zap.Error(err))
		return nil
	}
	minBytes := uint64(m.config.MinFreeMB) * 1024 * 1024
	if free < minBytes {
		return errkind.NewSub(errkind.KindGit, errkind.SubDiskSpace,
			fmt.Sprintf("only %d MB free, need %d MB", free/(1024*1024), m.config.MinFreeMB))
	}
	return nil
}

func diskFreeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// classifyGitError maps a git failure into the error taxonomy.
func classifyGitError(err error) error {
	return classifyGitOutput(err.Error(), err)
}

func classifyGitOutput(out string, err error) error {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "permission denied"):
		return errkind.WrapSub(errkind.KindGit, errkind.SubPermissionDenied, err, "worktree creation failed")
	case strings.Contains(lower, "no space left"):
		return errkind.WrapSub(errkind.KindGit, errkind.SubDiskSpace, err, "worktree creation failed")
	case strings.Contains(lower, "already exists") || strings.Contains(lower, "already registered") ||
		strings.Contains(lower, "already checked out"):
		return errkind.WrapSub(errkind.KindGit, errkind.SubWorktreeExists, err, "worktree creation failed")
	default:
		return errkind.Wrap(errkind.KindGit, err, "worktree creation failed")
	}
}
