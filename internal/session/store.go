package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/common/logger"
)

// ErrNotFound is returned when no record exists for an issue.
var ErrNotFound = errors.New("session record not found")

const archiveDir = "archive"

// DefaultRetentionDays keeps archived session files at least this long.
const DefaultRetentionDays = 7

// FileStore persists session records under a base directory:
// {issueId}.json for dedup, {sessionId}.json for detail, archive/ for
// finished sessions.
type FileStore struct {
	basePath      string
	retentionDays int
	logger        *logger.Logger

	// pidAlive is swapped in tests.
	pidAlive func(pid int) bool
}

// NewFileStore creates the store and its directories.
func NewFileStore(basePath string, retentionDays int, log *logger.Logger) (*FileStore, error) {
	if strings.HasPrefix(basePath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, basePath[2:])
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(filepath.Join(basePath, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{
		basePath:      basePath,
		retentionDays: retentionDays,
		logger:        log.WithFields(zap.String("component", "session-store")),
		pidAlive:      pidAlive,
	}, nil
}

func (s *FileStore) issuePath(issueID string) string {
	return filepath.Join(s.basePath, issueID+".json")
}

// Save writes the record under the issue ID and, when present, the
// session ID. Writes are atomic (tmp + rename).
func (s *FileStore) Save(rec *Record) error {
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status.Terminal() && rec.CompletedAt == nil {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}

	if err := s.writeJSON(s.issuePath(rec.IssueID), rec); err != nil {
		return err
	}
	if rec.SessionID != "" {
		return s.writeJSON(filepath.Join(s.basePath, rec.SessionID+".json"), rec)
	}
	return nil
}

func (s *FileStore) writeJSON(path string, rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get loads the record for an issue.
func (s *FileStore) Get(issueID string) (*Record, error) {
	raw, err := os.ReadFile(s.issuePath(issueID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record for %s: %w", issueID, err)
	}
	return &rec, nil
}

// UpdateStatus transitions a record's status. Backward transitions are
// rejected; repeating the current status (terminal included) is a no-op.
func (s *FileStore) UpdateStatus(issueID string, status Status, errMsg string) error {
	rec, err := s.Get(issueID)
	if err != nil {
		return err
	}
	if rec.Status == status {
		return nil
	}
	if rec.Status.Terminal() {
		// Final states are deduped, not re-entered.
		return nil
	}
	if status.rank() < rec.Status.rank() {
		return fmt.Errorf("invalid status transition %s -> %s for %s", rec.Status, status, issueID)
	}
	rec.Status = status
	if errMsg != "" {
		rec.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	return s.Save(rec)
}

// ActiveElsewhere reports whether another live process already owns a
// non-terminal session for this issue. Records owned by dead processes
// do not count.
func (s *FileStore) ActiveElsewhere(issueID string) bool {
	rec, err := s.Get(issueID)
	if err != nil {
		return false
	}
	if rec.Status.Terminal() {
		return false
	}
	if rec.PID == os.Getpid() {
		return false
	}
	return s.pidAlive(rec.PID)
}

// Archive moves an issue's record files into archive/.
func (s *FileStore) Archive(issueID string) error {
	rec, err := s.Get(issueID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	paths := []string{s.issuePath(issueID)}
	if rec.SessionID != "" {
		paths = append(paths, filepath.Join(s.basePath, rec.SessionID+".json"))
	}
	for _, path := range paths {
		dest := filepath.Join(s.basePath, archiveDir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// PruneArchive removes archived files older than the retention window.
func (s *FileStore) PruneArchive() (int, error) {
	dir := filepath.Join(s.basePath, archiveDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("archive prune failed", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// List returns all non-archived records, for startup reconciliation.
func (s *FileStore) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var out []*Record
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil || rec.IssueID == "" {
			continue
		}
		if seen[rec.IssueID] {
			continue
		}
		seen[rec.IssueID] = true
		out = append(out, &rec)
	}
	return out, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
