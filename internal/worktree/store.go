package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrRecordNotFound is returned when a worktree record does not exist.
var ErrRecordNotFound = errors.New("worktree record not found")

// Store persists worktree records across restarts so startup
// reconciliation can find worktrees left behind by a crash.
type Store interface {
	Create(ctx context.Context, wt *Worktree) error
	GetByIssueID(ctx context.Context, issueID string) (*Worktree, error)
	UpdateStatus(ctx context.Context, id, status string) error
	ListActive(ctx context.Context) ([]*Worktree, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates the store and ensures the schema exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize worktree schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_worktrees (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		repository_path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'main',
		base_commit TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_worktrees_issue_id ON agent_worktrees(issue_id);
	CREATE INDEX IF NOT EXISTS idx_agent_worktrees_status ON agent_worktrees(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, wt *Worktree) error {
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	if wt.UpdatedAt.IsZero() {
		wt.UpdatedAt = now
	}
	if wt.Status == "" {
		wt.Status = StatusActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_worktrees (
			id, issue_id, worktree_path, repository_path, branch_name,
			mode, base_commit, status, created_at, updated_at
		) VALUES (
			:id, :issue_id, :worktree_path, :repository_path, :branch_name,
			:mode, :base_commit, :status, :created_at, :updated_at
		)`, wt)
	return err
}

func (s *SQLiteStore) GetByIssueID(ctx context.Context, issueID string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt, s.db.Rebind(`
		SELECT * FROM agent_worktrees
		WHERE issue_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`), issueID, StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_worktrees SET status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Worktree, error) {
	var out []*Worktree
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT * FROM agent_worktrees WHERE status = ? ORDER BY created_at`), StatusActive)
	return out, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agent_worktrees WHERE id = ?`), id)
	return err
}

var _ Store = (*SQLiteStore)(nil)
