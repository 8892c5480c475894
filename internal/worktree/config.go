package worktree

import (
	"os"
	"path/filepath"
	"strings"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion. Default: ~/.agent/worktrees
	BasePath string

	// MinFreeMB is the minimum free disk space required before a
	// worktree is created. Default: 100.
	MinFreeMB int

	// OrphanHours is the age after which an inactive worktree
	// directory is eligible for orphan cleanup. Default: 24.
	OrphanHours int
}

// Validate fills defaults and returns an error if invalid.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = "~/.agent/worktrees"
	}
	if c.MinFreeMB <= 0 {
		c.MinFreeMB = 100
	}
	if c.OrphanHours <= 0 {
		c.OrphanHours = 24
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}
