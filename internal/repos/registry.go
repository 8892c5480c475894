package repos

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/errkind"
	"github.com/spawnd/spawnd/internal/common/logger"
)

// Registry holds the current repository set. Repositories come from the
// static config and optionally from a repos.yaml file that is hot
// reloaded on change.
type Registry struct {
	logger    *logger.Logger
	reposFile string

	mu     sync.RWMutex
	static []*Repository
	fileRe []*Repository

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type reposFileSchema struct {
	Repositories []*Repository `yaml:"repositories"`
}

// NewRegistry builds a registry from static config plus an optional
// repos file.
func NewRegistry(static []config.RepositoryConfig, reposFile string, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{
		logger:    log.WithFields(zap.String("component", "repo-registry")),
		reposFile: reposFile,
	}
	for _, rc := range static {
		r.static = append(r.static, fromConfig(rc))
	}
	if reposFile != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	if err := validate(r.all()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the repos file.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.reposFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.fileRe = nil
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read repos file: %w", err)
	}
	var parsed reposFileSchema
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return errkind.Wrap(errkind.KindConfigInvalid, err, "parse repos file")
	}

	r.mu.Lock()
	prev := r.fileRe
	r.fileRe = parsed.Repositories
	combined := r.all()
	r.mu.Unlock()

	if err := validate(combined); err != nil {
		r.mu.Lock()
		r.fileRe = prev
		r.mu.Unlock()
		return err
	}
	r.logger.Info("repositories reloaded", zap.Int("count", len(combined)))
	return nil
}

// validate enforces at most one catch-all repository per workspace and
// unique IDs.
func validate(all []*Repository) error {
	seen := make(map[string]bool)
	catchAll := make(map[string]string)
	for _, repo := range all {
		if repo.ID == "" {
			return errkind.New(errkind.KindConfigInvalid, "repository with empty id")
		}
		if seen[repo.ID] {
			return errkind.Newf(errkind.KindConfigInvalid, "duplicate repository id %q", repo.ID)
		}
		seen[repo.ID] = true
		if repo.CatchAll() {
			if other, ok := catchAll[repo.WorkspaceID]; ok {
				return errkind.Newf(errkind.KindConfigInvalid,
					"multiple catch-all repositories in workspace: %q and %q", other, repo.ID)
			}
			catchAll[repo.WorkspaceID] = repo.ID
		}
	}
	return nil
}

// Watch starts hot reloading the repos file until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.reposFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.reposFile); err != nil {
		watcher.Close()
		return fmt.Errorf("watch repos file: %w", err)
	}
	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					// Keep serving the previous set.
					r.logger.Error("repos file reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("repos file watch error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
		<-r.done
	}
}

// all combines static and file repositories; callers hold no lock, the
// exported accessors do.
func (r *Registry) all() []*Repository {
	out := make([]*Repository, 0, len(r.static)+len(r.fileRe))
	out = append(out, r.static...)
	out = append(out, r.fileRe...)
	return out
}

// All returns the current repository set.
func (r *Registry) All() []*Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.all()
}

// ByID looks a repository up by ID.
func (r *Registry) ByID(id string) (*Repository, bool) {
	for _, repo := range r.All() {
		if repo.ID == id {
			return repo, true
		}
	}
	return nil, false
}
