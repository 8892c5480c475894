// Package repos maintains the set of routable source repositories and
// decides which one a work item belongs to.
package repos

import (
	"github.com/spawnd/spawnd/internal/common/config"
)

// Repository is one routable source repository.
type Repository struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	LocalPath     string   `yaml:"localPath"`
	BaseBranch    string   `yaml:"baseBranch"`
	RoutingLabels []string `yaml:"routingLabels"`
	ProjectKeys   []string `yaml:"projectKeys"`
	TeamKeys      []string `yaml:"teamKeys"`
	WorkspaceID   string   `yaml:"workspaceId"`
	GithubURL     string   `yaml:"githubUrl"`
}

// CatchAll reports whether the repository has no routing constraints and
// therefore receives everything unmatched in its workspace.
func (r *Repository) CatchAll() bool {
	return len(r.TeamKeys) == 0 && len(r.RoutingLabels) == 0 && len(r.ProjectKeys) == 0
}

func fromConfig(rc config.RepositoryConfig) *Repository {
	return &Repository{
		ID:            rc.ID,
		Name:          rc.Name,
		LocalPath:     rc.LocalPath,
		BaseBranch:    rc.BaseBranch,
		RoutingLabels: rc.RoutingLabels,
		ProjectKeys:   rc.ProjectKeys,
		TeamKeys:      rc.TeamKeys,
		WorkspaceID:   rc.WorkspaceID,
		GithubURL:     rc.GithubURL,
	}
}
