// Package provider routes agent executions to the highest-priority healthy
// provider and tracks per-provider circuit breakers and health probes.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/spawnd/spawnd/internal/common/config"
)

// HealthStatus is the outcome of a provider liveness probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Prober is the narrow health-probe surface of an agent executor.
type Prober interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// sortByPriority returns enabled providers ordered by ascending priority.
func sortByPriority(providers []config.ProviderConfig) []config.ProviderConfig {
	enabled := make([]config.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})
	return enabled
}
