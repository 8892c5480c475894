package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spawnd/spawnd/internal/breaker"
	"github.com/spawnd/spawnd/internal/common/config"
	"github.com/spawnd/spawnd/internal/common/logger"
)

// Selection is the result of picking a provider for an execution attempt.
type Selection struct {
	Provider config.ProviderConfig
	Health   HealthStatus
	// Degraded is set when no provider qualified and the highest-priority
	// one was returned anyway.
	Degraded bool
}

// Router selects providers in priority order, skipping those whose breaker
// is open or whose last health snapshot is unhealthy.
type Router struct {
	logger    *logger.Logger
	providers []config.ProviderConfig // ascending priority, enabled only

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
	bcfg     breaker.Config

	health *HealthDaemon // may be nil; then health snapshots are ignored
}

// NewRouter creates a provider router. health may be nil when probing is
// not running (tests).
func NewRouter(providers []config.ProviderConfig, bcfg breaker.Config, health *HealthDaemon, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		logger:    log.WithFields(zap.String("component", "provider-router")),
		providers: sortByPriority(providers),
		breakers:  make(map[string]*breaker.Breaker),
		bcfg:      bcfg,
		health:    health,
	}
}

// Breaker returns the breaker for a provider, creating it on first use.
func (r *Router) Breaker(providerName string) *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerName]
	if !ok {
		b = breaker.New(providerName, r.bcfg)
		r.breakers[providerName] = b
	}
	return b
}

// GetEnabledProviders returns enabled providers in ascending priority order.
func (r *Router) GetEnabledProviders() []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(r.providers))
	copy(out, r.providers)
	return out
}

// SelectProvider returns the highest-priority provider whose breaker is not
// open and whose last health snapshot (if any) is healthy. If none
// qualifies, the highest-priority provider is returned with Degraded set.
func (r *Router) SelectProvider() (Selection, bool) {
	if len(r.providers) == 0 {
		return Selection{}, false
	}

	for _, p := range r.providers {
		if r.Breaker(p.Name).State() == breaker.StateOpen {
			continue
		}
		h, ok := r.healthOf(p.Name)
		if ok && !h.Healthy {
			continue
		}
		return Selection{Provider: p, Health: h}, true
	}

	// Degraded: everything is open or unhealthy. Try the primary anyway so
	// a recovered provider is discovered without waiting for a probe tick.
	p := r.providers[0]
	h, _ := r.healthOf(p.Name)
	r.logger.Warn("no healthy provider available, degrading to primary",
		zap.String("provider", p.Name))
	return Selection{Provider: p, Health: h, Degraded: true}, true
}

// Usable reports whether a provider should be attempted right now.
func (r *Router) Usable(providerName string) bool {
	if r.Breaker(providerName).State() == breaker.StateOpen {
		return false
	}
	if h, ok := r.healthOf(providerName); ok && !h.Healthy {
		return false
	}
	return true
}

// Execute runs fn for the named provider under its circuit breaker and
// records the outcome. Rejected calls fail with breaker.ErrCircuitOpen
// without invoking fn.
func (r *Router) Execute(ctx context.Context, providerName string, fn func(ctx context.Context) error) error {
	return r.Breaker(providerName).Execute(ctx, fn)
}

// RecordResult drives the breaker for a provider. Executors report every
// failure here so that fallback does not loop on a dead primary.
func (r *Router) RecordResult(providerName string, ok bool) {
	b := r.Breaker(providerName)
	if ok {
		b.RecordSuccess()
		return
	}
	b.RecordFailure()
}

// RecordSuccess implements the executor's ResultRecorder interface.
func (r *Router) RecordSuccess(providerName string) { r.RecordResult(providerName, true) }

// RecordFailure implements the executor's ResultRecorder interface.
func (r *Router) RecordFailure(providerName string) { r.RecordResult(providerName, false) }

// Snapshots returns breaker snapshots for all providers, for the status API.
func (r *Router) Snapshots() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, r.Breaker(p.Name).Snapshot())
	}
	return out
}

func (r *Router) healthOf(providerName string) (HealthStatus, bool) {
	if r.health == nil {
		return HealthStatus{}, false
	}
	return r.health.Status(providerName)
}
