package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spawnd/spawnd/internal/common/logger"
)

// shutdownGrace bounds how long in-flight probes may finish on Stop.
const shutdownGrace = 5 * time.Second

// HealthDaemon periodically probes each configured provider and publishes
// the results to a shared snapshot consumed by the Router.
type HealthDaemon struct {
	logger   *logger.Logger
	interval time.Duration
	timeout  time.Duration
	probers  map[string]Prober

	mu       sync.RWMutex
	statuses map[string]HealthStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthDaemon creates a daemon probing the given providers.
func NewHealthDaemon(probers map[string]Prober, interval, timeout time.Duration, log *logger.Logger) *HealthDaemon {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthDaemon{
		logger:   log.WithFields(zap.String("component", "health-daemon")),
		interval: interval,
		timeout:  timeout,
		probers:  probers,
		statuses: make(map[string]HealthStatus),
	}
}

// Start begins periodic probing. An immediate first round runs before the
// ticker so the router has data at boot.
func (d *HealthDaemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)

		d.probeAll(ctx)

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.probeAll(ctx)
			}
		}
	}()
}

// Stop cancels probing and waits for in-flight probes within the grace
// window, then abandons them.
func (d *HealthDaemon) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	select {
	case <-d.done:
	case <-time.After(shutdownGrace):
		d.logger.Warn("health probes did not finish within grace window")
	}
}

// probeAll probes every provider concurrently and stores the results.
func (d *HealthDaemon) probeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for name, prober := range d.probers {
		name, prober := name, prober
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			status := prober.HealthCheck(probeCtx)
			status.CheckedAt = time.Now()

			d.mu.Lock()
			d.statuses[name] = status
			d.mu.Unlock()

			if !status.Healthy {
				d.logger.Warn("provider unhealthy",
					zap.String("provider", name),
					zap.String("error", status.Error))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Status returns the last snapshot for a provider.
func (d *HealthDaemon) Status(providerName string) (HealthStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.statuses[providerName]
	return s, ok
}

// Statuses returns a copy of all snapshots, for the status API.
func (d *HealthDaemon) Statuses() map[string]HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]HealthStatus, len(d.statuses))
	for k, v := range d.statuses {
		out[k] = v
	}
	return out
}

// SetStatus overrides a provider snapshot. Test hook.
func (d *HealthDaemon) SetStatus(providerName string, status HealthStatus) {
	d.mu.Lock()
	d.statuses[providerName] = status
	d.mu.Unlock()
}
