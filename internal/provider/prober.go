package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Prober periodically health-checks degraded and disabled providers
// and returns them to healthy when the probe succeeds. Healthy
// providers are left alone; their state is driven by send outcomes.
type Prober struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber creates a prober over the registry.
func NewProber(registry *Registry, interval time.Duration, logger *zap.Logger) *Prober {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		registry: registry,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

// Start runs the probe loop until ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("health prober stopping")
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, entry := range p.registry.Entries() {
		if entry.Health.State() == StateHealthy {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := entry.Sender.HealthCheck(probeCtx)
		cancel()

		if err != nil {
			p.logger.Warn("health probe failed",
				zap.String("provider", entry.Sender.Name()),
				zap.String("state", entry.Health.State().String()),
				zap.Error(err),
			)
			continue
		}

		entry.Health.MarkHealthy()
	}
}
