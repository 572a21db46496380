package build

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper evicts sessions that have been idle too long.
type Sweeper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(registry *Registry, timeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep()
		}
	}
}

// Sweep evicts every session idle past the timeout and returns how many.
func (sw *Sweeper) Sweep() int {
	now := sw.registry.Now()
	evicted := 0
	for _, s := range sw.registry.List() {
		idle := now.Sub(s.LastActivity())
		if idle <= sw.timeout {
			continue
		}
		sw.registry.Evict(s, "Session expired due to inactivity")
		sw.logger.Info("session expired",
			"session_id", s.ShortID(),
			"idle_minutes", int(idle.Minutes()),
			"phase", s.Phase().String(),
		)
		evicted++
	}
	if evicted > 0 {
		sw.logger.Info("sweep complete", "evicted", evicted, "active", sw.registry.ActiveCount())
	}
	return evicted
}
