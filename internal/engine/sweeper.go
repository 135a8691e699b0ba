package engine

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is the recurring background pass that reclaims expired
// temporary uploads: their disk file, cache entry, and registry record.
// It is independent of the cache's own lazy expiry scan, which only
// covers cached bytes.
type Sweeper struct {
	interval time.Duration
	registry *Registry
	cache    *Cache
	disk     *Disk
}

// NewSweeper returns a sweeper ticking at the given interval.
func NewSweeper(interval time.Duration, registry *Registry, cache *Cache, disk *Disk) *Sweeper {
	return &Sweeper{
		interval: interval,
		registry: registry,
		cache:    cache,
		disk:     disk,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every temporary upload whose lifetime has passed. A
// failure on one upload is logged and does not block reclamation of the
// others; the entry stays registered and is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := time.Now()
	removed := 0

	for _, u := range s.registry.Temporaries() {
		if !u.Expired(now) {
			continue
		}

		if err := s.disk.Delete(u.Name); err != nil {
			slog.Error("Failed to delete expired upload", "name", u.Name, "err", err)
			continue
		}

		s.cache.Remove(u.Name)
		s.registry.Remove(ctx, u.Name)
		removed++

		slog.Info("Reclaimed expired temporary upload", "name", u.Name, "size", u.Size)
	}

	return removed
}
