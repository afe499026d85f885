package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck returns a CheckFunc that fails when more than threshold
// goroutines are running. Registered as a liveness check it catches goroutine
// leaks before they exhaust memory.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if count := runtime.NumGoroutine(); count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck returns a CheckFunc that fails when any recent
// stop-the-world GC pause exceeds threshold. As a liveness check it surfaces
// memory pressure or a heap grown large enough to stall the process.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)

		for _, pause := range stats.Pause {
			if pause > threshold {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, threshold)
			}
		}
		return nil
	}
}

// Pinger is a dependency that can report its own reachability, such as
// *pgxpool.Pool or the Redis validity cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a CheckFunc pinging p. A nil Pinger always passes, so a
// disabled dependency never fails readiness.
func PingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Ping(ctx); err != nil {
			return errors.Wrapf(err, "ping %s", name)
		}
		return nil
	}
}
