package engine

import (
	"context"
	"log"
	"time"
)

// RunSweeper reclaims expired leases on a ticker until ctx is cancelled.
// Sweep failures are logged and retried on the next tick; a reclaim is part
// of normal operation, never an error surfaced to callers.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := e.leaseTTL() / 3
	if e.Config != nil && e.Config.Server.SweepInterval > 0 {
		interval = e.Config.Server.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := e.ReclaimExpired(ctx)
			if err != nil {
				log.Printf("sweeper: reclaim failed: %v", err)
				continue
			}
			for _, id := range reclaimed {
				log.Printf("sweeper: requeued expired instance %s", id)
			}
		}
	}
}
