// ABOUTME: Revision-polling watcher for cross-context change pickup
// ABOUTME: Reloads the snapshot when another context persists a newer revision

package store

import (
	"context"
	"time"
)

// DefaultWatchInterval is the revision poll cadence. Cross-context
// convergence latency is bounded by one poll interval.
const DefaultWatchInterval = 250 * time.Millisecond

// Watch polls the persister's revision counter and applies remotely
// written snapshots to this store. Each context runs one watcher; a
// context's own writes are filtered out by ApplyRemote's structural
// equality check. Blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	lastRev, err := s.p.Revision(ctx)
	if err != nil {
		s.logger.Debug("initial revision read failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rev, err := s.p.Revision(ctx)
			if err != nil {
				s.logger.Debug("revision poll failed", "error", err)
				continue
			}
			if rev == lastRev {
				continue
			}
			lastRev = rev

			snap, err := s.p.Load(ctx)
			if err != nil {
				s.logger.Debug("snapshot reload failed", "error", err)
				continue
			}
			if s.ApplyRemote(snap) {
				s.logger.Debug("applied remote snapshot",
					"revision", rev,
					"origin", snap.OwnerContextID)
			}
		}
	}
}
