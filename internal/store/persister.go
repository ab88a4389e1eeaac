// ABOUTME: Persister interface for snapshot storage backends
// ABOUTME: Implemented by SQLitePersister and BoltPersister

package store

import (
	"context"
	"errors"
)

// ErrNoSnapshot is returned by Load when nothing has been persisted yet.
var ErrNoSnapshot = errors.New("no snapshot persisted")

// Persister stores the single shared snapshot durably. Save bumps an
// opaque revision counter so that out-of-process contexts can poll
// Revision cheaply instead of re-reading the full payload.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Revision(ctx context.Context) (int64, error)
	Close() error
}
