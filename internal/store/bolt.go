// ABOUTME: Bolt implementation of the Persister interface using go.etcd.io/bbolt
// ABOUTME: Single bucket with JSON payload and revision keys

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	snapshotBucket = []byte("snapshot")
	payloadKey     = []byte("payload")
	revisionKey    = []byte("revision")
)

// BoltPersister stores the snapshot in a BoltDB file. Useful where a
// single-file, pure-Go store without SQL is preferred.
type BoltPersister struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltPersister opens (or creates) the snapshot database at path.
func NewBoltPersister(path string) (*BoltPersister, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	logger.Info("Bolt snapshot store initialized", "path", path)
	return &BoltPersister{db: db, logger: logger}, nil
}

// Load reads the persisted snapshot. Returns ErrNoSnapshot if none exists.
func (p *BoltPersister) Load(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		payload := b.Get(payloadKey)
		if payload == nil {
			return ErrNoSnapshot
		}
		var s Snapshot
		if err := json.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save persists the snapshot and bumps the revision counter.
func (p *BoltPersister) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)

		rev := int64(0)
		if raw := b.Get(revisionKey); len(raw) == 8 {
			rev = int64(binary.BigEndian.Uint64(raw))
		}
		rev++

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(rev))
		if err := b.Put(revisionKey, buf); err != nil {
			return err
		}
		return b.Put(payloadKey, payload)
	})
}

// Revision returns the current revision counter, 0 when nothing is persisted.
func (p *BoltPersister) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if raw := b.Get(revisionKey); len(raw) == 8 {
			rev = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return rev, err
}

// Close closes the underlying database.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}
