// ABOUTME: SQLite implementation of the Persister interface using modernc.org/sqlite
// ABOUTME: Single-row snapshot table with a revision counter, WAL mode, schema on open

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores the snapshot in a single-row SQLite table.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the snapshot database at path.
// Parent directories are created if needed.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode so reader contexts don't block the writing context
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			revision INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite snapshot store initialized", "path", path)
	return &SQLitePersister{db: db, logger: logger}, nil
}

// Load reads the persisted snapshot. Returns ErrNoSnapshot if none exists.
func (p *SQLitePersister) Load(ctx context.Context) (*Snapshot, error) {
	var payload string
	err := p.db.QueryRowContext(ctx, "SELECT payload FROM snapshot WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Save persists the snapshot and bumps the revision counter.
func (p *SQLitePersister) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshot (id, revision, payload, updated_at)
		VALUES (1, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = revision + 1,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Revision returns the current revision counter, 0 when nothing is persisted.
func (p *SQLitePersister) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := p.db.QueryRowContext(ctx, "SELECT revision FROM snapshot WHERE id = 1").Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading revision: %w", err)
	}
	return rev, nil
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
