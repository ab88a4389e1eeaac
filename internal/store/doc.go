// Package store holds the shared conversation state that every front-end
// context observes and mutates.
//
// # Architecture
//
// One Snapshot is the authoritative record: all conversations, the current
// conversation id, a monotonic lastUpdate stamp, and the id of the last
// writing context. The Store owns an in-memory copy and persists it through
// a Persister after every mutation (debounced during streaming).
//
// Two Persister backends are provided:
//
//   - SQLitePersister: single-row table with a revision counter (default)
//   - BoltPersister: single bucket with payload and revision keys
//
// # Change propagation
//
// In-process subscribers receive Change values through Subscribe, a
// buffered fan-out that drops rather than blocks on slow consumers.
// Out-of-process contexts run Watch, which polls the persisted revision
// counter and applies newer snapshots via ApplyRemote. ApplyRemote rejects
// echoes of a context's own writes (structural equality) and stale copies
// (lastUpdate not newer), so every context converges without redundant
// re-renders.
//
// # Eviction
//
// When the encoded snapshot exceeds the configured ceiling, conversations
// are truncated to the most recently updated Retention entries. The calling
// context's current conversation is never evicted while others remain; if
// its id has vanished entirely, the context switches to the newest survivor.
package store
