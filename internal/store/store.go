// ABOUTME: SharedConversationStore - authoritative in-memory snapshot with durable saves
// ABOUTME: Local mutation, debounced persistence, eviction, and change fan-out

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned by Update for an unknown conversation id.
var ErrConversationNotFound = errors.New("conversation not found")

// DefaultTitle is the placeholder title of a conversation before its first
// user message names it.
const DefaultTitle = "New conversation"

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
	// maxCancellations bounds the cancellation-notice history in the snapshot.
	maxCancellations = 20
)

// Options tune persistence and eviction.
type Options struct {
	// MaxEncodedBytes triggers eviction when the encoded snapshot exceeds it.
	// Zero disables eviction.
	MaxEncodedBytes int
	// Retention is the number of conversations kept after eviction.
	Retention int
	// SaveDebounce coalesces rapid streaming updates into at most one
	// persist per interval. Terminal updates always persist immediately.
	SaveDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxEncodedBytes == 0 {
		o.MaxEncodedBytes = 256 * 1024
	}
	if o.Retention <= 0 {
		o.Retention = 10
	}
	if o.SaveDebounce <= 0 {
		o.SaveDebounce = time.Second
	}
	return o
}

// Change is delivered to subscribers after every snapshot mutation.
type Change struct {
	Snapshot *Snapshot // deep copy, safe to retain
	Origin   string    // context id of the writing context
}

// Store is the shared conversation state for one context. Mutations apply
// to the in-memory snapshot first, then persist; persistence failures are
// reported but never corrupt memory, so the caller can keep operating
// against the in-memory state.
type Store struct {
	p         Persister
	contextID string
	opts      Options
	logger    *slog.Logger

	mu        sync.Mutex
	snap      *Snapshot
	dirty     bool
	saveTimer *time.Timer

	subMu sync.RWMutex
	subs  map[string]chan Change
}

// New loads the persisted snapshot (bootstrapping a first conversation if
// none exists) and returns a store bound to the given context id.
func New(ctx context.Context, p Persister, contextID string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		p:         p,
		contextID: contextID,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "store"),
		subs:      make(map[string]chan Change),
	}

	snap, err := p.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		snap = &Snapshot{OwnerContextID: contextID}
	case err != nil:
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	s.snap = snap

	if len(s.snap.Conversations) == 0 {
		s.mu.Lock()
		s.createConversationLocked(DefaultTitle)
		if err := s.persistLocked(ctx); err != nil {
			s.logger.Error("initial persist failed", "error", err)
		}
		s.mu.Unlock()
	} else if s.snap.Conversation(s.snap.CurrentConversationID) == nil {
		// Persisted current id may point at an evicted conversation
		s.mu.Lock()
		s.snap.CurrentConversationID = s.newestConversationLocked().ID
		s.mu.Unlock()
	}

	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// CurrentConversation returns a copy of the context's current conversation.
func (s *Store) CurrentConversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.snap.Conversation(s.snap.CurrentConversationID)
	if conv == nil {
		return nil
	}
	snap := &Snapshot{Conversations: []Conversation{*conv}}
	return &snap.Clone().Conversations[0]
}

// NewConversation creates an empty conversation, makes it current, and
// persists. Returns the new conversation's id.
func (s *Store) NewConversation(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	id := s.createConversationLocked(title)
	err := s.persistLocked(ctx)
	change := s.changeLocked()
	s.mu.Unlock()

	s.publish(change)
	return id, err
}

// DeleteConversation removes a conversation. If it was current, the context
// switches to the most recently updated remaining conversation, creating a
// fresh one when none remain.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	kept := s.snap.Conversations[:0]
	found := false
	for _, conv := range s.snap.Conversations {
		if conv.ID == id {
			found = true
			continue
		}
		kept = append(kept, conv)
	}
	if !found {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.snap.Conversations = kept

	if s.snap.CurrentConversationID == id {
		if len(s.snap.Conversations) == 0 {
			s.createConversationLocked(DefaultTitle)
		} else {
			s.snap.CurrentConversationID = s.newestConversationLocked().ID
		}
	}
	s.touchLocked(nil)
	err := s.persistLocked(ctx)
	change := s.changeLocked()
	s.mu.Unlock()

	s.publish(change)
	return err
}

// SetCurrent switches the context's current conversation.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.snap.Conversation(id) == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.snap.CurrentConversationID = id
	s.touchLocked(nil)
	err := s.persistLocked(ctx)
	change := s.changeLocked()
	s.mu.Unlock()

	s.publish(change)
	return err
}

// Update applies a pure mutator to one conversation and persists
// immediately. The in-memory state keeps the mutation even when the
// persist fails; the error is returned for reporting.
func (s *Store) Update(ctx context.Context, id string, mutate func(*Conversation)) error {
	return s.update(ctx, id, mutate, false)
}

// UpdateStreaming is Update with debounced persistence, for the rapid
// delta pushes of an in-flight session. Subscribers still see every
// update; only the durable save is coalesced.
func (s *Store) UpdateStreaming(ctx context.Context, id string, mutate func(*Conversation)) error {
	return s.update(ctx, id, mutate, true)
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Conversation), debounce bool) error {
	s.mu.Lock()
	conv := s.snap.Conversation(id)
	if conv == nil {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	mutate(conv)
	s.touchLocked(conv)

	var err error
	if debounce {
		s.scheduleSaveLocked()
	} else {
		err = s.persistLocked(ctx)
	}
	change := s.changeLocked()
	s.mu.Unlock()

	s.publish(change)
	return err
}

// RecordCancellation appends a cancellation notice to the snapshot so that
// every context learns a session ended early.
func (s *Store) RecordCancellation(ctx context.Context, notice CancellationNotice) error {
	s.mu.Lock()
	s.snap.Cancellations = append(s.snap.Cancellations, notice)
	if len(s.snap.Cancellations) > maxCancellations {
		s.snap.Cancellations = s.snap.Cancellations[len(s.snap.Cancellations)-maxCancellations:]
	}
	s.touchLocked(nil)
	err := s.persistLocked(ctx)
	change := s.changeLocked()
	s.mu.Unlock()

	s.publish(change)
	return err
}

// Save forces a durable write of the current snapshot.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	err := s.persistLocked(ctx)
	s.mu.Unlock()
	return err
}

// Flush persists pending debounced changes, if any.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked(ctx)
}

// ApplyRemote replaces local state with a snapshot observed through the
// change channel of another context. Returns false (and does nothing)
// when the incoming snapshot is structurally identical, which suppresses
// redundant re-renders from a context's own writes echoing back.
func (s *Store) ApplyRemote(incoming *Snapshot) bool {
	s.mu.Lock()
	if incoming.Equal(s.snap) {
		s.mu.Unlock()
		return false
	}
	// A reloaded copy of our own earlier persist must not roll back
	// in-memory updates that are still waiting on the save debounce.
	// Equal stamps with different content mean two contexts wrote within
	// one clock tick; the higher context id wins on both sides so they
	// settle on the same copy.
	if !incoming.LastUpdate.After(s.snap.LastUpdate) {
		tied := incoming.LastUpdate.Equal(s.snap.LastUpdate) &&
			incoming.OwnerContextID > s.snap.OwnerContextID
		if !tied {
			s.mu.Unlock()
			return false
		}
	}
	s.snap = incoming.Clone()
	change := Change{Snapshot: incoming.Clone(), Origin: incoming.OwnerContextID}
	s.mu.Unlock()

	s.publish(change)
	return true
}

// Subscribe registers a change listener. Returns a channel and a
// subscription id; the subscription is removed when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	s.subMu.Lock()
	s.subs[subID] = ch
	s.subMu.Unlock()

	s.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		s.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch, ok := s.subs[subID]
	if !ok {
		return
	}
	delete(s.subs, subID)
	close(ch)

	s.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close flushes pending writes and closes all subscriber channels.
func (s *Store) Close() {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.dirty {
		if err := s.persistLocked(context.Background()); err != nil {
			s.logger.Error("final flush failed", "error", err)
		}
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
}

// --- internals, all called with s.mu held unless noted ---

func (s *Store) createConversationLocked(title string) string {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	conv := Conversation{
		ID:         uuid.New().String(),
		Title:      title,
		CreatedAt:  now,
		LastUpdate: now,
	}
	s.snap.Conversations = append(s.snap.Conversations, conv)
	s.snap.CurrentConversationID = conv.ID
	s.touchLocked(nil)
	return conv.ID
}

// touchLocked advances the snapshot clock monotonically and stamps the
// writing context.
func (s *Store) touchLocked(conv *Conversation) {
	now := time.Now().UTC()
	if !now.After(s.snap.LastUpdate) {
		now = s.snap.LastUpdate.Add(time.Millisecond)
	}
	if conv != nil {
		conv.LastUpdate = now
	}
	s.snap.LastUpdate = now
	s.snap.OwnerContextID = s.contextID
}

func (s *Store) newestConversationLocked() *Conversation {
	var newest *Conversation
	for i := range s.snap.Conversations {
		c := &s.snap.Conversations[i]
		if newest == nil || c.LastUpdate.After(newest.LastUpdate) {
			newest = c
		}
	}
	return newest
}

func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.opts.SaveDebounce, func() {
		s.mu.Lock()
		s.saveTimer = nil
		if !s.dirty {
			s.mu.Unlock()
			return
		}
		if err := s.persistLocked(context.Background()); err != nil {
			s.logger.Error("debounced persist failed", "error", err)
		}
		s.mu.Unlock()
	})
}

func (s *Store) persistLocked(ctx context.Context) error {
	s.evictLocked()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.dirty = false

	if err := s.p.Save(ctx, s.snap); err != nil {
		// In-memory state stays authoritative; the caller keeps operating
		s.logger.Error("persist failed, continuing in memory", "error", err)
		return err
	}
	return nil
}

// evictLocked truncates to the most recently updated conversations when
// the encoded snapshot exceeds the size ceiling. The calling context's
// current conversation is never evicted while others remain.
func (s *Store) evictLocked() {
	if s.opts.MaxEncodedBytes <= 0 || len(s.snap.Conversations) <= 1 {
		return
	}
	payload, err := json.Marshal(s.snap)
	if err != nil || len(payload) <= s.opts.MaxEncodedBytes {
		return
	}

	convs := make([]Conversation, len(s.snap.Conversations))
	copy(convs, s.snap.Conversations)
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastUpdate.After(convs[j].LastUpdate)
	})

	keep := s.opts.Retention
	if keep > len(convs) {
		keep = len(convs)
	}
	kept := convs[:keep]

	currentID := s.snap.CurrentConversationID
	currentKept := false
	for _, c := range kept {
		if c.ID == currentID {
			currentKept = true
			break
		}
	}
	if !currentKept {
		if cur := s.snap.Conversation(currentID); cur != nil {
			// Swap the oldest survivor for the open conversation
			kept[len(kept)-1] = *cur
		} else if len(kept) > 0 {
			s.snap.CurrentConversationID = kept[0].ID
		}
	}

	evicted := len(s.snap.Conversations) - len(kept)
	s.snap.Conversations = kept
	s.logger.Info("evicted stale conversations",
		"evicted", evicted,
		"retained", len(kept))
}

// changeLocked builds the Change value to fan out after the mutation.
func (s *Store) changeLocked() Change {
	return Change{Snapshot: s.snap.Clone(), Origin: s.contextID}
}

// publish fans a change out to all subscribers. Non-blocking: changes are
// dropped for subscribers whose channels are full. The read lock is held
// across the sends; Unsubscribe closes channels under the write lock, so
// a send can never interleave with a close.
func (s *Store) publish(change Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.logger.Debug("dropped change for slow subscriber")
		}
	}
}
