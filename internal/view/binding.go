// ABOUTME: Binds the shared store to a renderer
// ABOUTME: Builds bounded view models and suppresses redundant re-renders

package view

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sidechat/sidechat/internal/store"
)

// MaxVisibleMessages bounds how much history a view renders. Older
// messages stay in the store; only the tail is shown.
const MaxVisibleMessages = 50

// Model is the render-ready projection of the current conversation.
type Model struct {
	ConversationID string          `json:"conversationId"`
	Title          string          `json:"title"`
	Messages       []store.Message `json:"messages"`
	// Hidden counts messages above the visible window.
	Hidden int `json:"hidden"`
	// InputEnabled is false while an assistant reply is still settling.
	InputEnabled bool `json:"inputEnabled"`
	// Conversations lists id/title pairs for the switcher.
	Conversations []Entry `json:"conversations"`
}

// Entry is one row of the conversation switcher.
type Entry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Current bool   `json:"current"`
}

// Renderer consumes view models. The terminal and HTML renderers in this
// package implement it; tests substitute their own.
type Renderer interface {
	Render(m Model) error
}

// Binding projects store changes onto a renderer. Every change is reduced
// to a Model; structurally identical models are dropped so echoes of this
// context's own writes do not repaint the screen.
type Binding struct {
	store    *store.Store
	renderer Renderer
	logger   *slog.Logger

	last []byte
}

// NewBinding creates a binding between a store and a renderer.
func NewBinding(st *store.Store, r Renderer, logger *slog.Logger) *Binding {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binding{
		store:    st,
		renderer: r,
		logger:   logger.With("component", "view"),
	}
}

// Run renders the current state, then re-renders on every store change
// until the context ends.
func (b *Binding) Run(ctx context.Context) error {
	changes, _ := b.store.Subscribe(ctx)

	b.Refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			b.apply(ch.Snapshot)
		}
	}
}

// Refresh unconditionally rebuilds and renders the current model.
func (b *Binding) Refresh() {
	b.last = nil
	b.apply(b.store.Snapshot())
}

func (b *Binding) apply(snap *store.Snapshot) {
	m := BuildModel(snap)

	encoded, err := json.Marshal(m)
	if err == nil {
		if b.last != nil && string(encoded) == string(b.last) {
			return
		}
		b.last = encoded
	}

	if err := b.renderer.Render(m); err != nil {
		b.logger.Error("render failed", "error", err)
	}
}

// BuildModel reduces a snapshot to what the view shows: the tail of the
// current conversation and the switcher entries.
func BuildModel(snap *store.Snapshot) Model {
	m := Model{
		ConversationID: snap.CurrentConversationID,
		InputEnabled:   true,
	}

	for _, conv := range snap.Conversations {
		m.Conversations = append(m.Conversations, Entry{
			ID:      conv.ID,
			Title:   conv.Title,
			Current: conv.ID == snap.CurrentConversationID,
		})
	}

	conv := snap.Conversation(snap.CurrentConversationID)
	if conv == nil {
		return m
	}
	m.Title = conv.Title

	msgs := conv.Messages
	if len(msgs) > MaxVisibleMessages {
		m.Hidden = len(msgs) - MaxVisibleMessages
		msgs = msgs[len(msgs)-MaxVisibleMessages:]
	}
	m.Messages = msgs

	if last := conv.LastMessage(); last != nil && last.Status != nil {
		m.InputEnabled = last.Status.Phase.Terminal()
	}
	return m
}
