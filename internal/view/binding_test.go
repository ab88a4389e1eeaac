// ABOUTME: Tests for the view binding and renderers
// ABOUTME: Model building, visible-history cap, echo suppression, markdown fallback

package view

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidechat/sidechat/internal/store"
)

type recordingRenderer struct {
	mu     sync.Mutex
	models []Model
}

func (r *recordingRenderer) Render(m Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, m)
	return nil
}

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.models)
}

func (r *recordingRenderer) latest() Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[len(r.models)-1]
}

func newViewStore(t *testing.T) *store.Store {
	t.Helper()
	p, err := store.NewSQLitePersister(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	s, err := store.New(context.Background(), p, "ctx-view", store.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestBuildModel_CapsVisibleHistory(t *testing.T) {
	now := time.Now().UTC()
	conv := store.Conversation{ID: "c1", Title: "long chat"}
	for i := 0; i < MaxVisibleMessages+7; i++ {
		conv.Messages = append(conv.Messages, store.Message{
			Role: store.RoleUser, Content: fmt.Sprintf("msg %d", i), Timestamp: now,
		})
	}
	snap := &store.Snapshot{Conversations: []store.Conversation{conv}, CurrentConversationID: "c1"}

	m := BuildModel(snap)
	assert.Len(t, m.Messages, MaxVisibleMessages)
	assert.Equal(t, 7, m.Hidden)
	assert.Equal(t, "msg 7", m.Messages[0].Content, "oldest visible message follows the hidden window")
	assert.Equal(t, fmt.Sprintf("msg %d", MaxVisibleMessages+6), m.Messages[len(m.Messages)-1].Content)
}

func TestBuildModel_InputDisabledWhileStreaming(t *testing.T) {
	now := time.Now().UTC()
	snap := &store.Snapshot{
		CurrentConversationID: "c1",
		Conversations: []store.Conversation{{
			ID: "c1",
			Messages: []store.Message{
				{Role: store.RoleUser, Content: "q", Timestamp: now},
				{Role: store.RoleAssistant, Content: "partial", Timestamp: now,
					Status: &store.Status{Phase: store.PhaseStreaming}},
			},
		}},
	}

	assert.False(t, BuildModel(snap).InputEnabled)

	snap.Conversations[0].Messages[1].Status.Phase = store.PhaseSuccess
	assert.True(t, BuildModel(snap).InputEnabled)
}

func TestBuildModel_SwitcherMarksCurrent(t *testing.T) {
	snap := &store.Snapshot{
		CurrentConversationID: "c2",
		Conversations: []store.Conversation{
			{ID: "c1", Title: "first"},
			{ID: "c2", Title: "second"},
		},
	}

	m := BuildModel(snap)
	require.Len(t, m.Conversations, 2)
	assert.False(t, m.Conversations[0].Current)
	assert.True(t, m.Conversations[1].Current)
	assert.Equal(t, "second", m.Title)
}

func TestBinding_RendersOnStoreChange(t *testing.T) {
	st := newViewStore(t)
	rec := &recordingRenderer{}
	b := NewBinding(st, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)

	convID := st.Snapshot().CurrentConversationID
	require.NoError(t, st.Update(ctx, convID, func(conv *store.Conversation) {
		conv.Messages = append(conv.Messages, store.Message{
			Role: store.RoleUser, Content: "hello", Timestamp: time.Now().UTC(),
		})
	}))

	require.Eventually(t, func() bool {
		return rec.count() >= 2 && len(rec.latest().Messages) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", rec.latest().Messages[0].Content)
}

func TestBinding_SuppressesIdenticalModels(t *testing.T) {
	st := newViewStore(t)
	rec := &recordingRenderer{}
	b := NewBinding(st, rec, nil)

	b.Refresh()
	before := rec.count()

	// Same snapshot reduced to the same model must not repaint
	b.apply(st.Snapshot())
	b.apply(st.Snapshot())
	assert.Equal(t, before, rec.count())

	b.Refresh()
	assert.Equal(t, before+1, rec.count(), "explicit refresh always renders")
}

func TestTerminalRenderer_ShowsStatusAndChrome(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRenderer(&buf)

	err := r.Render(Model{
		Title:  "demo",
		Hidden: 3,
		Messages: []store.Message{
			{Role: store.RoleUser, Content: "hi"},
			{Role: store.RoleAssistant, Content: "partial",
				Status: &store.Status{Phase: store.PhaseWarning, Text: "user cancelled"}},
		},
		InputEnabled: false,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "3 earlier messages not shown")
	assert.Contains(t, out, "you> hi")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "[user cancelled]")
	assert.Contains(t, out, "/cancel to abort")
}

func TestHTMLRenderer_ConvertsMarkdownAndEscapes(t *testing.T) {
	var buf bytes.Buffer
	r := NewHTMLRenderer(&buf, nil)

	err := r.Render(Model{
		ConversationID: "c1",
		Title:          "a <b> title",
		Messages: []store.Message{
			{Role: store.RoleUser, Content: "<script>alert(1)</script>"},
			{Role: store.RoleAssistant, Content: "**bold** text"},
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "a &lt;b&gt; title")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "<strong>bold</strong>")
}

func TestRenderMarkdown_FallbackKeepsContent(t *testing.T) {
	// goldmark accepts nearly anything; the fallback path is exercised
	// indirectly, but plain conversion must produce paragraph markup.
	out := RenderMarkdown(nil, "hello *world*")
	assert.Contains(t, out, "<em>world</em>")
}
