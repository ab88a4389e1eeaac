// ABOUTME: Tests for the session controller state machine
// ABOUTME: Streams against httptest endpoints covering success, auth, retry, stall, cancel

package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidechat/sidechat/internal/retry"
	"github.com/sidechat/sidechat/internal/store"
)

type staticCredential string

func (s staticCredential) Credential(ctx context.Context) (string, error) {
	return string(s), nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		StallThreshold: 200 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		SessionCeiling: 5 * time.Second,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p, err := store.NewSQLitePersister(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	s, err := store.New(context.Background(), p, "ctx-test", store.Options{SaveDebounce: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newController(t *testing.T, st *store.Store, endpoint string, policy retry.Policy) *Controller {
	t.Helper()
	return New(Config{
		Endpoint:    endpoint,
		Model:       "deepseek-chat",
		Temperature: 1.0,
		MaxTokens:   2048,
		Credentials: staticCredential("test-key"),
		Policy:      policy,
	}, st)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach a terminal state")
	}
}

func lastAssistant(t *testing.T, st *store.Store, convID string) store.Message {
	t.Helper()
	conv := st.Snapshot().Conversation(convID)
	require.NotNil(t, conv)
	msg := conv.LastMessage()
	require.NotNil(t, msg)
	return *msg
}

func sseDelta(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
}

func TestController_SuccessfulStream(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Hi", " there", "!"} {
			fmt.Fprint(w, sseDelta(chunk))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateSucceeded, c.State())
	assert.Equal(t, "Bearer test-key", gotAuth.Load())

	msg := lastAssistant(t, st, convID)
	assert.Equal(t, "Hi there!", msg.Content)
	require.NotNil(t, msg.Status)
	assert.Equal(t, store.PhaseSuccess, msg.Status.Phase)
	assert.NotNil(t, msg.Status.LoadingStartTime)

	conv := st.Snapshot().Conversation(convID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "hello", conv.Title, "first prompt names the conversation")
}

func TestController_AuthErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(1), requests.Load(), "auth errors must not be retried")

	msg := lastAssistant(t, st, convID)
	require.NotNil(t, msg.Status)
	assert.Equal(t, store.PhaseError, msg.Status.Phase)
	assert.Contains(t, msg.Status.Text, "invalid api key")
	assert.NotEqual(t, store.PhaseStreaming, msg.Status.Phase,
		"no assistant message may settle with streaming status")
}

func TestController_QuotaErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(1), requests.Load())
	assert.Contains(t, lastAssistant(t, st, convID).Status.Text, "rate limited")
}

func TestController_EmptyStreamRetriedToCeiling(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(3), requests.Load(), "silent streams retry up to the ceiling")

	msg := lastAssistant(t, st, convID)
	require.NotNil(t, msg.Status)
	assert.Equal(t, store.PhaseError, msg.Status.Phase)
	assert.Contains(t, msg.Status.Text, "no content after 3 attempts")
}

func TestController_ServerErrorRetriedThenTerminal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, store.PhaseError, lastAssistant(t, st, convID).Status.Phase)
}

func TestController_CancelMidStream(t *testing.T) {
	streaming := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseDelta("partial"))
		flusher.Flush()
		close(streaming)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	<-streaming

	require.Eventually(t, func() bool {
		return c.State() == StateStreaming
	}, time.Second, 5*time.Millisecond)

	c.Cancel()
	waitDone(t, c)

	assert.Equal(t, StateCancelled, c.State())
	msg := lastAssistant(t, st, convID)
	require.NotNil(t, msg.Status)
	assert.Equal(t, store.PhaseWarning, msg.Status.Phase)
	assert.Equal(t, "user cancelled", msg.Status.Text)

	// The cancellation notice reaches every context through the store
	snap := st.Snapshot()
	require.NotEmpty(t, snap.Cancellations)
	assert.Equal(t, convID, snap.Cancellations[len(snap.Cancellations)-1].ConversationID)
}

func TestController_StaleDeltaCannotOverwriteTerminalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseDelta("partial"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	require.Eventually(t, func() bool {
		return lastAssistant(t, st, convID).Content == "partial"
	}, time.Second, 5*time.Millisecond)

	c.Cancel()
	waitDone(t, c)

	// A delta racing in from the aborted request must not revive the message
	c.pushDelta(context.Background(), "partial plus stale tail", time.Now())

	msg := lastAssistant(t, st, convID)
	assert.Equal(t, "partial", msg.Content)
	assert.Equal(t, store.PhaseWarning, msg.Status.Phase)
}

func TestController_StallRetriesThenFails(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// No keep-alives, no content: hold until the client walks away
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.StallThreshold = 80 * time.Millisecond
	c := newController(t, st, srv.URL, policy)

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(2), requests.Load(), "stalled streams retry before giving up")
	assert.Equal(t, store.PhaseError, lastAssistant(t, st, convID).Status.Phase)
}

func TestController_KeepAlivesDeferStallThenTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	policy := fastPolicy()
	policy.SessionCeiling = 300 * time.Millisecond
	c := newController(t, st, srv.URL, policy)

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	msg := lastAssistant(t, st, convID)
	assert.Equal(t, store.PhaseError, msg.Status.Phase)
	assert.Contains(t, msg.Status.Text, "timed out")
}

func TestController_StartRejectedWhileActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	c := newController(t, st, srv.URL, fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "first"))
	assert.ErrorIs(t, c.Start(context.Background(), convID, "second"), ErrSessionActive)

	c.Cancel()
	waitDone(t, c)
}

func TestController_UnreachableEndpointFailsFast(t *testing.T) {
	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID

	// Port 1 is essentially never listening
	c := newController(t, st, "http://127.0.0.1:1", fastPolicy())

	require.NoError(t, c.Start(context.Background(), convID, "hello"))
	waitDone(t, c)

	assert.Equal(t, StateFailed, c.State())
	msg := lastAssistant(t, st, convID)
	assert.Equal(t, store.PhaseError, msg.Status.Phase)
	assert.Contains(t, msg.Status.Text, "network unreachable")
}

func TestController_HistoryExcludesPlaceholderAndFailedTurns(t *testing.T) {
	st := newTestStore(t)
	convID := st.Snapshot().CurrentConversationID
	now := time.Now().UTC()

	require.NoError(t, st.Update(context.Background(), convID, func(conv *store.Conversation) {
		conv.Messages = append(conv.Messages,
			store.Message{Role: store.RoleUser, Content: "q1", Timestamp: now},
			store.Message{Role: store.RoleAssistant, Content: "a1", Timestamp: now,
				Status: &store.Status{Phase: store.PhaseSuccess}},
			store.Message{Role: store.RoleUser, Content: "q2", Timestamp: now},
			store.Message{Role: store.RoleAssistant, Content: "failed reply", Timestamp: now,
				Status: &store.Status{Phase: store.PhaseError}},
			store.Message{Role: store.RoleError, Content: "boom", Timestamp: now},
			store.Message{Role: store.RoleAssistant, Timestamp: now,
				Status: &store.Status{Phase: store.PhasePending}},
		)
	}))

	c := newController(t, st, "http://127.0.0.1:1", fastPolicy())
	history := c.historyFor(convID)

	require.Len(t, history, 3)
	assert.Equal(t, "q1", history[0].Content)
	assert.Equal(t, "a1", history[1].Content)
	assert.Equal(t, "q2", history[2].Content)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "hello world", deriveTitle("hello world"))
	assert.Equal(t, "first line", deriveTitle("first line\nsecond line"))
	assert.Equal(t, store.DefaultTitle, deriveTitle("   "))

	long := deriveTitle("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Equal(t, 41, len([]rune(long)), "40 runes plus ellipsis")
}
