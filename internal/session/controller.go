// ABOUTME: SessionController - owns one in-flight exchange with the completion endpoint
// ABOUTME: Issues the request, drives the decoder, applies the retry policy, writes store updates

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sidechat/sidechat/internal/retry"
	"github.com/sidechat/sidechat/internal/store"
	"github.com/sidechat/sidechat/internal/stream"
)

// State is the controller's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateSucceeded
	StateCancelled
	StateFailed
)

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateFailed:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateSucceeded:
		return "succeeded"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// CredentialSource supplies the bearer token for the completion endpoint.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Config carries the endpoint parameters and collaborators for a controller.
type Config struct {
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
	Credentials CredentialSource
	HTTPClient  *http.Client
	Policy      retry.Policy
	Logger      *slog.Logger
}

const (
	titleLimit     = 40
	preflightWait  = 3 * time.Second
	readBufferSize = 4096
)

// Controller drives one exchange at a time: it records the user message,
// streams the assistant reply into the store, and settles a terminal
// status. Only one controller actively mutates a conversation's last
// message; starting a second message while one is active is prevented at
// the UI boundary, and Start rejects overlap as a backstop.
type Controller struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	convID string
	done   chan struct{}
}

// New creates a controller bound to a store.
func New(cfg Config, st *store.Store) *Controller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		cfg:    cfg,
		store:  st,
		logger: cfg.Logger.With("component", "session"),
		state:  StateIdle,
		done:   done,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed when the current session reaches a
// terminal state. Closed immediately when no session is in flight.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start begins a session for one user message. It records the user
// message and a pending assistant placeholder, then streams the reply
// asynchronously; progress is observable through the store and Done.
// Rejected with ErrSessionActive while a session is in flight.
func (c *Controller) Start(ctx context.Context, conversationID, prompt string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrSessionActive
	}
	sctx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.cancel = cancel
	c.convID = conversationID
	c.done = make(chan struct{})
	c.mu.Unlock()

	started := time.Now()
	loadingStart := started

	// Record first, then act: the user message is in the store before
	// the first byte goes out.
	err := c.store.Update(sctx, conversationID, func(conv *store.Conversation) {
		if conv.Title == "" || conv.Title == store.DefaultTitle {
			conv.Title = deriveTitle(prompt)
		}
		conv.Messages = append(conv.Messages,
			store.Message{Role: store.RoleUser, Content: prompt, Timestamp: started},
			store.Message{Role: store.RoleAssistant, Timestamp: started,
				Status: &store.Status{Phase: store.PhasePending, Text: "connecting", LoadingStartTime: &loadingStart}},
		)
	})
	if errors.Is(err, store.ErrConversationNotFound) {
		cancel()
		c.mu.Lock()
		c.state = StateIdle
		done := c.done
		c.mu.Unlock()
		close(done)
		return err
	}
	if err != nil {
		// Persistence failure: memory is still good, keep going
		c.logger.Error("recording user message failed", "error", err)
	}

	history := c.historyFor(conversationID)
	go c.run(sctx, started, history)
	return nil
}

// Cancel aborts the transport and forces an immediate transition to the
// cancelled terminal state. Valid while connecting or streaming; a no-op
// otherwise.
func (c *Controller) Cancel() {
	c.mu.Lock()
	active := c.state == StateConnecting || c.state == StateStreaming
	c.mu.Unlock()
	if !active {
		return
	}
	c.finishCancelled()
}

// --- session execution ---

func (c *Controller) run(ctx context.Context, started time.Time, history []stream.ChatMessage) {
	if err := c.preflight(ctx); err != nil {
		if ctx.Err() != nil {
			c.finishCancelled()
			return
		}
		c.finishFailed(err)
		return
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		got, err := c.attempt(ctx, started, attempt, history)
		switch {
		case err == nil:
			c.finishSucceeded()
			return
		case errors.Is(err, ErrCancelled):
			c.finishCancelled()
			return
		case errors.Is(err, ErrAuth), errors.Is(err, ErrQuota), errors.Is(err, ErrTimeout):
			c.finishFailed(err)
			return
		case got:
			// Content is already on screen; a retry would duplicate it
			c.finishFailed(err)
			return
		}
		lastErr = err

		d := c.cfg.Policy.Decide(retry.Sample{
			Attempts:    attempt,
			StreamEnded: true,
			Elapsed:     time.Since(started),
		})
		if d.Action != retry.ActionRetry {
			c.finishFailed(c.giveUpError(d, lastErr))
			return
		}
		c.logger.Info("retrying session",
			"attempt", attempt,
			"error", lastErr)

		select {
		case <-time.After(c.cfg.Policy.RetryDelay):
		case <-ctx.Done():
			c.finishCancelled()
			return
		}
	}
}

// attempt performs one request/stream cycle. It returns nil on a stream
// that delivered content and finished, or a taxonomy error otherwise;
// got reports whether any content reached the store.
func (c *Controller) attempt(ctx context.Context, started time.Time, attempt int, history []stream.ChatMessage) (got bool, err error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	key, err := c.cfg.Credentials.Credential(actx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	body, err := json.Marshal(stream.ChatRequest{
		Model:       c.cfg.Model,
		Messages:    history,
		Stream:      true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return false, fmt.Errorf("%w: encoding request: %v", ErrServer, err)
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: building request: %v", ErrServer, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ErrCancelled
		}
		// Transport failure mid-session behaves as a server error
		return false, fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, c.statusError(resp)
	}

	c.markStreaming()

	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-actx.Done():
					return
				}
			}
			if rerr != nil {
				readErr <- rerr
				return
			}
		}
	}()

	dec := stream.NewDecoder(c.logger)
	var content strings.Builder
	lastAlive := time.Now()

	ticker := time.NewTicker(c.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return got, ErrCancelled

		case chunk := <-chunks:
			for f, ok := feedNext(dec, chunk); ok; f, ok = dec.Next() {
				switch f.Kind {
				case stream.FrameContentDelta:
					got = true
					lastAlive = time.Now()
					content.WriteString(f.Text)
					c.pushDelta(actx, content.String(), started)
				case stream.FrameKeepAlive:
					lastAlive = time.Now()
				case stream.FrameDone:
					if got {
						return true, nil
					}
					return false, ErrEmptyStream
				}
			}

		case rerr := <-readErr:
			if ctx.Err() != nil {
				return got, ErrCancelled
			}
			if errors.Is(rerr, io.EOF) {
				// Stream closed without the end sentinel
				if got {
					return true, nil
				}
				return false, ErrEmptyStream
			}
			return got, fmt.Errorf("%w: %v", ErrServer, rerr)

		case <-ticker.C:
			// Wall-clock enforcement happens here, at decode cadence;
			// no separate timer thread.
			d := c.cfg.Policy.Decide(retry.Sample{
				Attempts:        attempt,
				ReceivedContent: got,
				Elapsed:         time.Since(started),
				SinceKeepAlive:  time.Since(lastAlive),
			})
			switch d.Action {
			case retry.ActionRetry:
				return got, ErrStalled
			case retry.ActionGiveUp:
				if d.Cause == retry.CauseTimeout {
					return got, fmt.Errorf("%w: %s", ErrTimeout, d.Reason)
				}
				return got, fmt.Errorf("%w: %s", ErrStalled, d.Reason)
			}
		}
	}
}

// feedNext feeds a chunk and pulls the first frame in one step.
func feedNext(dec *stream.Decoder, chunk []byte) (stream.Frame, bool) {
	dec.Feed(chunk)
	return dec.Next()
}

// preflight verifies the endpoint host is reachable before the first
// attempt, so an offline client fails fast with a distinct error.
func (c *Controller) preflight(ctx context.Context) error {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint: %v", ErrTransport, err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	d := net.Dialer{Timeout: preflightWait}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	conn.Close()
	return nil
}

func (c *Controller) statusError(resp *http.Response) error {
	msg := "status " + resp.Status
	var envelope stream.ErrorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuota, msg)
	default:
		return fmt.Errorf("%w: %s", ErrServer, msg)
	}
}

func (c *Controller) giveUpError(d retry.Decision, lastErr error) error {
	if d.Cause == retry.CauseTimeout {
		return fmt.Errorf("%w: %s", ErrTimeout, d.Reason)
	}
	if lastErr == nil {
		lastErr = ErrEmptyStream
	}
	return fmt.Errorf("%s: %w", d.Reason, lastErr)
}

// tickInterval derives the policy evaluation cadence from the stall
// threshold, bounded to keep tests fast and production cheap.
func (c *Controller) tickInterval() time.Duration {
	t := c.cfg.Policy.StallThreshold / 4
	if t < 10*time.Millisecond {
		t = 10 * time.Millisecond
	}
	if t > 250*time.Millisecond {
		t = 250 * time.Millisecond
	}
	return t
}

func (c *Controller) markStreaming() {
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateStreaming
	}
	c.mu.Unlock()
}

// pushDelta writes accumulated content with a streaming status. Skipped
// once the session left the streaming state so a racing late delta can
// never overwrite a terminal status.
func (c *Controller) pushDelta(ctx context.Context, text string, started time.Time) {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	convID := c.convID
	c.mu.Unlock()

	loadingStart := started
	if err := c.store.UpdateStreaming(ctx, convID, func(conv *store.Conversation) {
		msg := conv.LastMessage()
		if msg == nil || msg.Role != store.RoleAssistant {
			return
		}
		if msg.Status != nil && msg.Status.Phase.Terminal() {
			return
		}
		msg.Content = text
		msg.Status = &store.Status{
			Phase:            store.PhaseStreaming,
			Text:             "streaming",
			LoadingStartTime: &loadingStart,
		}
	}); err != nil {
		c.logger.Debug("delta update not persisted", "error", err)
	}
}

// finish transitions to a terminal state exactly once, writes the terminal
// status, and releases Done waiters. Later calls are no-ops, which is what
// wins the race between Cancel and the session goroutine.
func (c *Controller) finish(state State, status store.Status, fallbackContent string) bool {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateStreaming {
		c.mu.Unlock()
		return false
	}
	c.state = state
	convID := c.convID
	done := c.done
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := c.store.Update(context.Background(), convID, func(conv *store.Conversation) {
		msg := conv.LastMessage()
		if msg == nil || msg.Role != store.RoleAssistant {
			return
		}
		if msg.Status != nil && msg.Status.Phase.Terminal() {
			return
		}
		st := status
		if msg.Status != nil && msg.Status.LoadingStartTime != nil {
			st.LoadingStartTime = msg.Status.LoadingStartTime
		}
		msg.Status = &st
		if msg.Content == "" && fallbackContent != "" {
			msg.Content = fallbackContent
		}
	}); err != nil {
		c.logger.Error("terminal status not persisted", "error", err)
	}

	close(done)
	return true
}

func (c *Controller) finishSucceeded() {
	c.logger.Info("session succeeded", "conversation_id", c.convID)
	c.finish(StateSucceeded, store.Status{Phase: store.PhaseSuccess, Text: "done"}, "")
}

func (c *Controller) finishFailed(err error) {
	c.logger.Error("session failed", "conversation_id", c.convID, "error", err)
	c.finish(StateFailed, store.Status{Phase: store.PhaseError, Text: err.Error()}, err.Error())
}

func (c *Controller) finishCancelled() {
	const reason = "user cancelled"
	c.mu.Lock()
	convID := c.convID
	c.mu.Unlock()

	if !c.finish(StateCancelled, store.Status{Phase: store.PhaseWarning, Text: reason}, "") {
		return
	}
	if err := c.store.RecordCancellation(context.Background(), store.CancellationNotice{
		ConversationID: convID,
		Reason:         reason,
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		c.logger.Debug("cancellation notice not persisted", "error", err)
	}
	c.logger.Info("session cancelled", "conversation_id", convID)
}

// historyFor assembles the message history sent as request context:
// user turns plus settled successful assistant turns.
func (c *Controller) historyFor(convID string) []stream.ChatMessage {
	snap := c.store.Snapshot()
	conv := snap.Conversation(convID)
	if conv == nil {
		return nil
	}

	var out []stream.ChatMessage
	for _, m := range conv.Messages {
		switch m.Role {
		case store.RoleUser:
			out = append(out, stream.ChatMessage{Role: stream.RoleUser, Content: m.Content})
		case store.RoleAssistant:
			if m.Content == "" {
				continue
			}
			if m.Status != nil && m.Status.Phase != store.PhaseSuccess {
				continue
			}
			out = append(out, stream.ChatMessage{Role: stream.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

func deriveTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > titleLimit {
		title = string(runes[:titleLimit]) + "…"
	}
	if title == "" {
		title = store.DefaultTitle
	}
	return title
}
