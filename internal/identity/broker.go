// ABOUTME: Point-to-point request/response broker between contexts
// ABOUTME: One-shot requests routed by kind, responses matched by request ID

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Request kinds understood by a bound identity.
const (
	KindGetCredential = "get-credential"
	KindGetContextID  = "get-context-id"
)

// ErrNoHandler indicates no handler is registered for a request kind.
var ErrNoHandler = errors.New("no handler for request kind")

// Request is a one-shot question from one context to another.
type Request struct {
	ID      string
	Kind    string
	Payload string
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	RequestID string
	Payload   string
	Err       string
}

// HandlerFunc answers a request. The returned string becomes the
// response payload.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

// Broker routes one-shot requests to registered handlers and delivers
// each response back to exactly the caller that asked. Unlike the store's
// broadcast channel, nothing here fans out: a response for an unknown or
// already-settled request is logged and dropped.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	pending  map[string]chan Response
	logger   *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[string]chan Response),
		logger:   logger.With("component", "identity"),
	}
}

// Handle registers the handler for a request kind, replacing any
// previous registration.
func (b *Broker) Handle(kind string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = fn
}

// Request sends a one-shot request and waits for its response or
// context cancellation.
func (b *Broker) Request(ctx context.Context, kind, payload string) (string, error) {
	b.mu.RLock()
	fn, ok := b.handlers[kind]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}

	req := Request{ID: uuid.New().String(), Kind: kind, Payload: payload}

	ch := make(chan Response, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer b.closeRequest(req.ID)

	go func() {
		p, err := fn(ctx, req)
		resp := Response{RequestID: req.ID, Payload: p}
		if err != nil {
			resp.Err = err.Error()
		}
		b.deliver(resp)
	}()

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return "", errors.New(resp.Err)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliver routes a response to its waiting request. Late or duplicate
// responses are dropped.
func (b *Broker) deliver(resp Response) {
	b.mu.RLock()
	ch, ok := b.pending[resp.RequestID]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("response for unknown request", "request_id", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
		b.logger.Warn("duplicate response dropped", "request_id", resp.RequestID)
	}
}

func (b *Broker) closeRequest(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
