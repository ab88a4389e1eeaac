// ABOUTME: Error taxonomy for completion sessions
// ABOUTME: Terminal kinds surface as statuses; transient kinds are absorbed by the retry policy

package session

import "errors"

var (
	// ErrSessionActive is returned by Start when a session is already in flight.
	ErrSessionActive = errors.New("session already active")

	// ErrAuth marks an invalid or expired credential. Never retried.
	ErrAuth = errors.New("authentication rejected")
	// ErrQuota marks a rate-limit rejection. Never retried.
	ErrQuota = errors.New("rate limit exceeded")
	// ErrServer marks a 5xx or malformed response. Retried up to the ceiling.
	ErrServer = errors.New("server error")
	// ErrEmptyStream marks a stream that ended with no content. Retried.
	ErrEmptyStream = errors.New("stream produced no content")
	// ErrStalled marks keep-alive silence past the threshold. Retried.
	ErrStalled = errors.New("stream stalled")
	// ErrTimeout marks the wall-clock ceiling. Terminal regardless of retries.
	ErrTimeout = errors.New("session timed out")
	// ErrCancelled marks user-initiated cancellation, distinguished from failure.
	ErrCancelled = errors.New("cancelled by user")
	// ErrTransport marks an unreachable network, checked before starting.
	ErrTransport = errors.New("network unreachable")
)
