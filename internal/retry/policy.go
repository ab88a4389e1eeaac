// ABOUTME: Retry policy for streaming completion sessions
// ABOUTME: One parameterized policy replaces the divergent historical timeout variants

package retry

import (
	"fmt"
	"time"
)

// Defaults for the consolidated policy. The session ceiling is 60 seconds:
// the historical sources carried both 30 minutes and 60 seconds, and a reply
// that has produced nothing in a minute is dead for an interactive client.
const (
	DefaultMaxAttempts    = 3
	DefaultStallThreshold = 15 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultSessionCeiling = 60 * time.Second
)

// Action is the policy's verdict for the current sample.
type Action int

const (
	// ActionContinue means keep consuming the stream.
	ActionContinue Action = iota
	// ActionRetry means abort the attempt and re-issue the request.
	ActionRetry
	// ActionGiveUp means stop the session with a terminal failure.
	ActionGiveUp
)

// Cause classifies why a retry or give-up was decided.
type Cause int

const (
	CauseNone Cause = iota
	CauseTimeout
	CauseNoContent
	CauseStall
)

// Decision is the policy output for one sample.
type Decision struct {
	Action Action
	Cause  Cause
	Reason string
}

// Sample captures the observable state of a session at a decision point.
type Sample struct {
	// Attempts is the number of request attempts made so far, including
	// the one currently in flight.
	Attempts int
	// ReceivedContent is true once any content delta has arrived.
	ReceivedContent bool
	// StreamEnded is true when the attempt's stream finished (Done or EOF).
	StreamEnded bool
	// Elapsed is wall-clock time since the session started.
	Elapsed time.Duration
	// SinceKeepAlive is wall-clock time since the last keep-alive,
	// content delta, or attempt start, whichever is most recent.
	SinceKeepAlive time.Duration
}

// Policy decides whether a session should continue, retry, or give up.
// Backoff between retries is a small fixed delay: retries mask dropped or
// empty streams, they do not shield an overloaded server.
type Policy struct {
	MaxAttempts    int
	StallThreshold time.Duration
	RetryDelay     time.Duration
	SessionCeiling time.Duration
}

// Default returns the policy used in production.
func Default() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		StallThreshold: DefaultStallThreshold,
		RetryDelay:     DefaultRetryDelay,
		SessionCeiling: DefaultSessionCeiling,
	}
}

// Decide evaluates a sample. Rules, in precedence order:
//
//  1. Past the wall-clock ceiling the session is over, regardless of
//     retry count.
//  2. Once content has arrived the stream is healthy; nothing to retry.
//  3. A stream that ended silently is treated as a transient failure and
//     retried, up to MaxAttempts.
//  4. Keep-alive silence past the stall threshold is retried the same way.
//
// Authentication and quota rejections never reach the policy; the session
// controller terminates those before any retry decision.
func (p Policy) Decide(s Sample) Decision {
	if s.Elapsed >= p.SessionCeiling {
		return Decision{Action: ActionGiveUp, Cause: CauseTimeout, Reason: "timeout"}
	}

	if s.ReceivedContent {
		return Decision{Action: ActionContinue}
	}

	if s.StreamEnded {
		if s.Attempts >= p.MaxAttempts {
			return Decision{
				Action: ActionGiveUp,
				Cause:  CauseNoContent,
				Reason: fmt.Sprintf("no content after %d attempts", s.Attempts),
			}
		}
		return Decision{Action: ActionRetry, Cause: CauseNoContent, Reason: "empty stream"}
	}

	if s.SinceKeepAlive >= p.StallThreshold {
		if s.Attempts >= p.MaxAttempts {
			return Decision{
				Action: ActionGiveUp,
				Cause:  CauseStall,
				Reason: fmt.Sprintf("no content after %d attempts", s.Attempts),
			}
		}
		return Decision{Action: ActionRetry, Cause: CauseStall, Reason: "stream stalled"}
	}

	return Decision{Action: ActionContinue}
}
