// ABOUTME: Data model for the shared conversation store
// ABOUTME: Conversation, Message, Status, and the persisted Snapshot record

package store

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Phase describes the liveness of the most recent assistant message.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseStreaming Phase = "streaming"
	PhaseSuccess   Phase = "success"
	PhaseWarning   Phase = "warning"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further content mutation is expected.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSuccess, PhaseWarning, PhaseError:
		return true
	}
	return false
}

// Status is the transient liveness record carried by an in-flight
// assistant message. LoadingStartTime lets a subscriber that attaches
// mid-stream reconstruct elapsed time purely from persisted state.
type Status struct {
	Phase            Phase      `json:"phase"`
	Text             string     `json:"text,omitempty"`
	LoadingStartTime *time.Time `json:"loadingStartTime,omitempty"`
}

// Message is one entry in a conversation. Only assistant messages carry
// a Status. Content of an in-progress assistant message is mutated in
// place until its status settles to a terminal phase.
type Message struct {
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Status    *Status   `json:"status,omitempty"`
}

// Conversation is an ordered message history with identity and bookkeeping.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// LastMessage returns a pointer into Messages for in-place mutation,
// or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// CancellationNotice informs all contexts that a session ended early.
// It is persisted with the snapshot and consumed like any other change.
type CancellationNotice struct {
	ConversationID string    `json:"conversationId"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Snapshot is the persisted record shared by all contexts. The schema is
// additive-compatible: readers ignore unknown fields.
type Snapshot struct {
	Conversations         []Conversation       `json:"conversations"`
	CurrentConversationID string               `json:"currentConversationId"`
	LastUpdate            time.Time            `json:"lastUpdate"`
	OwnerContextID        string               `json:"ownerContextId"`
	Cancellations         []CancellationNotice `json:"cancellations,omitempty"`
}

// Conversation returns the conversation with the given id, or nil.
func (s *Snapshot) Conversation(id string) *Conversation {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return &s.Conversations[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can hand snapshots across
// goroutine boundaries without aliasing the store's state.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Conversations = make([]Conversation, len(s.Conversations))
	for i, conv := range s.Conversations {
		cp := conv
		cp.Messages = make([]Message, len(conv.Messages))
		copy(cp.Messages, conv.Messages)
		for j := range cp.Messages {
			if st := cp.Messages[j].Status; st != nil {
				stCopy := *st
				if st.LoadingStartTime != nil {
					t := *st.LoadingStartTime
					stCopy.LoadingStartTime = &t
				}
				cp.Messages[j].Status = &stCopy
			}
		}
		out.Conversations[i] = cp
	}
	out.Cancellations = make([]CancellationNotice, len(s.Cancellations))
	copy(out.Cancellations, s.Cancellations)
	return &out
}

// Equal is the structural inequality check used to suppress redundant
// re-renders when a context's own write echoes back. Snapshots are
// compared by canonical encoding so that a persisted-and-reloaded copy
// (which loses time.Time monotonic readings) still compares equal.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
