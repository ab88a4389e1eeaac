// ABOUTME: Wire types for the chat-completions streaming HTTP interface
// ABOUTME: Request body, streamed chunk payload, and the non-2xx error envelope

package stream

// Chat roles accepted by the completion endpoint.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one turn of history sent with a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body of a streaming completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// chunkPayload is the JSON carried by a single `data:` line mid-stream.
// Only the delta content is of interest; everything else is ignored so the
// decoder stays additive-compatible with server-side schema growth.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ErrorEnvelope is the JSON body returned on non-2xx responses.
type ErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
