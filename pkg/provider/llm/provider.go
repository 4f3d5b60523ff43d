// Package llm defines the Provider interface for chat-completion backends.
//
// The bridge uses completions for post-call work: summarising the transcript
// and extracting structured booking details. Both call sites want a single
// response, usually in JSON mode, so the interface is a plain Complete with
// no streaming surface.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single chat message.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Request describes one completion call.
type Request struct {
	// System is the system prompt. Prepended to Messages when non-empty.
	System string

	// Messages is the conversation in order.
	Messages []Message

	// Temperature adjusts sampling. Zero means the backend default.
	Temperature float64

	// MaxTokens caps the response length. Zero means no explicit cap.
	MaxTokens int

	// JSONMode asks the backend to return a single valid JSON object.
	JSONMode bool
}

// Provider is the abstraction over any completion backend.
type Provider interface {
	// Complete runs one completion and returns the assistant's text.
	Complete(ctx context.Context, req Request) (string, error)
}
