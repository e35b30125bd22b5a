// Package agentruntime defines the opaque boundary to a concrete LLM
// provider SDK. Concrete providers (Anthropic, OpenAI, xAI, Ollama, ...)
// are out of scope per spec's non-goals; this package only specifies the
// contract RequestQueue and ContextAssembler program against, grounded on
// the teacher's internal/llm/provider.go Provider interface and streaming
// event model.
package agentruntime

import "context"

// EventKind identifies the shape of a streamed Event.
type EventKind string

const (
	EventTextDelta  EventKind = "text_delta"
	EventMessageEnd EventKind = "message_end"
	EventToolCall   EventKind = "tool_call"
	EventError      EventKind = "error"
)

// Event is one item in the lazy sequence the runtime streams to its
// subscriber. RequestQueue's worker is the sole consumer.
type Event struct {
	Kind    EventKind
	Text    string  // for text_delta
	Message Message // for message_end: the completed message
	Err     error   // for error
}

// Message is one entry in the transformed context or a completed
// response.
type Message struct {
	Role      string // "user", "assistant", "system"
	Content   string
	Timestamp int64
	HasText   bool // true if this message carries >=1 text content block
}

// TransformContext is invoked immediately before each LLM call; the
// ContextAssembler is installed here, replacing whatever history the
// runtime accumulated on its own.
type TransformContext func(messages []Message) []Message

// State exposes the runtime's current model/thinking configuration.
type State struct {
	Provider      string
	Model         string
	ThinkingLevel string
}

// Runtime is the contract RequestQueue programs against. Implementations
// wrap a concrete provider SDK.
type Runtime interface {
	// Prompt starts a streaming call with text appended as the latest
	// user turn of whatever transformContext produces. Events arrive via
	// Subscribe; Prompt returns once the call has been issued, not once
	// it completes.
	Prompt(ctx context.Context, text string) error

	// Subscribe registers cb to receive every Event for the lifetime of
	// the runtime. Only one subscriber is expected (the RequestQueue
	// worker).
	Subscribe(cb func(Event))

	SetModel(provider, model string) error
	SetThinkingLevel(level string) error
	ClearMessages()
	State() State

	// SetTransformContext installs the pre-invocation hook.
	SetTransformContext(fn TransformContext)
}

// ErrUnavailable is returned by SetModel when the requested provider/model
// pair cannot be reached (missing credentials, unknown ref, ...).
type ErrUnavailable struct{ Ref string }

func (e *ErrUnavailable) Error() string { return "agentruntime: model unavailable: " + e.Ref }
