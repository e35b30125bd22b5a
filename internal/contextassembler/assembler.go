// Package contextassembler builds the per-call LLM message sequence:
// world-model injection, buffered turns, then the current turn. It
// replaces whatever history the AgentRuntime accumulated on its own — the
// assembler is the source of truth, wired in via
// agentruntime.Runtime.SetTransformContext. Grounded on the teacher's
// internal/context/prompt.go message-sequence builder and the synthetic
// acknowledgement pattern used to preserve strict user/assistant
// alternation when injecting a system-style preamble.
package contextassembler

import (
	"sync"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/sessionbuffer"
	"github.com/mkessler/gateway/internal/turn"
	"github.com/mkessler/gateway/internal/worldmodel"
)

const ackText = "Understood. I have my world model loaded."

// Assembler owns the current-session pointer and produces the message
// list for every LLM invocation.
type Assembler struct {
	buffer *sessionbuffer.Buffer
	wm     *worldmodel.WorldModel

	mu         sync.Mutex
	currentKey string
}

// New creates an Assembler over buf and wm.
func New(buf *sessionbuffer.Buffer, wm *worldmodel.WorldModel) *Assembler {
	return &Assembler{buffer: buf, wm: wm}
}

// SetCurrentSession sets the session the next Transform call assembles
// context for.
func (a *Assembler) SetCurrentSession(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentKey = key
}

// Transform implements agentruntime.TransformContext.
func (a *Assembler) Transform(scratch []agentruntime.Message) []agentruntime.Message {
	a.mu.Lock()
	key := a.currentKey
	a.mu.Unlock()

	if key == "" {
		// Startup: no session yet, leave the runtime scratch unchanged.
		return scratch
	}

	text, err := a.wm.Load()
	if err != nil {
		text = ""
	}

	out := make([]agentruntime.Message, 0, len(scratch)+4)
	out = append(out,
		agentruntime.Message{
			Role:    "user",
			Content: "<world_model>\n" + text + "\n</world_model>\n\n<instruction to use for context, not to echo>",
			HasText: true,
		},
		agentruntime.Message{
			Role:    "assistant",
			Content: ackText,
			HasText: true,
		},
	)

	buffered := a.buffer.GetTurns(key)
	var newestBuffered int64
	for _, t := range buffered {
		out = append(out, turnToMessage(t))
		if t.Timestamp > newestBuffered {
			newestBuffered = t.Timestamp
		}
	}

	var currentTurnMessages []agentruntime.Message
	for _, m := range scratch {
		if m.Timestamp > newestBuffered {
			currentTurnMessages = append(currentTurnMessages, m)
		}
	}

	if len(currentTurnMessages) > 0 {
		out = append(out, currentTurnMessages...)
	} else if len(scratch) > 0 {
		// Fallback so the prompt is never lost.
		out = append(out, scratch[len(scratch)-1])
	}

	return out
}

func turnToMessage(t turn.Turn) agentruntime.Message {
	return agentruntime.Message{
		Role:      string(t.Role),
		Content:   t.Content,
		Timestamp: t.Timestamp,
		HasText:   true,
	}
}
