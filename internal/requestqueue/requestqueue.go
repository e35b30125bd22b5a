// Package requestqueue serializes every AgentRuntime invocation behind a
// single FIFO worker so at most one LLM call is ever in flight, and
// implements the fallback-model-chain retry policy on failure. Grounded
// on the teacher's internal/gateway single-worker request loop
// (RunAgent/processQueue) and its model-swap-then-restore pattern around
// fallback attempts.
package requestqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/logging"
)

// timeoutGuard is how long after Prompt returns the worker waits for a
// terminal event before giving up on the buffer so far.
const timeoutGuard = 500 * time.Millisecond

type request struct {
	id      string
	input   string
	ctx     context.Context
	cancel  context.CancelFunc
	resolve chan string
}

// Queue is the single-worker FIFO. Zero value is not usable; use New.
type Queue struct {
	runtime  agentruntime.Runtime
	fallback []string

	mu           sync.Mutex
	pending      []*request
	processing   bool
	activeID     string
	activeCancel context.CancelFunc
	primaryRef   string // "provider/model" snapshot restored after each request
}

// New creates a Queue over runtime, with fallback as the ordered list of
// "provider/model" refs tried on primary failure.
func New(runtime agentruntime.Runtime, fallback []string) *Queue {
	return &Queue{runtime: runtime, fallback: fallback}
}

// SetFallback replaces the fallback chain used by subsequent requests.
func (q *Queue) SetFallback(refs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fallback = refs
}

// Enqueue submits input and blocks until a response (or timeout fallback
// text) is produced. Safe for concurrent callers; per Testable Property 4,
// each caller's returned text corresponds to exactly its own invocation.
// The request's own context governs the in-flight LLM call once it becomes
// active; Cancel(id) derives from it to let a restart command or shutdown
// abort an in-flight call without affecting any other pending request.
func (q *Queue) Enqueue(ctx context.Context, input string) (string, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req := &request{id: uuid.New().String(), input: input, ctx: reqCtx, cancel: cancel, resolve: make(chan string, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	shouldStart := !q.processing
	if shouldStart {
		q.processing = true
	}
	q.mu.Unlock()

	if shouldStart {
		go q.drain()
	}

	defer cancel()
	select {
	case text := <-req.resolve:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ActiveID returns the currently-processing request's ID, or "" if idle.
func (q *Queue) ActiveID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeID
}

// PendingCount returns the number of requests waiting behind the one
// currently in flight (0 if idle), for status/diagnostics surfaces.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			q.activeID = ""
			q.activeCancel = nil
			q.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		q.activeID = req.id
		q.activeCancel = req.cancel
		q.mu.Unlock()

		text := q.process(req)
		req.resolve <- text
	}
}

// Cancel aborts the request identified by id if it is the one currently
// in flight, letting a restart command or shutdown stop a stuck LLM call
// without disturbing anything else pending behind it. Returns false if id
// is not the active request (already finished, or never started).
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.activeID != id || q.activeCancel == nil {
		return false
	}
	q.activeCancel()
	return true
}

func (q *Queue) process(req *request) string {
	state := q.runtime.State()
	primaryProvider, primaryModel := state.Provider, state.Model

	refs := append([]string{fmt.Sprintf("%s/%s", primaryProvider, primaryModel)}, q.fallback...)

	var lastErrText string
	for i, ref := range refs {
		if i > 0 {
			provider, model := splitRef(ref)
			if err := q.runtime.SetModel(provider, model); err != nil {
				logging.L_warn("requestqueue: fallback model unavailable", "ref", ref, "error", err)
				lastErrText = err.Error()
				continue
			}
			q.runtime.ClearMessages()
		}

		buf, done, err := q.invoke(req.ctx, req.input)
		if err == nil {
			q.restorePrimary(primaryProvider, primaryModel)
			return buf
		}
		lastErrText = err.Error()
		if req.ctx.Err() != nil {
			// Cancelled: stop retrying, the caller no longer wants a result.
			q.restorePrimary(primaryProvider, primaryModel)
			return buf
		}
		if !done {
			// timeout guard already produced a best-effort buffer
			q.restorePrimary(primaryProvider, primaryModel)
			return buf
		}
		logging.L_debug("requestqueue: attempt failed, trying next ref", "ref", ref, "error", err)
	}

	q.restorePrimary(primaryProvider, primaryModel)
	if lastErrText == "" {
		lastErrText = "unknown error"
	}
	return lastErrText
}

func (q *Queue) restorePrimary(provider, model string) {
	if err := q.runtime.SetModel(provider, model); err != nil {
		logging.L_warn("requestqueue: failed to restore primary model", "error", err)
	}
	q.runtime.ClearMessages()
}

// invoke runs one Prompt attempt to completion (terminal event, error,
// cancellation, or timeout guard). done=false signals the timeout guard
// fired: the caller should treat this as terminal, not retry.
func (q *Queue) invoke(ctx context.Context, input string) (buffer string, done bool, err error) {
	var mu sync.Mutex
	var b string
	terminal := make(chan error, 1)
	hasText := false

	q.runtime.Subscribe(func(ev agentruntime.Event) {
		switch ev.Kind {
		case agentruntime.EventTextDelta:
			mu.Lock()
			b += ev.Text
			mu.Unlock()
		case agentruntime.EventMessageEnd:
			if ev.Message.HasText {
				hasText = true
				select {
				case terminal <- nil:
				default:
				}
			}
		case agentruntime.EventError:
			select {
			case terminal <- ev.Err:
			default:
			}
		}
	})

	if promptErr := q.runtime.Prompt(ctx, input); promptErr != nil {
		return "", true, promptErr
	}

	select {
	case terr := <-terminal:
		mu.Lock()
		defer mu.Unlock()
		if terr != nil {
			return b, true, terr
		}
		if !hasText && b == "" {
			return b, true, fmt.Errorf("requestqueue: no text content in terminal message")
		}
		return b, true, nil
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		if b == "" {
			b = "(cancelled)"
		}
		return b, true, fmt.Errorf("requestqueue: request cancelled: %w", ctx.Err())
	case <-time.After(timeoutGuard):
		mu.Lock()
		defer mu.Unlock()
		if b == "" {
			b = "(no response)"
		}
		return b, false, fmt.Errorf("requestqueue: timeout guard fired")
	}
}

func splitRef(ref string) (provider, model string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return "", ref
}
