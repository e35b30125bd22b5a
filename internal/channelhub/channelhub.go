// Package channelhub owns the lifecycle of every registered ChannelAdapter
// and dispatches inbound messages to a host callback. Grounded on the
// teacher's internal/channels.Manager (lifecycle/registry) and
// internal/channel.Channel (adapter contract), collapsed to the single
// generic adapter shape the spec defines instead of one bespoke type per
// transport.
package channelhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/sessionkey"
)

// Message is one inbound or outbound payload exchanged with an adapter.
type Message struct {
	Text    string
	Files   []string
	ReplyTo string
}

// Health describes one adapter's current connection state.
type Health struct {
	Running   bool
	Connected bool
	Error     error
	StartedAt time.Time
}

// Adapter is the transport-agnostic contract every channel implements.
// Adapters own chunking for transport-specific length caps and any
// "thinking" indicator shown during long responses.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(target string, msg Message) error
	Health() Health
}

// Inbound is the shape the hub hands to the host for every message an
// adapter receives: sessionKey is the canonical "main:<channel>:<target>"
// form built by the adapter and validated by Dispatch.
type Inbound struct {
	AdapterName string
	SessionKey  string
	Content     string
	ReplyTo     string
}

// Handler is invoked by the hub for every inbound message. It returns the
// text to deliver back through the originating adapter, or an error to
// suppress delivery.
type Handler func(ctx context.Context, in Inbound) (string, error)

// Hub registers adapters, starts/stops them together, and dispatches
// inbound traffic to a single host Handler.
type Hub struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handler  Handler
}

// New creates an empty Hub. SetHandler must be called before StartAll.
func New() *Hub {
	return &Hub{adapters: make(map[string]Adapter)}
}

// SetHandler installs the host callback invoked for every inbound message.
func (h *Hub) SetHandler(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// Register adds an adapter. Must be called before StartAll.
func (h *Hub) Register(a Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[a.Name()] = a
}

// StartAll starts every registered adapter. One adapter's failure to
// start is logged but does not prevent the others from starting.
func (h *Hub) StartAll(ctx context.Context) {
	h.mu.RLock()
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			logging.L_error("channelhub: adapter failed to start", "adapter", a.Name(), "error", err)
			continue
		}
		logging.L_info("channelhub: adapter started", "adapter", a.Name())
	}
}

// StopAll stops every registered adapter, best-effort.
func (h *Hub) StopAll() {
	h.mu.RLock()
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			logging.L_warn("channelhub: adapter stop failed", "adapter", a.Name(), "error", err)
		}
	}
}

// Dispatch is called by an adapter when it receives a message. It runs
// the host handler and, on success, delivers the response through the
// same adapter at replyTo. sessionKey is validated against the one
// session-key convention this process accepts ("main:<channel>:<target>")
// at this ingress boundary; a key of any other shape is rejected loudly
// rather than forwarded to the handler.
func (h *Hub) Dispatch(ctx context.Context, adapterName, sessionKeyStr, content, replyTo string) {
	if logging.IsShuttingDown() {
		logging.L_warn("channelhub: dropping inbound message, shutting down", "adapter", adapterName)
		return
	}
	if _, err := sessionkey.Parse(sessionKeyStr); err != nil {
		logging.L_error("channelhub: rejecting inbound message with malformed session key", "adapter", adapterName, "sessionKey", sessionKeyStr, "error", err)
		return
	}

	h.mu.RLock()
	handler := h.handler
	a := h.adapters[adapterName]
	h.mu.RUnlock()

	if handler == nil {
		logging.L_warn("channelhub: no handler installed, dropping message", "adapter", adapterName)
		return
	}

	resp, err := handler(ctx, Inbound{AdapterName: adapterName, SessionKey: sessionKeyStr, Content: content, ReplyTo: replyTo})
	if err != nil {
		logging.L_error("channelhub: handler failed", "adapter", adapterName, "session", sessionKeyStr, "error", err)
		return
	}
	if resp == "" || a == nil {
		return
	}
	if err := a.Send(replyTo, Message{Text: resp}); err != nil {
		logging.L_error("channelhub: delivery failed", "adapter", adapterName, "target", replyTo, "error", err)
	}
}

// Send delivers a message through a "<adapterName>:<adapterSubTarget>"
// delivery string, as used by HeartbeatRunner, CronService, and
// RestartManager deliveries.
func (h *Hub) Send(deliveryTarget string, msg Message) error {
	name, target := splitDelivery(deliveryTarget)
	h.mu.RLock()
	a := h.adapters[name]
	h.mu.RUnlock()
	if a == nil {
		return fmt.Errorf("channelhub: unknown adapter %q", name)
	}
	return a.Send(target, msg)
}

// HealthAll returns every registered adapter's health, keyed by name.
func (h *Hub) HealthAll() map[string]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Health, len(h.adapters))
	for name, a := range h.adapters {
		out[name] = a.Health()
	}
	return out
}

func splitDelivery(s string) (adapter, target string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
