package sessionrouter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mkessler/gateway/internal/commands"
	"github.com/mkessler/gateway/internal/logging"
)

// commandHost adapts the Router's live dependencies to commands.Host,
// wired to the AgentRuntime and ConfigStore the router already owns.
type commandHost struct {
	r *Router
}

func (r *Router) commandHost() commands.Host {
	return &commandHost{r: r}
}

func (h *commandHost) CurrentModel() (ref string, thinkingLevel string) {
	state := h.r.runtime.State()
	return fmt.Sprintf("%s/%s", state.Provider, state.Model), state.ThinkingLevel
}

func (h *commandHost) SetModel(ref string) error {
	resolved := ref
	if r, ok := h.r.cfgStore.ResolveAlias(ref); ok {
		resolved = r
	}
	provider, model, ok := splitRef(resolved)
	if !ok {
		return fmt.Errorf("commandhost: %q is not a valid provider/model ref", resolved)
	}
	if err := h.r.runtime.SetModel(provider, model); err != nil {
		return fmt.Errorf("commandhost: failed to switch model: %w", err)
	}
	return nil
}

func (h *commandHost) SetThinkingLevel(level string) error {
	return h.r.runtime.SetThinkingLevel(level)
}

func (h *commandHost) Aliases() map[string]string {
	return h.r.cfgStore.Aliases()
}

func (h *commandHost) SetAlias(name, ref string) {
	if err := h.r.cfgStore.SetAlias(name, ref); err != nil {
		logging.L_warn("commandhost: failed to persist alias", "name", name, "error", err)
	}
}

func (h *commandHost) RemoveAlias(name string) bool {
	aliases := h.r.cfgStore.Aliases()
	if _, ok := aliases[strings.ToLower(name)]; !ok {
		return false
	}
	if err := h.r.cfgStore.RemoveAlias(name); err != nil {
		logging.L_warn("commandhost: failed to persist alias removal", "name", name, "error", err)
	}
	return true
}

func (h *commandHost) Fallbacks() []string {
	return h.r.cfgStore.Fallbacks()
}

func (h *commandHost) SetFallbacks(refs []string) {
	if err := h.r.cfgStore.SetFallbacks(refs); err != nil {
		logging.L_warn("commandhost: failed to persist fallback chain", "error", err)
		return
	}
	h.r.queue.SetFallback(refs)
}

func (h *commandHost) ClearFallbacks() {
	h.SetFallbacks(nil)
}

func (h *commandHost) HeartbeatModel() *string {
	return h.r.cfgStore.HeartbeatModel()
}

func (h *commandHost) SetHeartbeatModel(ref *string) {
	if err := h.r.cfgStore.SetHeartbeatModel(ref); err != nil {
		logging.L_warn("commandhost: failed to persist heartbeat model override", "error", err)
	}
}

func (h *commandHost) Status() string {
	state := h.r.runtime.State()
	uptime := time.Since(h.r.startedAt).Round(time.Second)
	active := h.r.LastDMSession()
	if active == "" {
		active = "(none)"
	}
	return fmt.Sprintf(
		"Model: %s/%s (thinking: %s)\nFallback chain: %s\nQueue depth: %d\nActive DM session: %s\nUptime: %s",
		state.Provider, state.Model, state.ThinkingLevel,
		strings.Join(h.r.cfgStore.Fallbacks(), ", "),
		h.r.queue.PendingCount(),
		active,
		uptime,
	)
}

// splitRef splits a "provider/model" ref into its two parts.
func splitRef(ref string) (provider, model string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i < 0 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
