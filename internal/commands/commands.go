// Package commands implements the in-band command layer: text the user
// sends that SessionRouter intercepts before enqueueing to RequestQueue.
// Grounded on the teacher's internal/commands.Manager (command table,
// alias-to-command lookup, plain-text CommandResult), narrowed to the
// fixed command set the spec defines instead of the teacher's open
// provider-specific registry.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mkessler/gateway/internal/logging"
)

// Host is the set of operations a command is allowed to perform. Wired
// by SessionRouter to the live AgentRuntime, ConfigStore, and
// RequestQueue.
type Host interface {
	// CurrentModel returns the active "provider/model" ref and thinking
	// level.
	CurrentModel() (ref string, thinkingLevel string)
	// SetModel resolves ref as an alias (if known) or a literal
	// "provider/model" ref and switches the runtime to it.
	SetModel(ref string) error
	// SetThinkingLevel switches the runtime's reasoning effort.
	SetThinkingLevel(level string) error

	// Aliases returns the full alias table, name -> ref.
	Aliases() map[string]string
	SetAlias(name, ref string)
	RemoveAlias(name string) bool

	// Fallbacks returns the ordered fallback chain.
	Fallbacks() []string
	SetFallbacks(refs []string)
	ClearFallbacks()

	// HeartbeatModel returns the heartbeat override ref, or nil if unset.
	HeartbeatModel() *string
	SetHeartbeatModel(ref *string)

	// Status returns a short multi-line snapshot for the /status
	// equivalent: queue depth, active session, uptime, and similar.
	Status() string
}

// Result is the outcome of a recognized in-band command.
type Result struct {
	Text string
}

// Command is one recognized form.
type Command struct {
	Name    string
	Usage   string
	Handler func(ctx context.Context, host Host, rawArgs string) *Result
}

// Manager matches raw message text against the known command forms and
// executes the match. A nil return from Match means the text is not a
// command and should fall through to RequestQueue.
type Manager struct {
	commands map[string]*Command
}

// New builds a Manager with every built-in command registered.
func New() *Manager {
	m := &Manager{commands: make(map[string]*Command)}
	m.register(&Command{Name: "models", Usage: "[provider]", Handler: handleModels})
	m.register(&Command{Name: "model", Usage: "<ref|alias>", Handler: handleModel})
	m.register(&Command{Name: "alias", Usage: "list|set <name> <ref>|remove <name>", Handler: handleAlias})
	m.register(&Command{Name: "fallback", Usage: "list|set <refs...>|clear", Handler: handleFallback})
	m.register(&Command{Name: "think", Usage: "off|minimal|low|medium|high|xhigh", Handler: handleThink})
	m.register(&Command{Name: "status", Handler: handleStatusCmd})
	m.register(&Command{Name: "heartbeat", Usage: "[model <ref|clear>]", Handler: handleHeartbeat})
	return m
}

func (m *Manager) register(c *Command) {
	m.commands[c.Name] = c
}

// Match parses content as a command (with or without a leading slash)
// and runs it against host. ok is false if content does not match any
// recognized form, in which case the caller should enqueue to
// RequestQueue instead.
func (m *Manager) Match(ctx context.Context, host Host, content string) (result *Result, ok bool) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return nil, false
	}

	parts := strings.SplitN(trimmed, " ", 2)
	name := strings.ToLower(parts[0])
	cmd, known := m.commands[name]
	if !known {
		return nil, false
	}

	rawArgs := ""
	if len(parts) > 1 {
		rawArgs = strings.TrimSpace(parts[1])
	}

	logging.L_debug("commands: matched", "command", name, "args", rawArgs)
	return cmd.Handler(ctx, host, rawArgs), true
}

func handleModels(ctx context.Context, host Host, rawArgs string) *Result {
	filter := strings.ToLower(strings.TrimSpace(rawArgs))
	aliases := host.Aliases()
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Known model aliases:\n")
	for _, name := range names {
		ref := aliases[name]
		if filter != "" && !strings.HasPrefix(strings.ToLower(ref), filter) {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s -> %s\n", name, ref))
	}
	if len(names) == 0 {
		b.WriteString("  (none configured)\n")
	}
	return &Result{Text: b.String()}
}

func handleModel(ctx context.Context, host Host, rawArgs string) *Result {
	ref := strings.TrimSpace(rawArgs)
	if ref == "" {
		current, thinking := host.CurrentModel()
		return &Result{Text: fmt.Sprintf("Current model: %s (thinking: %s)", current, thinking)}
	}
	if err := host.SetModel(ref); err != nil {
		return &Result{Text: fmt.Sprintf("Failed to switch model: %s", err)}
	}
	current, _ := host.CurrentModel()
	return &Result{Text: fmt.Sprintf("Switched to %s", current)}
}

func handleAlias(ctx context.Context, host Host, rawArgs string) *Result {
	parts := strings.Fields(rawArgs)
	if len(parts) == 0 {
		return &Result{Text: "Usage: alias list|set <name> <ref>|remove <name>"}
	}

	switch strings.ToLower(parts[0]) {
	case "list":
		aliases := host.Aliases()
		names := make([]string, 0, len(aliases))
		for name := range aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("Aliases:\n")
		for _, name := range names {
			b.WriteString(fmt.Sprintf("  %s -> %s\n", name, aliases[name]))
		}
		return &Result{Text: b.String()}
	case "set":
		if len(parts) != 3 {
			return &Result{Text: "Usage: alias set <name> <ref>"}
		}
		host.SetAlias(parts[1], parts[2])
		return &Result{Text: fmt.Sprintf("Alias %s -> %s saved", parts[1], parts[2])}
	case "remove":
		if len(parts) != 2 {
			return &Result{Text: "Usage: alias remove <name>"}
		}
		if host.RemoveAlias(parts[1]) {
			return &Result{Text: fmt.Sprintf("Alias %s removed", parts[1])}
		}
		return &Result{Text: fmt.Sprintf("No such alias: %s", parts[1])}
	default:
		return &Result{Text: "Usage: alias list|set <name> <ref>|remove <name>"}
	}
}

func handleFallback(ctx context.Context, host Host, rawArgs string) *Result {
	parts := strings.Fields(rawArgs)
	if len(parts) == 0 {
		return &Result{Text: "Usage: fallback list|set <refs...>|clear"}
	}

	switch strings.ToLower(parts[0]) {
	case "list":
		refs := host.Fallbacks()
		if len(refs) == 0 {
			return &Result{Text: "Fallback chain: (empty)"}
		}
		return &Result{Text: "Fallback chain: " + strings.Join(refs, ", ")}
	case "set":
		refs := parts[1:]
		if len(refs) == 0 {
			return &Result{Text: "Usage: fallback set <refs...>"}
		}
		host.SetFallbacks(refs)
		return &Result{Text: "Fallback chain set to: " + strings.Join(refs, ", ")}
	case "clear":
		host.ClearFallbacks()
		return &Result{Text: "Fallback chain cleared"}
	default:
		return &Result{Text: "Usage: fallback list|set <refs...>|clear"}
	}
}

var thinkingLevels = map[string]bool{
	"off": true, "minimal": true, "low": true, "medium": true, "high": true, "xhigh": true,
}

func handleThink(ctx context.Context, host Host, rawArgs string) *Result {
	level := strings.ToLower(strings.TrimSpace(rawArgs))
	if !thinkingLevels[level] {
		return &Result{Text: "Usage: think off|minimal|low|medium|high|xhigh"}
	}
	if err := host.SetThinkingLevel(level); err != nil {
		return &Result{Text: fmt.Sprintf("Failed to set thinking level: %s", err)}
	}
	return &Result{Text: fmt.Sprintf("Thinking level set to %s", level)}
}

func handleStatusCmd(ctx context.Context, host Host, rawArgs string) *Result {
	return &Result{Text: host.Status()}
}

func handleHeartbeat(ctx context.Context, host Host, rawArgs string) *Result {
	parts := strings.Fields(rawArgs)
	if len(parts) == 0 {
		ref := host.HeartbeatModel()
		if ref == nil {
			return &Result{Text: "Heartbeat model override: (none, uses default)"}
		}
		return &Result{Text: "Heartbeat model override: " + *ref}
	}
	if strings.ToLower(parts[0]) != "model" || len(parts) < 2 {
		return &Result{Text: "Usage: heartbeat [model <ref|clear>]"}
	}
	if strings.ToLower(parts[1]) == "clear" {
		host.SetHeartbeatModel(nil)
		return &Result{Text: "Heartbeat model override cleared"}
	}
	ref := parts[1]
	host.SetHeartbeatModel(&ref)
	return &Result{Text: "Heartbeat model override set to " + ref}
}
