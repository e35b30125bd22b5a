// Package sessionrouter maps inbound (sessionKey, content, replyTo)
// messages to session lifecycle operations: lazy buffer rehydration,
// durable logging, the in-band command layer, RequestQueue dispatch, and
// async extraction. It is the component ChannelHub's Handler is wired
// to. Grounded on the teacher's internal/gateway.Gateway.handleMessage
// request path (log, buffer, dispatch to the agent, fire background
// summarization) collapsed to the fixed session-key/turn shape spec.md
// defines instead of the teacher's multi-channel mirroring logic.
package sessionrouter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/channelhub"
	"github.com/mkessler/gateway/internal/commands"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/contextassembler"
	"github.com/mkessler/gateway/internal/extractor"
	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/requestqueue"
	"github.com/mkessler/gateway/internal/restartmanager"
	"github.com/mkessler/gateway/internal/sessionbuffer"
	"github.com/mkessler/gateway/internal/sessionlog"
	"github.com/mkessler/gateway/internal/turn"
)

// Restarter is the subset of restartmanager.Manager the router needs to
// trigger a self-restart carrying the originating session's delivery
// target.
type Restarter interface {
	TriggerRestart(s restartmanager.Sentinel) error
}

// Router wires SessionLog, SessionBuffer, Archive, ContextAssembler,
// the in-band command layer, RequestQueue, and the Extractor into the
// single per-message pipeline spec.md §4.8 describes.
type Router struct {
	log       *sessionlog.Log
	buffer    *sessionbuffer.Buffer
	archive   *archive.Archive
	assembler *contextassembler.Assembler
	queue     *requestqueue.Queue
	commands  *commands.Manager
	extractor *extractor.Extractor
	runtime   agentruntime.Runtime
	cfgStore  *config.Store
	restarter Restarter

	n int

	mu            sync.Mutex
	lastDMSession string
	startedAt     time.Time
}

// New creates a Router. n is conversationHistory, used to bound lazy
// rehydration from the archive.
func New(
	log *sessionlog.Log,
	buffer *sessionbuffer.Buffer,
	ar *archive.Archive,
	assembler *contextassembler.Assembler,
	queue *requestqueue.Queue,
	cmdMgr *commands.Manager,
	ex *extractor.Extractor,
	runtime agentruntime.Runtime,
	cfgStore *config.Store,
	restarter Restarter,
	n int,
) *Router {
	if n <= 0 {
		n = 10
	}
	return &Router{
		log: log, buffer: buffer, archive: ar, assembler: assembler,
		queue: queue, commands: cmdMgr, extractor: ex, runtime: runtime,
		cfgStore: cfgStore, restarter: restarter, n: n, startedAt: time.Now(),
	}
}

var restartCommandRe = regexp.MustCompile(`(?i)^/?restart\s*$`)

// Handle implements channelhub.Handler: it is the single entry point for
// every inbound message from every adapter.
func (r *Router) Handle(ctx context.Context, in channelhub.Inbound) (string, error) {
	key := in.SessionKey
	r.assembler.SetCurrentSession(key)
	r.trackDMSession(key)

	if r.buffer.IsEmpty(key) {
		r.rehydrate(key)
	}

	userTurn := turn.Turn{Role: turn.RoleUser, Content: in.Content, Timestamp: nowMillis(), SessionKey: key}
	if err := r.log.Append(key, userTurn); err != nil {
		logging.L_warn("sessionrouter: failed to append user turn", "key", key, "error", err)
	}
	evictedIDs := r.archiveEvicted(r.buffer.Append(key, userTurn))

	if result, ok := r.commands.Match(ctx, r.commandHost(), in.Content); ok {
		return r.finishWithoutExtraction(key, result.Text)
	}

	if restartCommandRe.MatchString(strings.TrimSpace(in.Content)) {
		return r.handleRestart(key, in)
	}

	response, err := r.queue.Enqueue(ctx, in.Content)
	if err != nil {
		return "", fmt.Errorf("sessionrouter: request failed: %w", err)
	}

	assistantTurn := turn.Turn{Role: turn.RoleAssistant, Content: response, Timestamp: nowMillis(), SessionKey: key}
	if err := r.log.Append(key, assistantTurn); err != nil {
		logging.L_warn("sessionrouter: failed to append assistant turn", "key", key, "error", err)
	}
	evictedIDs = append(evictedIDs, r.archiveEvicted(r.buffer.Append(key, assistantTurn))...)

	if r.extractor != nil {
		r.extractor.Run(key, in.Content, response, evictedIDs)
	}

	return response, nil
}

// finishWithoutExtraction records an in-band command's synchronous
// result as the assistant turn and returns it without ever touching
// RequestQueue or the Extractor.
func (r *Router) finishWithoutExtraction(key, text string) (string, error) {
	assistantTurn := turn.Turn{Role: turn.RoleAssistant, Content: text, Timestamp: nowMillis(), SessionKey: key}
	if err := r.log.Append(key, assistantTurn); err != nil {
		logging.L_warn("sessionrouter: failed to append command response turn", "key", key, "error", err)
	}
	r.archiveEvicted(r.buffer.Append(key, assistantTurn))
	return text, nil
}

// handleRestart is handled by the router itself (not the commands
// package) so the sentinel can carry the originating session's delivery
// target, per spec.md §4.14.
func (r *Router) handleRestart(key string, in channelhub.Inbound) (string, error) {
	if r.restarter == nil {
		return "Restart is not available in this deployment.", nil
	}
	sentinel := restartmanager.Sentinel{
		Reason:         "restart requested via " + key,
		SessionKey:     key,
		DeliveryTarget: in.AdapterName + ":" + in.ReplyTo,
		ReplyTo:        in.ReplyTo,
	}
	resp := "Restarting now, I'll be right back."
	if _, err := r.finishWithoutExtraction(key, resp); err != nil {
		logging.L_warn("sessionrouter: failed to log restart response", "error", err)
	}

	go func() {
		// Give the in-flight response a moment to be delivered through
		// the originating adapter before the supervisor replaces us.
		time.Sleep(500 * time.Millisecond)
		if id := r.queue.ActiveID(); id != "" {
			r.queue.Cancel(id)
		}
		if err := r.restarter.TriggerRestart(sentinel); err != nil {
			logging.L_error("sessionrouter: restart trigger failed", "error", err)
		}
	}()
	return resp, nil
}

// rehydrate restores up to N newest archive rows for key into the
// buffer, reversed to chronological order, per spec.md §4.8 step 2.
func (r *Router) rehydrate(key string) {
	if r.archive == nil {
		return
	}
	records, err := r.archive.GetRecentTurns(key, r.n)
	if err != nil {
		logging.L_warn("sessionrouter: failed to rehydrate from archive", "key", key, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	turns := make([]turn.Turn, len(records))
	for i, rec := range records {
		turns[len(records)-1-i] = turn.Turn{
			Role:       turn.Role(rec.Role),
			Content:    rec.Content,
			Timestamp:  rec.Timestamp,
			SessionKey: rec.SessionKey,
		}
	}
	r.buffer.Restore(key, turns)
	logging.L_debug("sessionrouter: rehydrated session from archive", "key", key, "turns", len(turns))
}

// archiveEvicted archives an eviction batch and returns the assigned
// archive IDs, for Extractor tag attribution. Eviction batches are the
// caller's responsibility to archive, per spec.md §4.2.
func (r *Router) archiveEvicted(evicted []turn.Turn) []int64 {
	if len(evicted) == 0 || r.archive == nil {
		return nil
	}
	ids, err := r.archive.Archive(evicted)
	if err != nil {
		logging.L_warn("sessionrouter: failed to archive evicted turns", "error", err)
		return nil
	}
	return ids
}

func (r *Router) trackDMSession(key string) {
	if !strings.Contains(key, ":dm:") {
		return
	}
	r.mu.Lock()
	r.lastDMSession = key
	r.mu.Unlock()
}

// LastDMSession returns the most recently active DM session key, or ""
// if none has been seen yet. Used by HeartbeatRunner to pick a session
// to run inside per spec.md §4.9 step 3.
func (r *Router) LastDMSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDMSession
}

// Host exposes the Router's commands.Host adapter for callers outside
// the in-band command layer, namely ManagementAPI's model/alias/
// fallback/status routes.
func (r *Router) Host() commands.Host {
	return r.commandHost()
}

// RehydrateInto restores key's buffer from the archive if it is
// currently empty, matching what Handle does on every inbound message.
// Exported for RestartManager's successor protocol, which must lazy-
// restore the session buffer exactly as SessionRouter would (spec.md
// §4.11).
func (r *Router) RehydrateInto(key string) {
	if r.buffer.IsEmpty(key) {
		r.rehydrate(key)
	}
	r.assembler.SetCurrentSession(key)
}

// RunHeartbeat runs prompt inside the session named by key as if it had
// arrived from an adapter, minus the in-band command and restart layers,
// and feeds the Extractor exactly as Handle does. Used by HeartbeatRunner
// to tick inside the last-known DM session, per spec.md §4.9 step 4.
func (r *Router) RunHeartbeat(ctx context.Context, key, prompt string) (string, error) {
	r.assembler.SetCurrentSession(key)
	if r.buffer.IsEmpty(key) {
		r.rehydrate(key)
	}

	userTurn := turn.Turn{Role: turn.RoleUser, Content: prompt, Timestamp: nowMillis(), SessionKey: key}
	if err := r.log.Append(key, userTurn); err != nil {
		logging.L_warn("sessionrouter: failed to append heartbeat turn", "key", key, "error", err)
	}
	evictedIDs := r.archiveEvicted(r.buffer.Append(key, userTurn))

	response, err := r.queue.Enqueue(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("sessionrouter: heartbeat request failed: %w", err)
	}

	assistantTurn := turn.Turn{Role: turn.RoleAssistant, Content: response, Timestamp: nowMillis(), SessionKey: key}
	if err := r.log.Append(key, assistantTurn); err != nil {
		logging.L_warn("sessionrouter: failed to append heartbeat response", "key", key, "error", err)
	}
	evictedIDs = append(evictedIDs, r.archiveEvicted(r.buffer.Append(key, assistantTurn))...)

	if r.extractor != nil {
		r.extractor.Run(key, prompt, response, evictedIDs)
	}
	return response, nil
}

// RunOutsideSession runs prompt through the RequestQueue with no session
// context: no world model, no buffered history, no logging. Used by
// HeartbeatRunner when no DM session has ever been seen, per spec.md
// §4.9 step 3.
func (r *Router) RunOutsideSession(ctx context.Context, prompt string) (string, error) {
	r.assembler.SetCurrentSession("")
	response, err := r.queue.Enqueue(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("sessionrouter: heartbeat request failed: %w", err)
	}
	return response, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
