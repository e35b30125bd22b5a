// Command gateway is the personal-assistant gateway process: it wires
// SessionLog, SessionBuffer, Archive, WorldModel, ContextAssembler,
// RequestQueue, SessionRouter, CronService, HeartbeatRunner,
// RestartManager, ChannelHub, and ManagementAPI into the single running
// process described by spec.md, and runs the restart-successor protocol
// on startup. Grounded on the teacher's cmd/goclaw/main.go bootstrap
// sequence (config load, component construction in dependency order,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mkessler/gateway/internal/agentruntime"
	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/channelhub"
	"github.com/mkessler/gateway/internal/commands"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/contextassembler"
	"github.com/mkessler/gateway/internal/cron"
	"github.com/mkessler/gateway/internal/extractor"
	"github.com/mkessler/gateway/internal/heartbeat"
	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/managementapi"
	"github.com/mkessler/gateway/internal/requestqueue"
	"github.com/mkessler/gateway/internal/restartmanager"
	"github.com/mkessler/gateway/internal/sessionbuffer"
	"github.com/mkessler/gateway/internal/sessionlog"
	"github.com/mkessler/gateway/internal/sessionrouter"
	"github.com/mkessler/gateway/internal/skillstore"
	"github.com/mkessler/gateway/internal/worldmodel"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gateway %s\n", version)
		return
	}

	logging.Init(&logging.Config{Level: logging.LevelInfo, ShowCaller: true})
	if lvl, ok := parseLogLevel(os.Getenv("GATEWAY_LOG_LEVEL")); ok {
		logging.SetLevel(lvl)
	}
	logging.L_info("gateway starting", "version", version)

	cfg, err := config.Load(os.Getenv("GATEWAY_DATA_DIR"))
	if err != nil {
		logging.L_fatal("failed to load config", "error", err)
	}

	if err := run(cfg); err != nil {
		logging.L_fatal("gateway exited with error", "error", err)
	}
}

// runtime bundles every long-lived component so shutdown can walk them in
// reverse dependency order.
type runtime struct {
	cfg *config.Config

	log      *sessionlog.Log
	buf      *sessionbuffer.Buffer
	ar       *archive.Archive
	wm       *worldmodel.WorldModel
	asm      *contextassembler.Assembler
	agent    agentruntime.Runtime
	queue    *requestqueue.Queue
	cmdMgr   *commands.Manager
	extr     *extractor.Extractor
	cfgStore *config.Store
	restart  *restartmanager.Manager
	router   *sessionrouter.Router
	cronSvc  *cron.Service
	hb       *heartbeat.Runner
	skills   *skillstore.Store
	hub      *channelhub.Hub
	mgmt     *managementapi.Server
}

func run(cfg *config.Config) error {
	rt, err := build(cfg)
	if err != nil {
		return err
	}

	rt.hub.StartAll(context.Background())

	if err := runSuccessorProtocol(rt); err != nil {
		logging.L_warn("gateway: successor protocol failed", "error", err)
	}

	rt.cronSvc.Start()
	rt.hb.Start()
	if err := rt.mgmt.Start(); err != nil {
		return fmt.Errorf("gateway: management API failed to start: %w", err)
	}

	logging.L_info("gateway ready")
	waitForShutdown(rt)
	return nil
}

// build constructs every component in dependency-leaves-first order,
// mirroring the §2 component table.
func build(cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	dataDir := cfg.Gateway.DataDir
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("gateway: failed to create data dir: %w", err)
	}

	rt.log = sessionlog.New(filepath.Join(dataDir, "sessions"))
	rt.buf = sessionbuffer.New(cfg.Session.ConversationHistory)

	ar, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to open archive: %w", err)
	}
	rt.ar = ar

	rt.wm = worldmodel.New(cfg.WorldModelPath(), rt.ar)
	if _, err := rt.wm.Load(); err != nil {
		return nil, fmt.Errorf("gateway: failed to load world model: %w", err)
	}
	if err := rt.wm.Watch(); err != nil {
		logging.L_warn("gateway: world model file watch unavailable", "error", err)
	}

	rt.asm = contextassembler.New(rt.buf, rt.wm)

	// AgentRuntime concrete providers (Anthropic, OpenAI, xAI, Ollama)
	// are out of scope per spec.md §1: the gateway is wired against the
	// opaque Runtime contract, and the process-supplied implementation
	// here is the fake used for local/offline operation. A real
	// deployment swaps this for a provider-backed agentruntime.Runtime
	// without touching anything downstream.
	rt.agent = agentruntime.NewFake(nil)
	if err := rt.agent.SetModel(cfg.Gateway.DefaultProvider, cfg.Gateway.DefaultModel); err != nil {
		logging.L_warn("gateway: failed to set default model", "error", err)
	}
	rt.agent.SetTransformContext(func(messages []agentruntime.Message) []agentruntime.Message {
		return rt.asm.Transform(messages)
	})

	rt.cfgStore = config.NewStore(dataDir)
	rt.cfgStore.Load()
	rt.queue = requestqueue.New(rt.agent, rt.cfgStore.Fallbacks())

	rt.cmdMgr = commands.New()

	extractionCfg := extractor.Config{
		Enabled:       cfg.Extraction.Enabled,
		Primary:       fmt.Sprintf("%s/%s", cfg.Gateway.DefaultProvider, cfg.Gateway.DefaultModel),
		FallbackChain: rt.cfgStore.Fallbacks(),
		Timeout:       time.Duration(cfg.Extraction.TimeoutMs) * time.Millisecond,
	}
	rt.extr = extractor.New(extractionCfg, extractionCaller(rt), rt.wm, rt.ar)

	rt.restart = restartmanager.New(
		filepath.Join(dataDir, "restart-sentinel.json"),
		supervisorCommand(),
	)

	rt.router = sessionrouter.New(
		rt.log, rt.buf, rt.ar, rt.asm, rt.queue, rt.cmdMgr, rt.extr, rt.agent,
		rt.cfgStore, rt.restart, cfg.Session.ConversationHistory,
	)

	rt.hub = channelhub.New()
	rt.hub.SetHandler(rt.router.Handle)

	cronStore := cron.NewStore(filepath.Join(dataDir, "cron", "jobs.json"))
	if err := cronStore.Load(); err != nil {
		return nil, fmt.Errorf("gateway: failed to load cron jobs: %w", err)
	}
	cronHistory := cron.NewHistory(filepath.Join(dataDir, "cron", "runs"))
	loc := time.Local
	if cfg.UserTimezone != "" {
		if l, err := time.LoadLocation(cfg.UserTimezone); err == nil {
			loc = l
		} else {
			logging.L_warn("gateway: invalid USER_TIMEZONE, using system default", "tz", cfg.UserTimezone, "error", err)
		}
	}
	rt.cronSvc = cron.NewService(cronStore, cronHistory, cronRunner(rt), loc)

	rt.hb = heartbeat.New(
		cfg.Heartbeat,
		filepath.Join(dataDir, "heartbeat", "HEARTBEAT.md"),
		filepath.Join(dataDir, "heartbeat", "runs.jsonl"),
		rt.router,
		rt.hub,
		rt.cfgStore,
		rt.agent,
	)
	if err := rt.hb.ApplyScheduleOverrideFile(filepath.Join(dataDir, "heartbeat", "schedule.toml")); err != nil {
		logging.L_warn("gateway: failed to apply heartbeat schedule override", "error", err)
	}

	rt.skills = skillstore.New(filepath.Join(dataDir, "skills"))

	rt.mgmt = managementapi.New(cfg.Management.Listen, managementapi.Deps{
		WorldModel:  rt.wm,
		Archive:     rt.ar,
		ArchivePath: cfg.Archive.Path,
		SessionLog:  rt.log,
		Cron:        rt.cronSvc,
		Heartbeat:   rt.hb,
		Commands:    rt.router.Host(),
		Skills:      rt.skills,
		Channels:    rt.hub,
		Config:      cfg,
	})

	return rt, nil
}

// extractionCaller adapts the live AgentRuntime into the sequential,
// bounded-timeout extractor.Caller contract: one completion against a
// named ref, independent of RequestQueue's FIFO (extraction must never
// wait behind user-facing traffic).
func extractionCaller(rt *runtime) extractor.Caller {
	return func(ctx context.Context, ref string, prompt string) (string, error) {
		provider, model, ok := splitRef(ref)
		if !ok {
			return "", fmt.Errorf("extractor: invalid ref %q", ref)
		}
		prior := rt.agent.State()
		if err := rt.agent.SetModel(provider, model); err != nil {
			return "", err
		}
		defer func() {
			if err := rt.agent.SetModel(prior.Provider, prior.Model); err != nil {
				logging.L_warn("extractor: failed to restore model after extraction call", "error", err)
			}
			rt.agent.ClearMessages()
		}()
		rt.agent.ClearMessages()

		var buf string
		done := make(chan error, 1)
		rt.agent.Subscribe(func(ev agentruntime.Event) {
			switch ev.Kind {
			case agentruntime.EventTextDelta:
				buf += ev.Text
			case agentruntime.EventMessageEnd:
				select {
				case done <- nil:
				default:
				}
			case agentruntime.EventError:
				select {
				case done <- ev.Err:
				default:
				}
			}
		})

		if err := rt.agent.Prompt(ctx, prompt); err != nil {
			return "", err
		}
		select {
		case err := <-done:
			return buf, err
		case <-ctx.Done():
			return buf, ctx.Err()
		}
	}
}

// cronRunner adapts the live RequestQueue and ChannelHub into
// cron.Runner so CronService never depends on either directly.
func cronRunner(rt *runtime) cron.Runner {
	return cronRunnerImpl{rt: rt}
}

type cronRunnerImpl struct{ rt *runtime }

func (c cronRunnerImpl) RunPrompt(ctx context.Context, prompt string) (string, error) {
	return c.rt.queue.Enqueue(ctx, prompt)
}

func (c cronRunnerImpl) Deliver(ctx context.Context, target, text string) error {
	return c.rt.hub.Send(target, channelhub.Message{Text: text})
}

func splitRef(ref string) (provider, model string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// supervisorCommand resolves the opaque external command used to replace
// this process on restart. Concrete supervisor integration (systemd,
// go-daemon, a process manager) is deployment-specific; this honors an
// env var override and otherwise falls back to a systemd --user unit
// restart, matching the teacher's default deployment.
func supervisorCommand() []string {
	if v := os.Getenv("GATEWAY_SUPERVISOR_CMD"); v != "" {
		return []string{"/bin/sh", "-c", v}
	}
	return []string{"systemctl", "--user", "restart", "gateway.service"}
}

// runSuccessorProtocol implements spec.md §4.11's successor protocol: on
// every startup, consume any sentinel left by a prior generation and, if
// it names a delivery target, wait briefly for channels to connect and
// deliver a recovery message in-session.
func runSuccessorProtocol(rt *runtime) error {
	sentinel, err := rt.restart.Consume()
	if err != nil {
		return err
	}
	if sentinel == nil {
		return nil
	}
	logging.L_info("gateway: consumed restart sentinel", "reason", sentinel.Reason, "sessionKey", sentinel.SessionKey)

	if sentinel.DeliveryTarget == "" {
		return nil
	}

	waitForChannelsConnected(rt.hub, 20, 500*time.Millisecond)

	message := fmt.Sprintf("I've restarted (%s) and I'm back.", sentinel.Reason)

	if sentinel.SessionKey != "" {
		rt.router.RehydrateInto(sentinel.SessionKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if response, err := rt.router.RunHeartbeat(ctx, sentinel.SessionKey, message); err == nil {
			if err := rt.hub.Send(sentinel.DeliveryTarget, channelhub.Message{Text: response, ReplyTo: sentinel.ReplyTo}); err != nil {
				return fmt.Errorf("gateway: recovery delivery failed: %w", err)
			}
			return nil
		}
		logging.L_warn("gateway: in-session recovery message failed, falling back to raw send")
	}

	if err := rt.hub.Send(sentinel.DeliveryTarget, channelhub.Message{Text: message, ReplyTo: sentinel.ReplyTo}); err != nil {
		return fmt.Errorf("gateway: recovery delivery failed: %w", err)
	}
	return nil
}

func waitForChannelsConnected(hub *channelhub.Hub, retries int, interval time.Duration) {
	for i := 0; i < retries; i++ {
		connected := false
		for _, h := range hub.HealthAll() {
			if h.Connected {
				connected = true
				break
			}
		}
		if connected {
			return
		}
		time.Sleep(interval)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM/SIGUSR1, then drains every
// component in reverse dependency order per spec.md §5's graceful
// shutdown sequence.
func waitForShutdown(rt *runtime) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	sig := <-sigCh
	logging.L_info("gateway: shutting down", "signal", sig)
	logging.SetShuttingDown()

	rt.hb.Stop()
	rt.cronSvc.Stop()

	for key, turns := range rt.buf.FlushAll() {
		if len(turns) == 0 {
			continue
		}
		if _, err := rt.ar.Archive(turns); err != nil {
			logging.L_warn("gateway: failed to flush session buffer to archive", "key", key, "error", err)
		}
	}

	rt.wm.StopWatch()

	if err := rt.ar.Close(); err != nil {
		logging.L_warn("gateway: failed to close archive", "error", err)
	}

	rt.hub.StopAll()

	if err := rt.mgmt.Stop(); err != nil {
		logging.L_warn("gateway: management API stop error", "error", err)
	}

	logging.L_info("gateway: shutdown complete")
}

// parseLogLevel maps GATEWAY_LOG_LEVEL to one of the logging package's
// levels. Unrecognized or unset values leave the default in place.
func parseLogLevel(s string) (int, bool) {
	switch strings.ToLower(s) {
	case "trace":
		return logging.LevelTrace, true
	case "debug":
		return logging.LevelDebug, true
	case "info":
		return logging.LevelInfo, true
	case "warn", "warning":
		return logging.LevelWarn, true
	case "error":
		return logging.LevelError, true
	default:
		return 0, false
	}
}
