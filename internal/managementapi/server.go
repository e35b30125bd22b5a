// Package managementapi is the HTTP + WebSocket control surface: health,
// world-model, heartbeat, cron, sessions, archive search, model/alias/
// fallback, skills, and a masked config/status dump, all behind a single
// listen address. Grounded on the teacher's internal/http.Server
// (ServeMux route table, logRequest/stripHeaders middleware chain,
// graceful Start/Stop) and internal/hass's client-side gorilla/websocket
// usage, adapted here to a server-side upgrade since the teacher never
// terminates a WebSocket itself.
package managementapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkessler/gateway/internal/archive"
	"github.com/mkessler/gateway/internal/channelhub"
	"github.com/mkessler/gateway/internal/commands"
	"github.com/mkessler/gateway/internal/config"
	"github.com/mkessler/gateway/internal/cron"
	"github.com/mkessler/gateway/internal/heartbeat"
	"github.com/mkessler/gateway/internal/logging"
	"github.com/mkessler/gateway/internal/sessionlog"
	"github.com/mkessler/gateway/internal/skillstore"
	"github.com/mkessler/gateway/internal/worldmodel"
)

// maxBodyBytes bounds every request body, per spec.md §4.13.
const maxBodyBytes = 1 << 20 // 1 MiB

// healthBroadcastInterval is how often the server pushes a health event
// to every connected WebSocket client.
const healthBroadcastInterval = 30 * time.Second

// Deps bundles every component ManagementAPI exposes a route for. All
// fields are required except Skills, Cron and Heartbeat, which are
// nil-checked.
type Deps struct {
	WorldModel  *worldmodel.WorldModel
	Archive     *archive.Archive
	ArchivePath string
	SessionLog  *sessionlog.Log
	Cron        *cron.Service
	Heartbeat   *heartbeat.Runner
	Commands    commands.Host
	Skills      *skillstore.Store
	Channels    *channelhub.Hub
	Config      *config.Config

	StartedAt time.Time
}

// Server is the management HTTP server.
type Server struct {
	deps   Deps
	server *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	wg          sync.WaitGroup
	broadcastCh chan struct{}
}

// New creates a Server listening on listen (e.g. ":7337").
func New(listen string, deps Deps) *Server {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		deps:        deps,
		clients:     make(map[*wsClient]struct{}),
		broadcastCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Management API is bound to loopback/trusted networks by
			// deployment convention; cross-origin browser clients are not
			// a supported use case.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.limitBody(h)))
	}

	mux.HandleFunc("/api/health", wrap(s.handleHealth))
	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/api/config", wrap(s.handleConfig))

	mux.HandleFunc("/api/worldmodel", wrap(s.handleWorldModel))

	mux.HandleFunc("/api/heartbeat/config", wrap(s.handleHeartbeatConfig))
	mux.HandleFunc("/api/heartbeat/content", wrap(s.handleHeartbeatContent))
	mux.HandleFunc("/api/heartbeat/runs", wrap(s.handleHeartbeatRuns))

	mux.HandleFunc("/api/cron/jobs", wrap(s.handleCronJobs))
	mux.HandleFunc("/api/cron/jobs/", wrap(s.handleCronJob))

	mux.HandleFunc("/api/sessions", wrap(s.handleSessions))
	mux.HandleFunc("/api/sessions/read", wrap(s.handleSessionRead))

	mux.HandleFunc("/api/archive/search", wrap(s.handleArchiveSearch))
	mux.HandleFunc("/api/archive/record", wrap(s.handleArchiveRead))

	mux.HandleFunc("/api/model", wrap(s.handleModel))
	mux.HandleFunc("/api/model/aliases", wrap(s.handleAliases))
	mux.HandleFunc("/api/model/fallbacks", wrap(s.handleFallbacks))
	mux.HandleFunc("/api/model/heartbeat-override", wrap(s.handleHeartbeatModelOverride))

	mux.HandleFunc("/api/skills", wrap(s.handleSkills))
	mux.HandleFunc("/api/skills/", wrap(s.handleSkill))

	mux.HandleFunc("/ws", s.handleWS)

	// Dashboard static assets are out of scope; everything outside /api
	// and /ws is a plain 404 rather than SPA fallback.
	mux.HandleFunc("/", wrap(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	return mux
}

// Start begins serving and the 30s health-broadcast loop.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.L_info("managementapi: listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L_error("managementapi: server error", "error", err)
		}
	}()

	s.wg.Add(1)
	go s.broadcastLoop()
	return nil
}

// Stop gracefully shuts down the HTTP server and closes every WebSocket
// client.
func (s *Server) Stop() error {
	close(s.broadcastCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logging.L_info("managementapi: stopped")
	return err
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(healthBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.broadcastCh:
			return
		case <-ticker.C:
			s.broadcastHealth()
		}
	}
}

func (s *Server) broadcastHealth() {
	payload := s.healthPayload()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.sendEvent("health", payload)
	}
}

// --- middleware, grounded on the teacher's logRequest/stripHeaders chain ---

func (s *Server) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(lw, r)
		logging.L_trace("managementapi: request", "method", r.Method, "path", r.URL.Path, "status", lw.statusCode, "duration", time.Since(start))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

func (s *Server) stripHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next(w, r)
	}
}

func (s *Server) limitBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.L_warn("managementapi: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("managementapi: invalid request body: %w", err)
	}
	return nil
}
