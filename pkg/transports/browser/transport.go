// Package browser serves the browser-facing WebSocket endpoint and the small
// HTTP API around it.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimitBytes int64    `mapstructure:"read_limit_bytes"`
	HistoryLimit   int      `mapstructure:"history_limit"`
	Version        string   `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws/"
	}
	if !strings.HasSuffix(c.WebsocketPath, "/") {
		c.WebsocketPath += "/"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 1 << 20
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return c
}

type Transport struct {
	cfg      Config
	orch     *session.Orchestrator
	store    store.Store
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	server *http.Server
	addr   atomic.Value

	// sessionsCtx is the parent of every session; Drain cancels it.
	sessionsCtx    context.Context
	cancelSessions context.CancelFunc
	mu             sync.Mutex
	sessions       sync.WaitGroup
	draining       atomic.Bool
}

// New wires the transport. st may be nil when persistence is disabled and
// gatherer may be nil to serve the default Prometheus registry.
func New(cfg Config, orch *session.Orchestrator, st store.Store, gatherer prometheus.Gatherer) *Transport {
	cfg = cfg.withDefaults()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		orch:     orch,
		store:    st,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:         logging.NewComponentLogger(slog.Default(), "browser_transport"),
		sessionsCtx:    ctx,
		cancelSessions: cancel,
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "browser" }

// Handler returns the router serving every endpoint.
func (t *Transport) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", t.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", t.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/calls/history", t.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/calls/{session_id}", t.handleGetCall).Methods(http.MethodGet)
	router.HandleFunc(t.cfg.WebsocketPath+"{session_id}", t.handleWebSocket)
	return router
}

// Start listens on the configured address and serves until ctx is done or
// Drain is called. Listen errors are returned immediately.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.Addr, err)
	}
	t.addr.Store(ln.Addr().String())
	t.server = &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = t.Drain()
	}()
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("browser_transport_server_error", slog.String("error", err.Error()))
		}
	}()
	t.logger.Info("browser_transport_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("ws_path", t.cfg.WebsocketPath))
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (t *Transport) Addr() string {
	if v, ok := t.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Drain stops accepting connections, cancels live sessions and waits for
// their cleanup to finish. Safe to call more than once.
func (t *Transport) Drain() error {
	t.mu.Lock()
	already := t.draining.Swap(true)
	t.mu.Unlock()
	if already {
		t.sessions.Wait()
		return nil
	}
	t.logger.Info("browser_transport_draining", slog.Int64("active_sessions", t.orch.ActiveSessions()))
	t.cancelSessions()
	t.sessions.Wait()
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			return err
		}
	}
	t.logger.Info("browser_transport_drained")
	return nil
}

func (t *Transport) Draining() bool { return t.draining.Load() }

// acquire registers a new session unless the transport is draining.
func (t *Transport) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining.Load() {
		return false
	}
	t.sessions.Add(1)
	return true
}

func (t *Transport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["session_id"])
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if !t.acquire() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer t.sessions.Done()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Info("websocket_upgrade_failed",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.ReasonTransportUpgrade)),
			slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(t.cfg.ReadLimitBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	go keepAlive(conn, stopPing)
	defer close(stopPing)

	if err := t.orch.Run(t.sessionsCtx, id, &deadlineConn{Conn: conn}); err != nil {
		t.logger.Info("session_not_started", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// deadlineConn extends the read deadline on every client message, so an
// active client never depends on pong timing.
type deadlineConn struct {
	*websocket.Conn
}

func (c *deadlineConn) ReadMessage() (int, []byte, error) {
	mt, p, err := c.Conn.ReadMessage()
	if err == nil {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	return mt, p, err
}

func keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *Transport) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":               "callscribe",
		"version":               t.cfg.Version,
		"transcription_enabled": t.orch.TranscriptionEnabled(),
		"database_enabled":      t.store != nil,
		"active_sessions":       t.orch.ActiveSessions(),
	})
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if t.draining.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"active_sessions": t.orch.ActiveSessions(),
	})
}

func (t *Transport) handleHistory(w http.ResponseWriter, r *http.Request) {
	if t.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
		return
	}
	limit := t.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	calls, err := t.store.ListCalls(r.Context(), limit)
	if err != nil {
		t.logger.Warn("call_history_failed",
			slog.String("reason_code", string(errorsx.ReasonStoreRead)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load history"})
		return
	}
	if calls == nil {
		calls = []store.Call{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (t *Transport) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if t.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
		return
	}
	key := mux.Vars(r)["session_id"]
	call, lines, err := t.store.GetCall(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	if err != nil {
		t.logger.Warn("call_lookup_failed",
			slog.String("session_id", key),
			slog.String("reason_code", string(errorsx.ReasonStoreRead)),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load call"})
		return
	}
	if lines == nil {
		lines = []store.TranscriptLine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"call": call, "transcript": lines})
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	t.logger.Info("websocket_origin_rejected", slog.String("origin", origin))
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
