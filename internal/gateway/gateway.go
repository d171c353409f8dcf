// Package gateway exposes the orchestrator over HTTP: a small REST API for
// task lifecycle operations, a WebSocket feed of runtime events, and
// health/metrics endpoints for operators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/limiter"
	"github.com/ferrolith/taskmux/internal/loopguard"
	"github.com/ferrolith/taskmux/internal/orchestrator"
	"github.com/ferrolith/taskmux/internal/pool"
	"github.com/ferrolith/taskmux/internal/shared"
	"github.com/ferrolith/taskmux/internal/store"
)

type Config struct {
	Orch    *orchestrator.Orchestrator
	Pool    *pool.Pool
	Limiter *limiter.Limiter
	Bus     *bus.Bus
	Logger  *slog.Logger

	// AuthToken protects every endpoint except /healthz when non-empty.
	// Empty disables auth for local single-user setups.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /statusz.
	ConfigFingerprint string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*wsClient]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeOrchestratorError maps the orchestrator's error taxonomy onto HTTP
// status codes.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch oe.Code {
	case orchestrator.CodeTaskNotFound:
		status = http.StatusNotFound
	case orchestrator.CodeTaskAlreadyRunning:
		status = http.StatusConflict
	case orchestrator.CodeTaskExpired:
		status = http.StatusGone
	case orchestrator.CodePayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case orchestrator.CodeExecutionFailed:
		status = http.StatusServiceUnavailable
	case loopguard.CodeLoopDetected, loopguard.CodeDepthExceeded,
		loopguard.CodeChainTooLong, loopguard.CodeBlockedPattern:
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, oe.Code, oe.Message)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := s.cfg.Orch.IsHealthy(r.Context())
	payload := map[string]any{"healthy": healthy}
	if s.cfg.Pool != nil {
		ps := s.cfg.Pool.Stats()
		payload["pool_available"] = ps.Available
		payload["pool_size"] = ps.Size
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"orchestrator":       s.cfg.Orch.Stats(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"alloc_bytes":        mem.Alloc,
		"goroutines":         runtime.NumGoroutine(),
	}
	if taskStats, err := s.cfg.Orch.TaskStats(r.Context()); err == nil {
		payload["tasks"] = taskStats
	}
	if s.cfg.Pool != nil {
		payload["pool"] = s.cfg.Pool.Stats()
	}
	if s.cfg.Limiter != nil {
		payload["limiter"] = s.cfg.Limiter.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	os := s.cfg.Orch.Stats()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP taskmux_running_tasks Tasks currently executing.\n")
	fmt.Fprintf(w, "# TYPE taskmux_running_tasks gauge\n")
	fmt.Fprintf(w, "taskmux_running_tasks %d\n", os.Running)
	fmt.Fprintf(w, "# HELP taskmux_completed_total Tasks completed successfully.\n")
	fmt.Fprintf(w, "# TYPE taskmux_completed_total counter\n")
	fmt.Fprintf(w, "taskmux_completed_total %d\n", os.Completed)
	fmt.Fprintf(w, "# HELP taskmux_failed_total Tasks that ended failed.\n")
	fmt.Fprintf(w, "# TYPE taskmux_failed_total counter\n")
	fmt.Fprintf(w, "taskmux_failed_total %d\n", os.Failed)
	fmt.Fprintf(w, "# HELP taskmux_retries_total Retry attempts scheduled.\n")
	fmt.Fprintf(w, "# TYPE taskmux_retries_total counter\n")
	fmt.Fprintf(w, "taskmux_retries_total %d\n", os.Retried)
	fmt.Fprintf(w, "# HELP taskmux_loops_prevented_total Dispatches rejected by the loop guard.\n")
	fmt.Fprintf(w, "# TYPE taskmux_loops_prevented_total counter\n")
	fmt.Fprintf(w, "taskmux_loops_prevented_total %d\n", os.LoopPrevented)
	fmt.Fprintf(w, "# HELP taskmux_cache_hits_total Completed-task replays served without execution.\n")
	fmt.Fprintf(w, "# TYPE taskmux_cache_hits_total counter\n")
	fmt.Fprintf(w, "taskmux_cache_hits_total %d\n", os.CacheHits)
	if s.cfg.Pool != nil {
		ps := s.cfg.Pool.Stats()
		fmt.Fprintf(w, "# HELP taskmux_pool_available Idle pooled connections.\n")
		fmt.Fprintf(w, "# TYPE taskmux_pool_available gauge\n")
		fmt.Fprintf(w, "taskmux_pool_available %d\n", ps.Available)
		fmt.Fprintf(w, "# HELP taskmux_pool_queue_depth Waiters queued for a connection.\n")
		fmt.Fprintf(w, "# TYPE taskmux_pool_queue_depth gauge\n")
		fmt.Fprintf(w, "taskmux_pool_queue_depth %d\n", ps.QueueDepth)
		fmt.Fprintf(w, "# HELP taskmux_pool_timeouts_total Acquires that timed out in the queue.\n")
		fmt.Fprintf(w, "# TYPE taskmux_pool_timeouts_total counter\n")
		fmt.Fprintf(w, "taskmux_pool_timeouts_total %d\n", ps.AcquireTimeouts)
	}
	if s.cfg.Limiter != nil {
		ls := s.cfg.Limiter.Stats()
		fmt.Fprintf(w, "# HELP taskmux_limiter_rejected_total Requests rejected by the rate limiter.\n")
		fmt.Fprintf(w, "# TYPE taskmux_limiter_rejected_total counter\n")
		fmt.Fprintf(w, "taskmux_limiter_rejected_total %d\n", ls.Rejected)
		fmt.Fprintf(w, "# HELP taskmux_limiter_buckets Active per-client buckets.\n")
		fmt.Fprintf(w, "# TYPE taskmux_limiter_buckets gauge\n")
		fmt.Fprintf(w, "taskmux_limiter_buckets %d\n", ls.ActiveBuckets)
	}
	fmt.Fprintf(w, "# HELP taskmux_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE taskmux_alloc_bytes gauge\n")
	fmt.Fprintf(w, "taskmux_alloc_bytes %d\n", mem.Alloc)
}

type submitRequest struct {
	Client    string         `json:"client"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Engine    string         `json:"engine,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	// Run executes the task synchronously after creation.
	Run            bool `json:"run,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.submitTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status: store.TaskStatus(q.Get("status")),
		Client: q.Get("client"),
		Type:   q.Get("type"),
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			f.Limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			f.Offset = v
		}
	}
	tasks, total, err := s.cfg.Orch.ListTasks(r.Context(), f)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "type is required")
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	if req.Client != "" {
		ctx = shared.WithClientID(ctx, req.Client)
	}

	task, err := s.cfg.Orch.SubmitTask(ctx, req.Client, req.Type, req.Payload, orchestrator.SubmitOptions{
		Engine:    req.Engine,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	if !req.Run {
		writeJSON(w, http.StatusCreated, task)
		return
	}

	opts := orchestrator.Options{}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	result, err := s.cfg.Orch.RunTask(ctx, task.ID, opts)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTaskByID routes /api/v1/tasks/{id}[/run].
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "no task id in path")
		return
	}

	switch {
	case action == "run" && r.Method == http.MethodPost:
		s.runTask(w, r, taskID)
	case action == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Orch.GetTask(r.Context(), taskID)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "" && r.Method == http.MethodDelete:
		force := r.URL.Query().Get("force") == "true"
		if err := s.cfg.Orch.DeleteTask(r.Context(), taskID, force); err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": taskID})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method)
	}
}

type runRequest struct {
	Engine         string `json:"engine,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	MaxRetries     *int   `json:"max_retries,omitempty"`
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
	}
	opts := orchestrator.Options{
		Engine:     req.Engine,
		MaxRetries: req.MaxRetries,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	result, err := s.cfg.Orch.RunTask(ctx, taskID, opts)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// wsEvent is the wire shape of one forwarded bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams runtime events to the client. The optional ?topics=
// query narrows the subscription prefix; default is everything under
// "task.".
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_BUS", "event bus not configured")
		return
	}
	// "*" subscribes to every topic; the default is the task lifecycle.
	prefix := r.URL.Query().Get("topics")
	switch prefix {
	case "":
		prefix = "task."
	case "*":
		prefix = ""
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	// Subscribe before the client becomes visible so a caller that waits on
	// ClientCount cannot publish into the gap.
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	c := &wsClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected", "topics", prefix)
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	// Reads are discarded; their only job is detecting a closed peer.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
