// Package http serves the engine's inspection and trigger surface: relay
// status, query records and slots, live subscriptions, call correlation and
// plain publish, plus Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/c360/hypernote/call"
	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/event"
	"github.com/c360/hypernote/health"
	"github.com/c360/hypernote/notify"
	"github.com/c360/hypernote/query"
	"github.com/c360/hypernote/relay"
	"github.com/c360/hypernote/subscription"
)

// Calls is the correlator surface the gateway drives
type Calls interface {
	Call(ctx context.Context, fn string, args json.RawMessage, target string) (*call.PendingCall, error)
	Publish(ctx context.Context, kind int, tags event.Tags, content string) (*event.Event, error)
	Get(callID string) (*call.PendingCall, bool)
	Cancel(callID string) bool
	Pending() []call.Snapshot
}

// Queries is the read side of the query store
type Queries interface {
	Queries() []string
	QueryResult(queryID string) (query.Record, bool)
	Binding(queryID string) (query.Binding, bool)
	Slots(queryID string) []query.Slot
	Slot(slotID string) (query.Slot, bool)
}

// Relays reports per-relay connection state
type Relays interface {
	Statuses() map[string]relay.ConnectionStatus
}

// Subscriptions lists live subscriptions
type Subscriptions interface {
	Active() []subscription.Info
}

// Notifications lists recent user notifications
type Notifications interface {
	Entries() []notify.Entry
}

// Dependencies are the engine parts the gateway exposes. Nil fields disable
// their routes.
type Dependencies struct {
	Calls         Calls
	Queries       Queries
	Relays        Relays
	Subscriptions Subscriptions
	Notifications Notifications
	Health        *health.Monitor
	Metrics       http.Handler
	Logger        *slog.Logger
}

// getOrGenerateRequestID extracts the request ID from headers or generates a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Gateway is the HTTP server over the engine
type Gateway struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	router *mux.Router

	limiters *limiterPool

	running atomic.Bool

	mu        sync.RWMutex
	server    *http.Server
	startTime time.Time

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	bytesReceived  atomic.Uint64
	lastActivity   atomic.Int64
}

// Stats summarizes request traffic since start
type Stats struct {
	RequestsTotal  uint64    `json:"requests_total"`
	RequestsFailed uint64    `json:"requests_failed"`
	BytesReceived  uint64    `json:"bytes_received"`
	LastActivity   time.Time `json:"last_activity"`
	Uptime         string    `json:"uptime"`
}

// NewGateway validates config and builds the router
func NewGateway(config Config, deps Dependencies) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "config validation")
	}
	if deps.Calls == nil && deps.Queries == nil && deps.Relays == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"at least one of calls, queries or relays is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config: config,
		deps:   deps,
		logger: logger.With("component", "http-gateway"),
	}
	if config.RateLimit > 0 {
		g.limiters = newLimiterPool(config.RateLimit, config.RateBurst)
	}
	g.router = g.routes()
	return g, nil
}

// Handler returns the routed handler, for embedding or httptest
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.track)
	if g.limiters != nil {
		r.Use(g.limit)
	}
	if g.config.EnableCORS {
		r.Use(g.cors)
		r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)

	if g.deps.Relays != nil {
		r.HandleFunc("/relays", g.handleRelays).Methods(http.MethodGet)
	}
	if g.deps.Queries != nil {
		r.HandleFunc("/queries", g.handleQueries).Methods(http.MethodGet)
		r.HandleFunc("/queries/{id}", g.handleQuery).Methods(http.MethodGet)
		r.HandleFunc("/slots/{id}", g.handleSlot).Methods(http.MethodGet)
	}
	if g.deps.Subscriptions != nil {
		r.HandleFunc("/subscriptions", g.handleSubscriptions).Methods(http.MethodGet)
	}
	if g.deps.Notifications != nil {
		r.HandleFunc("/notifications", g.handleNotifications).Methods(http.MethodGet)
	}
	if g.deps.Calls != nil {
		r.HandleFunc("/calls", g.handleListCalls).Methods(http.MethodGet)
		r.HandleFunc("/calls", g.handleCreateCall).Methods(http.MethodPost)
		r.HandleFunc("/calls/{id}", g.handleGetCall).Methods(http.MethodGet)
		r.HandleFunc("/calls/{id}", g.handleCancelCall).Methods(http.MethodDelete)
		r.HandleFunc("/events", g.handlePublish).Methods(http.MethodPost)
	}
	if g.deps.Metrics != nil {
		r.Handle("/metrics", g.deps.Metrics).Methods(http.MethodGet)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, http.StatusNotFound, "resource not found")
	})
	return r
}

// Start listens on the configured address
func (g *Gateway) Start(_ context.Context) error {
	if g.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start",
			"gateway already running")
	}

	server := &http.Server{
		Addr:              g.config.Addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         g.config.TLS,
	}

	g.mu.Lock()
	g.server = server
	g.startTime = time.Now()
	g.mu.Unlock()
	g.running.Store(true)

	go func() {
		g.logger.Info("HTTP gateway listening", "addr", g.config.Addr, "tls", server.TLSConfig != nil)
		var err error
		if server.TLSConfig != nil {
			// Certificates come from TLSConfig.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			g.logger.Error("HTTP gateway stopped", "error", err)
			g.running.Store(false)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to timeout for in-flight requests
func (g *Gateway) Stop(timeout time.Duration) error {
	if !g.running.Swap(false) {
		return nil
	}

	g.mu.RLock()
	server := g.server
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "server shutdown")
	}
	return nil
}

// Stats returns request counters
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	startTime := g.startTime
	g.mu.RUnlock()

	s := Stats{
		RequestsTotal:  g.requestsTotal.Load(),
		RequestsFailed: g.requestsFailed.Load(),
		BytesReceived:  g.bytesReceived.Load(),
	}
	if ts := g.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	if !startTime.IsZero() {
		s.Uptime = time.Since(startTime).Round(time.Second).String()
	}
	return s
}

// statusRecorder captures the response code for failure accounting
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *Gateway) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		g.requestsTotal.Add(1)
		g.lastActivity.Store(time.Now().UnixNano())

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusBadRequest {
			g.requestsFailed.Add(1)
		}
		g.logger.Debug("HTTP request",
			"request_id", requestID, "method", r.Method, "path", r.URL.Path, "status", rec.status)
	})
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range g.config.CORSOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.deps.Health == nil {
		g.writeJSON(w, http.StatusOK, health.NewHealthy("hypernote", "running"))
		return
	}

	status := g.deps.Health.AggregateHealth("hypernote")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

func (g *Gateway) handleRelays(w http.ResponseWriter, _ *http.Request) {
	statuses := g.deps.Relays.Statuses()
	out := make(map[string]string, len(statuses))
	for url, s := range statuses {
		out[url] = s.String()
	}
	g.writeJSON(w, http.StatusOK, out)
}

// queryView is one query as exposed over HTTP
type queryView struct {
	ID      string         `json:"id"`
	Record  query.Record   `json:"record,omitempty"`
	Binding *query.Binding `json:"binding,omitempty"`
	Slots   []query.Slot   `json:"slots,omitempty"`
}

func (g *Gateway) queryView(id string) (queryView, bool) {
	v := queryView{ID: id}
	rec, hasRecord := g.deps.Queries.QueryResult(id)
	if hasRecord {
		v.Record = rec
	}
	b, hasBinding := g.deps.Queries.Binding(id)
	if hasBinding {
		v.Binding = &b
	}
	v.Slots = g.deps.Queries.Slots(id)
	return v, hasRecord || hasBinding || len(v.Slots) > 0
}

func (g *Gateway) handleQueries(w http.ResponseWriter, _ *http.Request) {
	ids := g.deps.Queries.Queries()
	sort.Strings(ids)

	out := make([]queryView, 0, len(ids))
	for _, id := range ids {
		v, _ := g.queryView(id)
		out = append(out, v)
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := g.queryView(id)
	if !ok {
		g.writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	g.writeJSON(w, http.StatusOK, v)
}

func (g *Gateway) handleSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := g.deps.Queries.Slot(mux.Vars(r)["id"])
	if !ok {
		g.writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	g.writeJSON(w, http.StatusOK, slot)
}

func (g *Gateway) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.deps.Subscriptions.Active())
}

func (g *Gateway) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.deps.Notifications.Entries())
}

func (g *Gateway) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.deps.Calls.Pending())
}

// callRequest is the body of POST /calls
type callRequest struct {
	Function string          `json:"fn"`
	Args     json.RawMessage `json:"args,omitempty"`
	Target   string          `json:"target,omitempty"`
	Wait     bool            `json:"wait,omitempty"`
}

func (g *Gateway) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	pc, err := g.deps.Calls.Call(r.Context(), req.Function, req.Args, req.Target)
	if err != nil {
		g.writeClassified(w, err)
		return
	}

	if !req.Wait && r.URL.Query().Get("wait") != "true" {
		g.writeJSON(w, http.StatusAccepted, pc.Snapshot())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.WaitTimeout)
	defer cancel()
	if _, err := pc.Wait(ctx); err != nil && !pc.State().Final() {
		// The call keeps running; the client can poll GET /calls/{id}.
		g.writeJSON(w, http.StatusAccepted, pc.Snapshot())
		return
	}
	g.writeJSON(w, http.StatusOK, pc.Snapshot())
}

func (g *Gateway) handleGetCall(w http.ResponseWriter, r *http.Request) {
	pc, ok := g.deps.Calls.Get(mux.Vars(r)["id"])
	if !ok {
		g.writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	g.writeJSON(w, http.StatusOK, pc.Snapshot())
}

func (g *Gateway) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !g.deps.Calls.Cancel(id) {
		if _, ok := g.deps.Calls.Get(id); ok {
			g.writeError(w, http.StatusConflict, "call already finished")
			return
		}
		g.writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishRequest is the body of POST /events
type publishRequest struct {
	Kind    int        `json:"kind"`
	Tags    event.Tags `json:"tags,omitempty"`
	Content string     `json:"content"`
}

func (g *Gateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Kind < 0 {
		g.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ev, err := g.deps.Calls.Publish(r.Context(), req.Kind, req.Tags, req.Content)
	if err != nil {
		g.writeClassified(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, ev)
}

// decodeBody reads at most MaxRequestSize bytes and decodes JSON into v
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.config.MaxRequestSize))
		return false
	}
	g.bytesReceived.Add(uint64(len(body)))

	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (g *Gateway) writeClassified(w http.ResponseWriter, err error) {
	status := g.mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Warn("Request failed", "error", err)
	}
	g.writeError(w, status, g.sanitizeError(err))
}

// mapErrorToHTTPStatus maps classified engine errors to HTTP status codes
func (g *Gateway) mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	switch {
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrNoRelayAccepted):
		return http.StatusBadGateway
	case stderrors.Is(err, errors.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.IsTransient(err):
		if stderrors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	}

	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a message safe for external clients. Invalid input
// errors name the broken input class; everything else stays generic.
func (g *Gateway) sanitizeError(err error) string {
	if err == nil {
		return "internal server error"
	}

	if errors.IsInvalid(err) {
		for _, sentinel := range []error{
			errors.ErrInvalidArguments, errors.ErrInvalidEvent, errors.ErrInvalidFilter,
		} {
			if stderrors.Is(err, sentinel) {
				return "invalid request: " + sentinel.Error()
			}
		}
		return "invalid request"
	}
	if stderrors.Is(err, errors.ErrNoRelayAccepted) {
		return errors.ErrNoRelayAccepted.Error()
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	}
	if strings.Contains(err.Error(), "not found") {
		return "resource not found"
	}
	return "internal server error"
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an error response
func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}
