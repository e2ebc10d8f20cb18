package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/hub"
	"github.com/jpalmerr/pingstream/internal/registry"
)

const (
	// sseWriteTimeout bounds a single stream write so a stalled client cannot
	// pin its handler. Must be <= shutdownTimeout.
	sseWriteTimeout = 5 * time.Second

	// keepAliveInterval is how often an idle stream sends a comment frame.
	keepAliveInterval = 15 * time.Second

	shutdownTimeout = 5 * time.Second

	// defaultResultLimit caps GET /api/results when no limit is given.
	defaultResultLimit = 100

	defaultTitle = "pingstream"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// Engine is the monitor surface the server drives.
type Engine interface {
	Register(ctx context.Context, url string) (check.Target, error)
	Remove(ctx context.Context, id check.TargetID) error
	Targets(ctx context.Context) []check.Target
	Target(ctx context.Context, id check.TargetID) (check.Target, error)
	Subscribe(filter check.Filter) hub.Subscription
	Unsubscribe(id hub.SubscriberID)
	Recent(filter check.Filter, n int) []check.Result
	Latest() []check.Result
}

// Config holds the server settings.
type Config struct {
	// Listen is the TCP address to bind.
	Listen string

	// Title is the dashboard title. Defaults to "pingstream".
	Title string

	// Replay is how many recent results a stream sends before live results
	// when the request does not say.
	Replay int
}

// Server handles HTTP requests for the dashboard, API and streams.
type Server struct {
	engine  Engine
	cfg     Config
	assets  fs.FS
	metrics http.Handler
	logger  *zap.Logger

	httpServer  *http.Server
	addr        string
	done        chan struct{}
	shutdownErr error
}

// New creates a [Server]. assets and metrics may be nil, in which case the
// dashboard and /metrics routes are not mounted.
//
// The server is not started until [Server.Start] is called; [Server.Handler]
// can be used without starting it.
func New(engine Engine, cfg Config, assets fs.FS, metrics http.Handler, logger *zap.Logger) *Server {
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  engine,
		cfg:     cfg,
		assets:  assets,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)

	if s.assets != nil {
		r.Get("/", s.handleDashboard)
	}
	r.Post("/targets", s.handleTargetForm)
	r.Get("/events", s.handleSSE)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.handleWebSocket)

		r.Get("/targets", s.handleListTargets)
		r.Post("/targets", s.handleAddTarget)
		r.Get("/targets/{id}", s.handleGetTarget)
		r.Delete("/targets/{id}", s.handleDeleteTarget)

		r.Get("/results", s.handleRecentResults)
		r.Get("/results/latest", s.handleLatestResults)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns once the listener is bound. The server
// runs until ctx is cancelled, then shuts down with a 5-second timeout; use
// [Server.Wait] to block until that completes.
//
// Returns an error if the listen address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", s.cfg.Listen, err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts end with ctx so streams notice shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	s.done = make(chan struct{})

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_server_error", zap.Error(err))
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.shutdownErr = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http_server_listening", zap.String("addr", s.addr))
	return nil
}

// Addr returns the bound address once [Server.Start] has succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Wait blocks until a started server has shut down and returns the
// shutdown error, if any. It returns nil immediately if the server was
// never started.
func (s *Server) Wait() error {
	if s.done == nil {
		return nil
	}
	<-s.done
	return s.shutdownErr
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// escape to keep a configured title from injecting markup
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(s.cfg.Title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(rendered)); err != nil {
		s.logger.Error("dashboard_write_failed", zap.Error(err))
	}
}

// handleTargetForm registers the URL submitted from the dashboard form.
func (s *Server) handleTargetForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if _, ok := s.register(w, r, r.PostForm.Get("url")); !ok {
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type addTargetRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var req addTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, ok := s.register(w, r, req.URL)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, t, s.logger)
}

// register validates raw and registers it, writing the error response
// itself on failure.
func (s *Server) register(w http.ResponseWriter, r *http.Request, raw string) (check.Target, bool) {
	url, err := check.ValidateURL(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return check.Target{}, false
	}

	t, err := s.engine.Register(r.Context(), url)
	if err != nil {
		s.writeEngineError(w, "register_target_failed", err)
		return check.Target{}, false
	}

	s.logger.Info("target_added",
		zap.String("target_id", string(t.ID)),
		zap.String("url", t.URL),
	)
	return t, true
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.engine.Targets(r.Context())
	if targets == nil {
		targets = []check.Target{}
	}
	writeJSON(w, http.StatusOK, targets, s.logger)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Target(r.Context(), check.TargetID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeEngineError(w, "get_target_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, t, s.logger)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := check.TargetID(chi.URLParam(r, "id"))
	if err := s.engine.Remove(r.Context(), id); err != nil {
		s.writeEngineError(w, "remove_target_failed", err)
		return
	}
	s.logger.Info("target_removed", zap.String("target_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentResults(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.filter(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.engine.Recent(filter, limit)), s.logger)
}

func (s *Server) handleLatestResults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.engine.Latest()), s.logger)
}

// nonNil keeps empty result lists encoding as [] rather than null.
func nonNil(rs []check.Result) []check.Result {
	if rs == nil {
		return []check.Result{}
	}
	return rs
}

// filter reads ?target=. An unknown target is answered with 404.
func (s *Server) filter(w http.ResponseWriter, r *http.Request) (check.Filter, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("target"))
	if id == "" {
		return check.All(), true
	}
	if _, err := s.engine.Target(r.Context(), check.TargetID(id)); err != nil {
		s.writeEngineError(w, "stream_target_lookup_failed", err)
		return check.Filter{}, false
	}
	return check.Only(check.TargetID(id)), true
}

// streamParams reads the filter and replay count shared by both streams.
func (s *Server) streamParams(w http.ResponseWriter, r *http.Request) (check.Filter, int, bool) {
	filter, ok := s.filter(w, r)
	if !ok {
		return check.Filter{}, 0, false
	}
	replay, err := intParam(r, "replay", s.cfg.Replay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return check.Filter{}, 0, false
	}
	return filter, replay, true
}

// attach subscribes first and then reads the replay, so no result falls in
// the gap between the two. Live results at or before the newest replayed
// result of their target are reported by the returned marks and must be
// skipped, keeping each target's stream in order without repeats.
func (s *Server) attach(filter check.Filter, replay int) (hub.Subscription, []check.Result, replayMarks) {
	sub := s.engine.Subscribe(filter)
	if replay <= 0 {
		return sub, nil, nil
	}
	backlog := s.engine.Recent(filter, replay)
	marks := make(replayMarks)
	for _, r := range backlog {
		if last, ok := marks[r.TargetID]; !ok || r.Timestamp.After(last) {
			marks[r.TargetID] = r.Timestamp
		}
	}
	return sub, backlog, marks
}

// replayMarks holds the newest replayed timestamp per target.
type replayMarks map[check.TargetID]time.Time

// stale reports whether r is not newer than what was already replayed for
// its target. A target's mark is dropped once a newer result passes it.
func (rm replayMarks) stale(r check.Result) bool {
	if len(rm) == 0 {
		return false
	}
	last, ok := rm[r.TargetID]
	if !ok {
		return false
	}
	if r.Timestamp.After(last) {
		delete(rm, r.TargetID)
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, event string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(event, zap.Error(err))
	} else {
		s.logger.Debug(event, zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrDuplicateTarget):
		return http.StatusConflict
	case errors.Is(err, registry.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg}, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("json_encode_failed", zap.Error(err))
	}
}
