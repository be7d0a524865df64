// Package api exposes the runtime over HTTP: health and Prometheus
// endpoints, a REST surface for sessions, schedules, and lessons, and a
// WebSocket stream of live journal events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/keel/internal/journal"
	"github.com/haasonsaas/keel/internal/kernel"
	"github.com/haasonsaas/keel/internal/observability"
	"github.com/haasonsaas/keel/internal/scheduler"
	"github.com/haasonsaas/keel/internal/sessions"
	"github.com/haasonsaas/keel/pkg/models"
)

// TaskService is the kernel surface the API drives.
type TaskService interface {
	Submit(ctx context.Context, text string, opts kernel.SubmitOptions) (*models.Session, error)
	Abort(sessionID string) error
}

// EventSource replays and streams journal events.
type EventSource interface {
	Subscribe(l journal.Listener) func()
	ReadSession(sessionID string) ([]models.Event, error)
}

// ScheduleService is the scheduler surface exposed over REST.
type ScheduleService interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*models.Schedule, error)
	Update(ctx context.Context, id string, req scheduler.UpdateRequest) (*models.Schedule, error)
	Delete(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) (*models.Schedule, error)
	Resume(ctx context.Context, id string) (*models.Schedule, error)
	Get(id string) (*models.Schedule, error)
	List() []*models.Schedule
}

// LessonSource lists recorded lessons.
type LessonSource interface {
	All() ([]models.Lesson, error)
}

// Config carries the listen address and backing services. Tasks, Sessions,
// and Events are required. Schedules and Lessons may be nil; their routes
// then answer 503.
type Config struct {
	Addr string

	Tasks     TaskService
	Sessions  sessions.Store
	Events    EventSource
	Schedules ScheduleService
	Lessons   LessonSource

	// Submit supplies the defaults for API-submitted sessions: mode, limits,
	// policy profile, and pre-granted scopes. Requests may override mode,
	// agentic, and limits.
	Submit kernel.SubmitOptions
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "api")
		}
	}
}

// WithMetrics attaches request and subscriber metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer attaches request tracing.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server is the HTTP front end. Create with New, serve with Start, and stop
// with Shutdown.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	mux      *http.ServeMux
	handler  http.Handler
	upgrader websocket.Upgrader

	// quit stops WebSocket write loops on shutdown; wg tracks them.
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

// New wires the route table over the given services.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("api: task service is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("api: session store is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("api: event source is required")
	}

	s := &Server{
		cfg:    cfg,
		logger: slog.Default().With("component", "api"),
		now:    time.Now,
		mux:    http.NewServeMux(),
		quit:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)

	s.mux.HandleFunc("POST /v1/sessions", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)

	s.mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	s.mux.HandleFunc("GET /v1/schedules/{id}", s.handleGetSchedule)
	s.mux.HandleFunc("PATCH /v1/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)
	s.mux.HandleFunc("POST /v1/schedules/{id}/pause", s.handlePauseSchedule)
	s.mux.HandleFunc("POST /v1/schedules/{id}/resume", s.handleResumeSchedule)

	s.mux.HandleFunc("GET /v1/lessons", s.handleLessons)

	s.handler = s.instrument(s.mux)
	return s, nil
}

// Handler returns the full route table, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the configured address and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Addr, err)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http serve failed", "error", err)
		}
	}()

	s.logger.Info("api listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown stops accepting requests, drains in-flight handlers, and closes
// WebSocket subscribers. It honors the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	server := s.server
	s.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// instrument wraps the mux with request logging, metrics, and tracing. The
// route label uses the matched mux pattern so path parameters do not explode
// metric cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		if s.tracer != nil {
			ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		elapsed := s.now().Sub(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), elapsed.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// statusWriter records the response code for the access log. It forwards
// Hijack so the WebSocket upgrade still works through the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("api: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// decodeJSON reads a strict single-object JSON body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return err
	}
	return nil
}
