// Package httpapi exposes the chat service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"golang.org/x/sync/errgroup"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/observability"
	"welfare-agent/internal/usecase"
)

const (
	defaultPathPrefix   = "/api/chat"
	defaultMaxBodyBytes = 64 << 10
	readyCheckTimeout   = 3 * time.Second
)

// ChatService is the request flow the routes drive.
type ChatService interface {
	CreateThread(ctx context.Context) (domain.Thread, error)
	SendMessage(ctx context.Context, in usecase.MessageInput) (usecase.MessageOutput, error)
	StreamMessage(ctx context.Context, in usecase.MessageInput, emit func(usecase.StreamEvent) error) error
	ListMessages(ctx context.Context, threadID string, limit, offset int) (usecase.MessagePage, error)
}

type Limiter interface {
	Allow(key string) bool
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RateRecorder interface {
	ObserveRateLimited(category string)
}

type Config struct {
	PathPrefix   string
	TrustProxy   bool
	MaxBodyBytes int64
	// RetryAfter is advertised on 429 responses; zero omits the header.
	RetryAfter time.Duration
}

type Server struct {
	svc          ChatService
	cfg          Config
	writeLimiter Limiter
	readLimiter  Limiter
	rateRecorder RateRecorder
	checks       map[string]Pinger
	metrics      *middleware.Middleware
}

type Option func(*Server)

// WithLimiters installs the write (POST) and read (GET) limiters.
func WithLimiters(write, read Limiter) Option {
	return func(s *Server) {
		s.writeLimiter = write
		s.readLimiter = read
	}
}

func WithRateRecorder(r RateRecorder) Option {
	return func(s *Server) { s.rateRecorder = r }
}

// WithReadinessCheck adds a named dependency to /ready.
func WithReadinessCheck(name string, p Pinger) Option {
	return func(s *Server) {
		if p != nil {
			s.checks[name] = p
		}
	}
}

// WithMetrics records per-route request metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Server) {
		mw := middleware.New(middleware.Config{
			Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: reg, Prefix: "welfare"}),
		})
		s.metrics = &mw
	}
}

func NewServer(svc ChatService, cfg Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("httpapi: chat service must not be nil")
	}
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")
	if cfg.PathPrefix == "/" {
		cfg.PathPrefix = defaultPathPrefix
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{svc: svc, cfg: cfg, checks: make(map[string]Pinger)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the routed handler with every middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.handle(r, "/health", s.health, http.MethodGet)
	s.handle(r, "/ready", s.ready, http.MethodGet)

	api := r.PathPrefix(s.cfg.PathPrefix).Subrouter()
	api.Use(s.rateLimit)
	s.handle(api, "/threads", s.createThread, http.MethodPost)
	s.handle(api, "/threads/{id}/messages", s.sendMessage, http.MethodPost)
	s.handle(api, "/threads/{id}/messages/stream", s.streamMessage, http.MethodPost)
	s.handle(api, "/threads/{id}/messages", s.listMessages, http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	})

	return requestContext(recoverer(r))
}

// handle registers fn under path, labelled in metrics by its route template.
func (s *Server) handle(r *mux.Router, path string, fn http.HandlerFunc, method string) {
	var h http.Handler = fn
	if s.metrics != nil {
		h = std.Handler(method+" "+s.routeLabel(path), *s.metrics, h)
	}
	r.Handle(path, h).Methods(method)
}

func (s *Server) routeLabel(path string) string {
	if path == "/health" || path == "/ready" {
		return path
	}
	return s.cfg.PathPrefix + path
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ready pings every registered dependency concurrently.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out = readyResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	)
	var g errgroup.Group
	for name, p := range s.checks {
		g.Go(func() error {
			err := p.Ping(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				observability.LoggerFromContext(ctx).WarnContext(ctx, "readiness check failed", "dependency", name, "err", err)
				out.Checks[name] = "unavailable"
				out.Status = "unavailable"
				return nil
			}
			out.Checks[name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	if out.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}
