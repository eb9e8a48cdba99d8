package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/demo-copilot/pkg/gateway/config"
	"github.com/vango-go/demo-copilot/pkg/gateway/handlers"
	"github.com/vango-go/demo-copilot/pkg/gateway/lifecycle"
	"github.com/vango-go/demo-copilot/pkg/gateway/mw"
	"github.com/vango-go/demo-copilot/pkg/gateway/ratelimit"
	"github.com/vango-go/demo-copilot/pkg/metrics"
	"github.com/vango-go/demo-copilot/pkg/registry"
)

// Deps are the process-wide services the HTTP surface fronts.
type Deps struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	// History is nil when no database is configured.
	History handlers.HistoryStore
	Checks  map[string]handlers.Check
}

type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux

	limiter        *ratelimit.Limiter
	sessionStreams *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentStreams:  cfg.MaxStreamsPerPrincipal,
		}),
		sessionStreams: ratelimit.New(ratelimit.Config{
			MaxConcurrentStreams: cfg.MaxStreamsPerSession,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle:   s.deps.Lifecycle,
		Registry:    s.deps.Registry,
		MaxSessions: s.cfg.MaxSessions,
		Checks:      s.deps.Checks,
	})
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	demos := handlers.Demos{
		Config:    s.cfg,
		Registry:  s.deps.Registry,
		Lifecycle: s.deps.Lifecycle,
		Logger:    s.logger,
	}
	s.mux.HandleFunc("POST /v1/demos", demos.Create)
	s.mux.HandleFunc("GET /v1/demos", demos.List)
	s.mux.HandleFunc("GET /v1/demos/{id}", demos.Get)
	s.mux.HandleFunc("DELETE /v1/demos/{id}", demos.Delete)
	s.mux.HandleFunc("POST /v1/demos/{id}/start", demos.Start)
	s.mux.HandleFunc("POST /v1/demos/{id}/control", demos.Control)
	s.mux.HandleFunc("POST /v1/demos/{id}/questions", demos.Ask)

	streams := handlers.Streams{
		Config:     s.cfg,
		Registry:   s.deps.Registry,
		Principals: s.limiter,
		Sessions:   s.sessionStreams,
		Metrics:    s.deps.Metrics,
		Logger:     s.logger,
	}
	s.mux.HandleFunc("GET /v1/demos/{id}/ws", streams.WebSocket)
	s.mux.HandleFunc("GET /v1/demos/{id}/events", streams.Events)

	history := handlers.History{Store: s.deps.History, Logger: s.logger}
	s.mux.HandleFunc("GET /v1/history", history.List)
	s.mux.HandleFunc("GET /v1/history/{id}/questions", history.Questions)
	s.mux.HandleFunc("GET /v1/history/stats", history.Stats)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.deps.Metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.deps.Metrics, h)
	h = mw.RequestID(h)
	return h
}
