// Package server exposes the orchestration engine over HTTP (gorilla/mux),
// streams run progress over WebSocket and serves gRPC health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/config"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
	"github.com/kubilitics/flightlog-ai/internal/memory"
	"github.com/kubilitics/flightlog-ai/internal/middleware"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
)

// maxUploadBytes bounds an ingested log body.
const maxUploadBytes = 512 << 20

// HistoryReader reads the chat history of a log.
type HistoryReader interface {
	Read(ctx context.Context, logID string) ([]memory.Entry, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Engine  engine.Engine
	Store   db.Store
	History HistoryReader
	Tracker budget.Tracker // nil disables /api/v1/usage
	Audit   audit.Logger
	Logger  *zap.Logger
	Version string
}

// Server is the flightlog-ai API server.
type Server struct {
	cfg  *config.Config
	deps Deps

	router      *mux.Router
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
	upgrader    *websocket.Upgrader

	httpServer *http.Server
	httpAddr   net.Addr
	grpcHealth *grpcHealth

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewServer builds the router and middleware chain.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Engine == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   mux.NewRouter(),
		upgrader: newUpgrader(cfg.Server.AllowedOrigins),
	}
	s.registerRoutes()

	s.router.Use(middleware.Recovery(deps.Logger))
	s.router.Use(middleware.RequestContext)
	s.router.Use(middleware.Logging(deps.Logger))
	s.router.Use(middleware.Metrics)

	var h http.Handler = s.router
	if cfg.Server.RateLimitRPS > 0 {
		s.rateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		h = s.rateLimiter.Middleware(h)
	}
	h = middleware.Tracing(h)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.UserIDHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, middleware.TraceIDHeader},
		AllowCredentials: true,
	})
	s.handler = c.Handler(h)

	return s, nil
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/logs", s.handleIngestLog).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}", s.handleGetLog).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}/documents", s.handleStoreDocuments).Methods(http.MethodPost)

	api.HandleFunc("/logs/{id}/ask", s.handleAsk).Methods(http.MethodPost)
	api.HandleFunc("/logs/{id}/general", s.handleGeneral).Methods(http.MethodPost)
	api.HandleFunc("/logs/{id}/direct", s.handleDirect).Methods(http.MethodPost)
	api.HandleFunc("/logs/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/logs/{id}/runs", s.handleListRuns).Methods(http.MethodGet)

	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/stream", s.handleRunStream).Methods(http.MethodGet)

	api.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
}

// Start serves HTTP on server.port and gRPC health on server.grpc_port
// (when non-zero). It returns once both listeners are bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	httpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	s.httpAddr = httpLn.Addr()
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(s.cfg.Orchestrator.RunTimeoutSeconds+30) * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deps.Logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	if s.cfg.Server.GRPCPort > 0 {
		grpcLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.GRPCPort))
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
		s.grpcHealth = newGRPCHealth(s.deps.Store, s.deps.Logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcHealth.serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.deps.Logger.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	s.running = true
	_ = s.deps.Audit.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("HTTP :%d, gRPC :%d", s.cfg.Server.Port, s.cfg.Server.GRPCPort)).
		WithResult(audit.ResultSuccess))
	s.deps.Logger.Info("server started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("grpc_port", s.cfg.Server.GRPCPort),
		zap.String("llm_provider", s.cfg.LLM.Provider),
		zap.String("version", s.deps.Version),
	)
	return nil
}

// Stop shuts both servers down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.grpcHealth != nil {
		s.grpcHealth.stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.wg.Wait()

	_ = s.deps.Audit.Log(ctx, audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	s.deps.Logger.Info("server stopped")
	return errors.Join(errs...)
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound HTTP address of a started server.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// Close releases resources held by a server that was never started.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}
