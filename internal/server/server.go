package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kubilitics/exchange-agent/internal/agent"
	"github.com/kubilitics/exchange-agent/internal/analytics/timeseries"
	"github.com/kubilitics/exchange-agent/internal/audit"
	"github.com/kubilitics/exchange-agent/internal/config"
	"github.com/kubilitics/exchange-agent/internal/middleware"
	"github.com/kubilitics/exchange-agent/internal/models"
)

// Version is reported by /info.
var Version = "0.1.0"

// Collector is the part of the collector the server drives.
type Collector interface {
	Start(ctx context.Context, targets []models.Entity) error
	Stop()
	Availability(entityID string) (models.Availability, bool)
}

// Deps are the components the server runs and exposes.
type Deps struct {
	Agent     *agent.Agent
	Store     *timeseries.Store
	Collector Collector
	Hub       *AlertHub
	// ConfigManager, when set, drives threshold hot-reload.
	ConfigManager config.ConfigManager
	Audit         audit.Logger
	Logger        *zap.Logger
}

// Server runs the HTTP API, the gRPC health service and the background
// loops of the agent.
type Server struct {
	config *config.Config
	deps   Deps
	log    *zap.Logger

	httpServer   *http.Server
	httpAddr     net.Addr
	grpcServer   *grpc.Server
	grpcAddr     net.Addr
	healthServer *health.Server
	// limiter guards the action endpoints; nil when unlimited.
	limiter *middleware.RateLimiter

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("server requires an agent")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}
	if deps.Hub == nil {
		deps.Hub = NewAlertHub(cfg.Server.AllowedOrigins, deps.Logger)
	}

	s := &Server{
		config:       cfg,
		deps:         deps,
		log:          deps.Logger.With(zap.String("component", "server")),
		healthServer: health.NewServer(),
	}
	if cfg.Server.ActionRateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.Server.ActionRateLimit)
	}
	return s, nil
}

// Start binds the listeners and launches collection, analysis and retention
// loops. Bind errors are returned synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}
	grpcLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort))
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.deps.Collector != nil {
		if err := s.deps.Collector.Start(s.ctx, s.config.TrackedEntities()); err != nil {
			s.cancel()
			httpLn.Close()
			grpcLn.Close()
			return fmt.Errorf("failed to start collector: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.httpAddr = httpLn.Addr()

	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	reflection.Register(s.grpcServer)
	s.grpcAddr = grpcLn.Addr()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(grpcLn); err != nil {
			s.log.Error("gRPC server failed", zap.Error(err))
		}
	}()

	if s.deps.Store != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deps.Store.Run(s.ctx, s.config.Analysis.Interval)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deps.Agent.Run(s.ctx, s.config.Analysis.Interval)
	}()

	if s.deps.ConfigManager != nil {
		updates := s.deps.ConfigManager.Watch(s.ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchConfig(s.ctx, updates)
		}()
	}

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.running = true

	_ = s.deps.Audit.Log(s.ctx, audit.NewEvent(audit.EventServerStarted).
		WithResult(audit.ResultSuccess).
		WithMetadata("http_addr", s.httpAddr.String()).
		WithMetadata("grpc_addr", s.grpcAddr.String()))
	s.log.Info("server started",
		zap.String("http_addr", s.httpAddr.String()),
		zap.String("grpc_addr", s.grpcAddr.String()),
		zap.Int("entities", len(s.config.TrackedEntities())),
	)
	return nil
}

// Stop shuts down listeners, background loops and the collector, then
// flushes the audit log.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping server")
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	s.stopGRPC(shutdownCtx)

	s.cancel()
	if s.deps.Collector != nil {
		s.deps.Collector.Stop()
	}
	s.deps.Hub.Stop()
	s.wg.Wait()

	_ = s.deps.Audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	if err := s.deps.Audit.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("audit flush: %w", err))
	}

	s.log.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.log.Warn("gRPC server forced to stop after timeout")
		s.grpcServer.Stop()
		<-stopped
	}
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HTTPAddr returns the bound HTTP address, or nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil before Start.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcAddr
}

func (s *Server) watchConfig(ctx context.Context, updates <-chan config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			// The manager's current config may already be newer than the
			// value that woke us.
			latest := &cfg
			if cur := s.deps.ConfigManager.Get(ctx); cur != nil {
				latest = cur
			}
			s.applyConfig(audit.WithCorrelationID(ctx, audit.GenerateCorrelationID()), latest)
		}
	}
}

// applyConfig pushes reloadable settings into the running agent. Only
// thresholds are hot-reloaded; everything else needs a restart.
func (s *Server) applyConfig(ctx context.Context, cfg *config.Config) {
	s.deps.Agent.SetThresholds(models.KindService, cfg.Alerting.Services)
	s.deps.Agent.SetThresholds(models.KindNode, cfg.Alerting.Nodes)

	_ = s.deps.Audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
		WithResult(audit.ResultSuccess).
		WithDescription("alert thresholds reloaded").
		WithMetadata("service_metrics", len(cfg.Alerting.Services)).
		WithMetadata("node_metrics", len(cfg.Alerting.Nodes)))
	s.log.Info("configuration reloaded",
		zap.Int("service_metrics", len(cfg.Alerting.Services)),
		zap.Int("node_metrics", len(cfg.Alerting.Nodes)),
	)
}
