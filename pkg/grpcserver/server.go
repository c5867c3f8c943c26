// Package grpcserver runs the gRPC endpoint: the standard health service,
// optional reflection, and the interceptor chain shared by any service
// registered on it.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/ratelimit"
)

// Config holds gRPC server configuration.
type Config struct {
	// Address is the server listening address (e.g., ":9090").
	Address string

	// MaxRecvMsgSize is the maximum message size the server can receive (bytes).
	MaxRecvMsgSize int

	// EnableReflection enables gRPC server reflection for debugging.
	EnableReflection bool

	// EnableTracing adds the tracing interceptors.
	EnableTracing bool

	// RequestsPerSecond and Burst configure the per-peer limiter; zero
	// disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// FromConfig derives a Config from the application configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Address:           net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPC.Port)),
		MaxRecvMsgSize:    cfg.Server.GRPC.MaxRecvMsgSize,
		EnableReflection:  cfg.Server.GRPC.EnableReflection,
		EnableTracing:     cfg.Tracing.Enabled,
		RequestsPerSecond: cfg.Server.GRPC.RequestsPerSecond,
		Burst:             cfg.Server.GRPC.Burst,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.MaxRecvMsgSize < 0 {
		return errors.New("max recv msg size must be non-negative")
	}
	return nil
}

type serviceRegistration struct {
	desc *grpc.ServiceDesc
	impl any
}

// Server represents a gRPC server instance.
type Server struct {
	config   Config
	log      logger.Logger
	grpcSrv  *grpc.Server
	listener net.Listener
	health   *health.Server
	pending  []serviceRegistration
	mu       sync.RWMutex
	running  bool
	done     chan struct{}
}

// New creates a new gRPC server with the given configuration.
func New(cfg Config, log logger.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grpc config: %w", err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		config: cfg,
		log:    log,
		health: health.NewServer(),
	}, nil
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(listener)
}

// Serve serves on listener in the background.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		listener.Close()
		return errors.New("server already running")
	}
	s.listener = listener

	s.grpcSrv = grpc.NewServer(s.buildServerOptions()...)

	// Register services queued before server start.
	for _, reg := range s.pending {
		s.grpcSrv.RegisterService(reg.desc, reg.impl)
	}

	if s.config.EnableReflection {
		reflection.Register(s.grpcSrv)
	}

	grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	s.running = true
	s.done = make(chan struct{})

	go func(srv *grpc.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("gRPC server failed", "error", err)
		}
	}(s.grpcSrv, s.done)

	s.log.Info("Starting gRPC server", "addr", listener.Addr().String(), "reflection", s.config.EnableReflection)
	return nil
}

// Stop gracefully stops the gRPC server, forcing it closed when ctx ends
// first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
		err = errors.New("graceful shutdown timeout, forced stop")
	}
	<-s.done

	s.running = false
	s.log.Info("gRPC server stopped")
	return err
}

// RegisterService registers a gRPC service with the server.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcSrv != nil {
		s.grpcSrv.RegisterService(desc, impl)
		return
	}
	s.pending = append(s.pending, serviceRegistration{desc: desc, impl: impl})
}

// SetServing marks the overall service as serving or not serving.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Address returns the server's listening address.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) buildServerOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption

	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}

	unary := []grpc.UnaryServerInterceptor{RecoveryUnaryInterceptor(s.log)}
	stream := []grpc.StreamServerInterceptor{RecoveryStreamInterceptor(s.log)}
	if s.config.EnableTracing {
		unary = append(unary, TracingUnaryInterceptor())
		stream = append(stream, TracingStreamInterceptor())
	}
	unary = append(unary, LoggingUnaryInterceptor(s.log))
	if s.config.RequestsPerSecond > 0 {
		limiter := ratelimit.NewKeyed(s.config.RequestsPerSecond, s.config.Burst)
		unary = append(unary, RateLimitUnaryInterceptor(limiter))
		stream = append(stream, RateLimitStreamInterceptor(limiter))
	}

	return append(opts,
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
}
