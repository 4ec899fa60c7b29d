// Package grpc serves the admin endpoint: the standard gRPC health service
// and server reflection, consumed by deployment probes and grpcurl. All
// domain traffic goes through the JSON-RPC surface instead.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Config holds the admin endpoint settings.
type Config struct {
	// ListenAddr is the TCP address to serve on, e.g. ":50051".
	ListenAddr string

	// MaxRecvMsgSize is the largest message in bytes the server accepts.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the largest message in bytes the server sends.
	MaxSendMsgSize int
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":50051"
	}
	if c.MaxRecvMsgSize <= 0 {
		c.MaxRecvMsgSize = 4 * 1024 * 1024
	}
	if c.MaxSendMsgSize <= 0 {
		c.MaxSendMsgSize = 4 * 1024 * 1024
	}
	return c
}

// Server is the admin gRPC server.
type Server struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	running    bool
}

// NewServer builds the admin server with health and reflection registered.
// The logger feeds the unary and stream interceptors.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admin")

	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.UnaryInterceptor(unaryLogging(logger)),
		grpc.StreamInterceptor(streamLogging(logger)),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		grpcServer: gs,
		health:     hs,
	}
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("grpc: server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("grpc: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.running = true
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()

	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown flips the health status, drains in-flight calls and stops the
// server. The context bounds the graceful drain; on expiry the remaining
// connections are cut.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	s.logger.Info("stopped")
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
