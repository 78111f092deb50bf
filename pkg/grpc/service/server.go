package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/grpc/transport"
	"github.com/KevoDB/sysparam/pkg/telemetry"
	"google.golang.org/grpc"
)

// ErrServerStarted is returned by Start and Serve on a running server
var ErrServerStarted = errors.New("server already started")

// ServerOptions configures a Server
type ServerOptions struct {
	Address    string
	TLS        transport.TLSConfig
	MaxStreams uint32
	Logger     log.Logger
	Telemetry  telemetry.Telemetry
}

// Server runs the parameter service on a gRPC server
type Server struct {
	address  string
	server   *grpc.Server
	listener net.Listener
	metrics  RPCMetrics
	logger   log.Logger

	mu      sync.Mutex
	started bool
}

// NewServer creates a server for store. Nothing listens until Start or
// Serve is called.
func NewServer(store Store, opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger().WithField("component", "rpc")
	}

	serverOpts, err := transport.ServerOptions(opts.TLS, opts.MaxStreams)
	if err != nil {
		return nil, fmt.Errorf("failed to configure server: %w", err)
	}

	metrics := NewRPCMetrics(opts.Telemetry)
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(unaryMetricsInterceptor(metrics)),
		grpc.ChainStreamInterceptor(streamMetricsInterceptor(metrics)),
	)

	s := &Server{
		address: opts.Address,
		server:  grpc.NewServer(serverOpts...),
		metrics: metrics,
		logger:  logger,
	}
	RegisterParamServiceServer(s.server, NewParamService(store, logger))
	return s, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.started = true

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error: %v", err)
		}
	}()

	s.logger.Info("Parameter service listening on %s", listener.Addr())
	return nil
}

// Serve serves on lis and blocks until the server is stopped
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.listener = lis
	s.started = true
	s.mu.Unlock()

	return s.server.Serve(lis)
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully, forcing it closed if ctx ends first
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Graceful shutdown timed out, closing open connections")
		s.server.Stop()
	}

	s.started = false
	return s.metrics.Close()
}
