package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/silo-monitor/internal/grpc/agentrpc"
	grpctls "github.com/EternisAI/silo-monitor/internal/grpc/tls"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type Server struct {
	grpcServer    *grpc.Server
	streamHandler *StreamHandler
	port          int
	tlsConfig     *TLSConfig
	listener      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(port int, tlsConfig *TLSConfig, ingestor *telemetry.Ingestor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		streamHandler: NewStreamHandler(ingestor),
		port:          port,
		tlsConfig:     tlsConfig,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	}

	if s.tlsConfig == nil || !s.tlsConfig.Enabled {
		slog.Warn("gRPC server running without TLS")
		return opts, nil
	}

	clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
	if err != nil {
		return nil, err
	}
	creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	slog.Info("gRPC server TLS enabled", "client_auth", s.tlsConfig.ClientAuth)
	return append(opts, grpc.Creds(creds)), nil
}

// Listen binds the port and prepares the server. Call Serve afterwards.
func (s *Server) Listen() error {
	opts, err := s.serverOptions()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(opts...)
	agentrpc.RegisterAgentServiceServer(s.grpcServer, s)
	return nil
}

func (s *Server) Serve() error {
	slog.Info("Starting gRPC server", "address", s.listener.Addr().String())

	if err := s.grpcServer.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stream(stream agentrpc.StreamServer) error {
	return s.streamHandler.HandleStream(s.ctx, stream)
}

// Stop ends open agent sessions, then drains the gRPC server.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")
	s.cancel()

	if s.grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
