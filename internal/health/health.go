// Package health exposes the standard gRPC health service for the session server.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name session server health is reported under. The empty
// name reports overall server health.
const Service = "enfaria.session"

// Probe reports an unhealthy dependency by returning an error.
type Probe func(ctx context.Context) error

type monitor struct {
	name     string
	interval time.Duration
	probe    Probe
}

// Server serves grpc.health.v1.Health.
type Server struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	hs     *grpchealth.Server

	mu       sync.Mutex
	monitors []monitor
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a health server for addr. Service starts out SERVING.
func NewServer(addr string, logger *zap.Logger) *Server {
	hs := grpchealth.NewServer()
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		addr:   addr,
		logger: logger,
		grpc:   gs,
		hs:     hs,
		stop:   make(chan struct{}),
	}
}

// SetServing reports service as SERVING or NOT_SERVING.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus(service, status)
}

// Monitor runs probe every interval once the server starts and reflects the
// result as the status of name.
//
// Precondition: interval must be > 0; must be called before Start.
func (s *Server) Monitor(name string, interval time.Duration, probe Probe) {
	if interval <= 0 {
		panic("health.Monitor: interval must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors = append(s.monitors, monitor{name: name, interval: interval, probe: probe})
	s.hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
}

// Start listens on the configured address and blocks until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis and blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	for _, m := range s.monitors {
		s.wg.Add(1)
		go s.run(m)
	}
	s.mu.Unlock()

	s.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.hs.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) run(m monitor) {
	defer s.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			err := m.probe(ctx)
			cancel()
			if ok := err == nil; ok != healthy {
				healthy = ok
				s.SetServing(m.name, ok)
				if ok {
					s.logger.Info("dependency recovered", zap.String("service", m.name))
				} else {
					s.logger.Warn("dependency unhealthy", zap.String("service", m.name), zap.Error(err))
				}
			}
		}
	}
}
