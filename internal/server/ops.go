package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Flex-Community/perpcore/internal/observability"
)

// OpsServer exposes the operational surfaces: a gRPC endpoint with the
// standard health service and reflection, and an HTTP endpoint with
// Prometheus metrics and liveness/readiness probes.
type OpsServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
}

func NewOpsServer(grpcAddr, httpAddr string, hc *observability.HealthChecker) *OpsServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &OpsServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: hc,
	}
}

// SetReady flips both the gRPC health service and the HTTP readiness
// probe.
func (s *OpsServer) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(ready)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *OpsServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the metrics and probe endpoint (blocking).
func (s *OpsServer) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
