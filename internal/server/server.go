// Package server hosts the service's two listening surfaces: an HTTP/JSON
// API for queries, admin operations and probes, and a gRPC endpoint serving
// the standard health and reflection services for infra tooling.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/ingestion"
	"PerpVamm/internal/observability"
	"PerpVamm/internal/persistence"
	"PerpVamm/internal/query"
)

// EngineInspector runs a read-only function against live engine state,
// serialized with command processing. Implemented by ingestion.Dispatcher.
type EngineInspector interface {
	Inspect(ctx context.Context, fn func(*clearing.ClearingHouse)) error
}

// Deps holds everything the API handlers need.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Admin         *ingestion.AdminIngestService
	Engine        EngineInspector
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// Server wraps the HTTP API server and the gRPC health endpoint.
type Server struct {
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpAddr     string
	grpcAddr     string
	log          zerolog.Logger
}

func NewServer(httpAddr, grpcAddr string, deps *Deps, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	mux := http.NewServeMux()
	registerRoutes(mux, deps, log)

	mux.Handle("/metrics", promhttp.Handler())
	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	return &Server{
		httpServer:   &http.Server{Addr: httpAddr, Handler: mux},
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpAddr:     httpAddr,
		grpcAddr:     grpcAddr,
		log:          log.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// StartHTTP runs the HTTP API server until ctx is cancelled (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartGRPC runs the gRPC health endpoint until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc listening")
	return s.grpcServer.Serve(lis)
}
