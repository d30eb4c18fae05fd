// Package grpchealth serves the daemon's gRPC protocol endpoint as a
// standard grpc.health.v1.Health service, backed by the Worker Pool
// and backend façade's own readiness. This is the one concrete user of
// the "grpc" protocol value in SPEC_FULL.md's Endpoint/ValidProtocols
// model — distilled out of spec.md's external-interfaces section, but
// present in original_source/ondevice-ai's RuntimeEndpoint protocol
// enum — and keeps google.golang.org/grpc (a teacher dependency)
// wired without hand-authoring any protobuf stubs.
package grpchealth

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mahi-systems/mahid/pkg/log"
)

// ReadyFunc reports whether the daemon should currently be advertised
// as SERVING.
type ReadyFunc func() bool

// Server wraps a grpc.Server exposing only the standard health
// service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	ready      ReadyFunc
}

// New constructs a Server. ready is consulted when Serve starts and on
// every Refresh call; Check/Watch report the status set at that time.
func New(ready ReadyFunc) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpcServer: gs, health: hs, ready: ready}
}

// Serve sets the reported status once from ready, then accepts
// connections on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.refresh()
	log.WithEndpoint("grpc", "health").Info().Str("addr", lis.Addr().String()).Msg("gRPC health endpoint listening")
	return s.grpcServer.Serve(lis)
}

// Refresh updates the reported serving status immediately; callers
// should invoke it whenever backend/pool readiness changes.
func (s *Server) Refresh() {
	s.refresh()
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready != nil && s.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
