package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// healthServer is the Supervisor's own tiny HTTP health endpoint,
// grounded on core/supervisor.py's BaseHTTPRequestHandler-based
// _HealthHandler: GET on the configured path (plus the always-accepted
// aliases /health and /healthz) returns the current HealthPayload, 200
// if ready else 503.
type healthServer struct {
	host string
	port int
	path string
	srv  *http.Server
	lis  net.Listener
}

func (s *Supervisor) startHealthServer() {
	if !s.config.HealthEnabled {
		s.healthReadyOnce.Do(func() { close(s.healthReady) })
		return
	}

	host := s.config.HealthHost
	if host == "" {
		host = "127.0.0.1"
	}
	path := s.config.HealthPath
	if path == "" {
		path = "/healthz"
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, s.config.HealthPort))
	if err != nil {
		s.logf("Failed to start health server: %v", err)
		s.healthReadyOnce.Do(func() { close(s.healthReady) })
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		normalized := strings.SplitN(req.URL.Path, "?", 2)[0]
		if normalized != path && normalized != "/health" && normalized != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		payload := s.HealthSnapshot()
		status := http.StatusServiceUnavailable
		if payload.Status == "ready" {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	})

	httpSrv := &http.Server{Handler: mux}
	actualPort := lis.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	s.healthSrv = &healthServer{host: host, port: actualPort, path: path, srv: httpSrv, lis: lis}
	s.mu.Unlock()

	go func() {
		if err := httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.logf("health server stopped: %v", err)
		}
	}()

	s.healthReadyOnce.Do(func() { close(s.healthReady) })
	s.writeState(s.HealthSnapshot())
}

func (s *Supervisor) stopHealthServer() {
	s.mu.Lock()
	hs := s.healthSrv
	s.healthSrv = nil
	s.mu.Unlock()

	s.healthReadyOnce.Do(func() { close(s.healthReady) })
	if hs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = hs.srv.Shutdown(ctx)
}
