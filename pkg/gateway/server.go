// Package gateway implements the Multi-Transport Gateway: the same
// query/index/plan/status/execute operations exposed concurrently over
// HTTP, WebSocket, and a local IPC socket, sharing one Auth Manager,
// one backend façade, and one dispatcher.
//
// Grounded on original_source/ondevice-ai/core/gateway_server.py for
// the three-transport shape and the exact error-mapping table; HTTP
// routing follows the teacher's pkg/api chi-based server, WS uses
// github.com/gorilla/websocket in place of the Python websockets
// library, and IPC uses a stdlib net.Listen("unix", ...) newline-JSON
// loop in place of asyncio.start_unix_server.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mahi-systems/mahid/pkg/auth"
	"github.com/mahi-systems/mahid/pkg/backend"
	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/registry"
	"github.com/mahi-systems/mahid/pkg/sandbox"
	"github.com/mahi-systems/mahid/pkg/types"
)

func registryEndpoint(name, protocol, address string) types.Endpoint {
	return types.Endpoint{
		Name:     name,
		Protocol: protocol,
		Address:  address,
		Metadata: map[string]any{"token_required": true},
	}
}

// MetricsProvider returns the current metrics snapshot folded into
// status responses.
type MetricsProvider func() map[string]any

// Config bounds where each transport listens.
type Config struct {
	HTTPHost         string        `yaml:"http_host"`
	HTTPPort         int           `yaml:"http_port"`
	WSHost           string        `yaml:"ws_host"`
	WSPort           int           `yaml:"ws_port"`
	IPCPath          string        `yaml:"ipc_path"` // empty uses DefaultIPCPath()
	TrampolineTimeout time.Duration `yaml:"trampoline_timeout"`
}

// DefaultIPCPath mirrors core/gateway_server.py's _default_ipc_path:
// $HOME/.mahi/sockets/gateway.sock.
func DefaultIPCPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".mahi", "sockets", "gateway.sock")
}

// Server coordinates HTTP, WebSocket, and local IPC access to the
// backend façade.
type Server struct {
	backend  *backend.Backend
	auth     *auth.Manager
	registry *registry.Registry
	metrics  MetricsProvider
	disp     *Dispatcher
	cfg      Config
	harness  *sandbox.Harness

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	httpLis    net.Listener
	wsServer   *http.Server
	wsLis      net.Listener
	ipcLis     net.Listener
	ipcPath    string
}

// New constructs a Server. metrics may be nil, in which case status
// responses fold in an empty metrics object. harness may be nil, in
// which case the "execute" operation reports sandbox_unavailable on
// every transport instead of panicking.
func New(be *backend.Backend, am *auth.Manager, reg *registry.Registry, metrics MetricsProvider, harness *sandbox.Harness, cfg Config) *Server {
	if metrics == nil {
		metrics = func() map[string]any { return map[string]any{} }
	}
	if cfg.HTTPHost == "" {
		cfg.HTTPHost = "127.0.0.1"
	}
	if cfg.WSHost == "" {
		cfg.WSHost = "127.0.0.1"
	}
	if cfg.IPCPath == "" {
		cfg.IPCPath = DefaultIPCPath()
	}
	return &Server{
		backend:  be,
		auth:     am,
		registry: reg,
		metrics:  metrics,
		harness:  harness,
		disp:     NewDispatcher(cfg.TrampolineTimeout),
		cfg:      cfg,
	}
}

// executeAction runs a sandboxed action through the Harness, or
// reports sandbox_unavailable if none was wired in. Shared by all
// three transports so HTTP, WS, and IPC agree on the target/args/
// kwargs shape and the resulting SandboxResult payload.
func (s *Server) executeAction(ctx context.Context, target string, args []any, kwargs map[string]any) (types.SandboxResult, error) {
	if s.harness == nil {
		return types.SandboxResult{}, fmt.Errorf("sandbox_unavailable")
	}
	result, err := s.disp.Submit(ctx, func(ctx context.Context) (any, error) {
		return s.harness.Execute(ctx, types.SandboxAction{Target: target, Args: args, Kwargs: kwargs}), nil
	})
	if err != nil {
		return types.SandboxResult{}, err
	}
	return result.(types.SandboxResult), nil
}

// Start mints the bootstrap token (idempotent), then brings up all
// three transports and publishes their endpoints. Endpoint publication
// precedes the caller printing a "ready to serve" line, per
// SPEC_FULL.md §5's ordering guarantee.
func (s *Server) Start() (bootstrapToken string, err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", fmt.Errorf("gateway already running")
	}
	s.running = true
	s.mu.Unlock()

	tok, err := s.auth.EnsureBootstrap()
	if err != nil {
		return "", err
	}

	if err := s.startHTTP(); err != nil {
		return "", err
	}
	if err := s.startWS(); err != nil {
		return "", err
	}
	if err := s.startIPC(); err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Stop tears down every transport and the dispatcher.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		_ = s.wsServer.Shutdown(ctx)
	}
	if s.ipcLis != nil {
		_ = s.ipcLis.Close()
	}
	if s.ipcPath != "" {
		_ = os.Remove(s.ipcPath)
	}
	s.disp.Stop()
	s.registry.Unregister("http", "gateway-http")
	s.registry.Unregister("ws", "gateway-ws")
	s.registry.Unregister("ipc", "gateway-ipc")
}

func (s *Server) startHTTP() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort))
	if err != nil {
		return err
	}
	s.httpLis = lis
	srv := &http.Server{Handler: s.buildHTTPRouter()}
	s.httpServer = srv
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithTransport("http").Error().Err(err).Msg("http gateway server stopped")
		}
	}()

	addr := fmt.Sprintf("http://%s", lis.Addr().String())
	s.registry.Register(registryEndpoint("gateway-http", "http", addr))
	log.WithTransport("http").Info().Str("addr", addr).Msg("http gateway listening")
	return nil
}

func (s *Server) startWS() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.WSHost, s.cfg.WSPort))
	if err != nil {
		return err
	}
	s.wsLis = lis
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	srv := &http.Server{Handler: mux}
	s.wsServer = srv
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithTransport("ws").Error().Err(err).Msg("ws gateway server stopped")
		}
	}()

	addr := fmt.Sprintf("ws://%s", lis.Addr().String())
	s.registry.Register(registryEndpoint("gateway-ws", "ws", addr))
	log.WithTransport("ws").Info().Str("addr", addr).Msg("ws gateway listening")
	return nil
}

func (s *Server) startIPC() error {
	path := s.cfg.IPCPath
	_ = os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		// Matches the original's tolerant fallback: an unsupported or
		// unavailable unix socket leaves IPC unregistered rather than
		// failing gateway startup.
		log.WithTransport("ipc").Warn().Err(err).Msg("ipc gateway unavailable")
		return nil
	}
	s.ipcLis = lis
	s.ipcPath = path
	go s.serveIPC(lis)

	s.registry.Register(registryEndpoint("gateway-ipc", "ipc", path))
	log.WithTransport("ipc").Info().Str("path", path).Msg("ipc gateway listening")
	return nil
}
