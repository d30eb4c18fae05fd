// Command mahid is the Daemon Composition Root (SPEC_FULL.md §4.7): it
// wires the Endpoint Registry, Auth Manager, Sandbox Harness, Worker
// Pool, Multi-Transport Gateway, and gRPC health endpoint together
// behind a backend façade, publishes every transport's address,
// prints the bootstrap token, and translates SIGINT/SIGTERM into an
// orderly, reverse-order shutdown.
//
// Grounded on cmd/warren/main.go's single-binary cobra shape
// (persistent flags, cobra.OnInitialize for logging, a start command
// that wires subsystems in order and waits on a signal channel before
// tearing them down in reverse).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mahi-systems/mahid/pkg/auth"
	"github.com/mahi-systems/mahid/pkg/backend"
	"github.com/mahi-systems/mahid/pkg/config"
	"github.com/mahi-systems/mahid/pkg/gateway"
	"github.com/mahi-systems/mahid/pkg/grpchealth"
	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/metrics"
	"github.com/mahi-systems/mahid/pkg/registry"
	"github.com/mahi-systems/mahid/pkg/sandbox"
	"github.com/mahi-systems/mahid/pkg/types"
	"github.com/mahi-systems/mahid/pkg/workerpool"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	configPath string
)

func main() {
	// Self-exec dispatch, checked before any cobra parsing: the
	// Sandbox Harness re-execs this binary with ChildEnvVar=1 to run a
	// single sandboxed action (pkg/sandbox/child.go), and the Worker
	// Pool re-execs it as "<mahid> --port <N>" when no external
	// automation-runtime executable is configured.
	if os.Getenv(sandbox.ChildEnvVar) == "1" {
		sandbox.RunChild(buildActionRegistry())
		return // unreachable: RunChild always calls os.Exit
	}
	if len(os.Args) >= 3 && os.Args[1] == "--port" {
		runWorkerServe(os.Args[2])
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mahid",
	Short: "mahid - local-first automation daemon",
	Long: `mahid hosts the Endpoint Registry, Auth Manager, Sandbox
Harness, Worker Pool, and Multi-Transport Gateway behind a single
composition root. Running it with no subcommand starts the daemon;
Ctrl+C (or SIGTERM) triggers an orderly shutdown in reverse wiring
order.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"mahid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (overrides MAHI_CONFIG)")
}

func buildActionRegistry() *sandbox.ActionRegistry {
	reg := sandbox.NewActionRegistry()
	sandbox.RegisterBuiltins(reg)
	return reg
}

func hasBootstrapToken(am *auth.Manager) bool {
	for _, t := range am.ListTokens() {
		if t.Admin && t.Subject == "bootstrap" {
			return true
		}
	}
	return false
}

func runServe(cmd *cobra.Command, args []string) error {
	startedAt := time.Now()

	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := loaded.Config
	if cfg.Pool.Executable == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve self executable for worker pool: %w", err)
		}
		cfg.Pool.Executable = self
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	reg := registry.New()
	be := backend.New()

	store, err := auth.NewFileStore(cfg.Auth.DataDir, cfg.Auth.KeyService, cfg.Auth.KeyAccount, true)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close()

	am, err := auth.New(store)
	if err != nil {
		return fmt.Errorf("failed to start auth manager: %w", err)
	}
	metrics.RegisterComponent("auth", true, "ready")
	log.Info("auth manager ready")

	actionRegistry := buildActionRegistry()
	harness := sandbox.NewHarness(cfg.Sandbox, cfg.Permissions, actionRegistry)

	pool := workerpool.New(cfg.Pool.Executable, reg, cfg.Pool)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	metrics.RegisterComponent("workerpool", true, "ready")
	log.Info("worker pool ready")

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(cfg.Pool.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pool.Heartbeat(heartbeatCtx)
			case <-heartbeatCtx.Done():
				return
			}
		}
	}()

	preExistingBootstrap := hasBootstrapToken(am)

	metricsProvider := buildMetricsProvider(be, pool, startedAt)
	gw := gateway.New(be, am, reg, metricsProvider, harness, cfg.Gateway)
	bootstrapToken, err := gw.Start()
	if err != nil {
		cancelHeartbeat()
		pool.Stop()
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	metrics.RegisterComponent("gateway", true, "ready")
	log.Info("gateway ready")

	var daemonReady atomic.Bool
	daemonReady.Store(true)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancelHeartbeat()
		pool.Stop()
		gw.Stop(context.Background())
		return fmt.Errorf("failed to bind grpc health listener: %w", err)
	}
	ghs := grpchealth.New(func() bool { return daemonReady.Load() })
	go func() {
		if err := ghs.Serve(grpcLis); err != nil {
			log.Errorf("grpc health server stopped", err)
		}
	}()
	reg.Register(types.Endpoint{
		Name:     "health",
		Protocol: "grpc",
		Address:  fmt.Sprintf("grpc://%s", grpcLis.Addr().String()),
		Metadata: map[string]any{"token_required": false},
	})
	ghs.Refresh()

	printStartupBanner(reg, bootstrapToken, preExistingBootstrap)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	// Reverse wiring order: gateway, grpc health, worker pool heartbeat
	// and pool itself, then auth's store is closed via the deferred
	// Close above.
	daemonReady.Store(false)
	ghs.Refresh()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.Stop(shutdownCtx)

	ghs.Stop()

	cancelHeartbeat()
	<-heartbeatDone
	pool.Stop()

	fmt.Println("mahid stopped.")
	return nil
}

func buildMetricsProvider(be *backend.Backend, pool *workerpool.Pool, startedAt time.Time) gateway.MetricsProvider {
	hostname, _ := os.Hostname()
	return func() map[string]any {
		snap := pool.Snapshot()
		return map[string]any{
			"hostname":       hostname,
			"platform":       runtime.GOOS,
			"uptime_seconds": time.Since(startedAt).Seconds(),
			"documents":      be.DocumentCount(),
			"runtime_pool": map[string]any{
				"workers": snap.Workers,
				"metrics": snap.Metrics,
			},
			"sandbox": map[string]any{
				"enabled": true,
			},
		}
	}
}

func printStartupBanner(reg *registry.Registry, bootstrapToken string, preExistingBootstrap bool) {
	fmt.Println("mahid is running. Press Ctrl+C to stop.")
	fmt.Println()
	for _, proto := range []string{"http", "ws", "ipc", "grpc"} {
		eps := reg.Endpoints(proto)
		for _, ep := range eps {
			fmt.Printf("  %-5s %-12s %s\n", proto, ep.Name, ep.Address)
		}
	}
	fmt.Println()
	if preExistingBootstrap {
		fmt.Println("Bootstrap token:")
	} else {
		fmt.Println("Bootstrap token (newly generated):")
	}
	fmt.Printf("  %s\n", bootstrapToken)
	fmt.Println()
}
