// Command mahi-supervisor runs an arbitrary command under the Process
// Supervisor: restart-on-crash with exponential backoff and a sliding
// restart-budget window, a JSON health endpoint, and an atomically
// rewritten state file.
//
// Grounded on original_source/ondevice-ai/supervisor_main.py's flag
// surface (--log-file, --state-file, --max-restarts,
// --window-seconds, --backoff-seconds, --max-backoff-seconds,
// --graceful-shutdown-seconds, then the command to supervise after
// "--"), translated from argparse.REMAINDER into cobra's
// ArbitraryArgs: everything after "--" is passed through as the
// supervised command. Flags left unset
// fall back to the supervisor section of the merged pkg/config
// document instead of hardcoded defaults, matching the original's
// config-then-CLI-override precedence.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mahi-systems/mahid/pkg/config"
	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/supervisor"
)

var (
	Version = "dev"
	Commit  = "unknown"

	configPath          string
	logFile             string
	stateFile           string
	maxRestarts         int
	windowSeconds       float64
	backoffSeconds      float64
	maxBackoffSeconds   float64
	gracefulShutdownSec float64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mahi-supervisor -- <command> [args...]",
	Short: "Run a command under mahid's Process Supervisor",
	Long: `mahi-supervisor launches a command, restarts it on unexpected
exit with exponential backoff bounded by a sliding restart-budget
window, and serves a small JSON health endpoint plus an on-disk state
file an external process manager can observe.

Precede the supervised command with "--" to separate it from
mahi-supervisor's own flags, e.g.:

  mahi-supervisor --log-file /var/log/mahid.log --state-file /var/run/mahid.state -- mahid --config /etc/mahid.yaml`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE:    runSupervise,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mahi-supervisor version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (overrides MAHI_CONFIG)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "File to append supervisor and child logs to (required)")
	rootCmd.Flags().StringVar(&stateFile, "state-file", "", "File used to persist supervisor state metadata (required)")
	rootCmd.Flags().IntVar(&maxRestarts, "max-restarts", 0, "Maximum restarts permitted within window (0 = use config)")
	rootCmd.Flags().Float64Var(&windowSeconds, "window-seconds", 0, "Sliding window for restart budget, in seconds (0 = use config)")
	rootCmd.Flags().Float64Var(&backoffSeconds, "backoff-seconds", 0, "Initial backoff delay before restart, in seconds (0 = use config)")
	rootCmd.Flags().Float64Var(&maxBackoffSeconds, "max-backoff-seconds", 0, "Maximum backoff delay between restarts, in seconds (0 = use config)")
	rootCmd.Flags().Float64Var(&gracefulShutdownSec, "graceful-shutdown-seconds", 0, "Grace period before force-killing the child, in seconds (0 = use config)")
}

func runSupervise(cmd *cobra.Command, args []string) error {
	command := args
	if len(command) == 0 {
		return fmt.Errorf("no command provided for supervision (pass it after --)")
	}
	if logFile == "" {
		return fmt.Errorf("--log-file is required")
	}
	if stateFile == "" {
		return fmt.Errorf("--state-file is required")
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	svCfg := loaded.Config.Supervisor

	if maxRestarts != 0 {
		svCfg.MaxRestarts = maxRestarts
	}
	if windowSeconds != 0 {
		svCfg.WindowSeconds = windowSeconds
	}
	if backoffSeconds != 0 {
		svCfg.BackoffSeconds = backoffSeconds
	}
	if maxBackoffSeconds != 0 {
		svCfg.MaxBackoffSeconds = maxBackoffSeconds
	}
	if gracefulShutdownSec != 0 {
		svCfg.GracefulShutdownSeconds = gracefulShutdownSec
	}

	log.Init(log.Config{Level: log.Level(loaded.Config.Log.Level), JSONOutput: loaded.Config.Log.JSON})

	sv, err := supervisor.New(command, logFile, stateFile, svCfg, os.Environ(), supervisor.Hooks{
		OnChildStart: func(pid, restartCount int) {
			log.WithComponent("supervisor").Info().Int("pid", pid).Int("restart_count", restartCount).Msg("child started")
		},
		OnChildExit: func(exitCode *int, restartCount int) {
			ev := log.WithComponent("supervisor").Info()
			if exitCode != nil {
				ev = ev.Int("exit_code", *exitCode)
			}
			ev.Int("restart_count", restartCount).Msg("child exited")
		},
		OnRestart: func(restartCount int) {
			log.WithComponent("supervisor").Warn().Int("restart_count", restartCount).Msg("restarting child")
		},
	}, true)
	if err != nil {
		return fmt.Errorf("failed to construct supervisor: %w", err)
	}

	fmt.Printf("Supervising: %v\n", command)
	fmt.Printf("  Log file:   %s\n", logFile)
	fmt.Printf("  State file: %s\n", stateFile)
	if svCfg.HealthEnabled {
		if svCfg.HealthPort != 0 {
			fmt.Printf("  Health:     http://%s:%d%s\n", svCfg.HealthHost, svCfg.HealthPort, svCfg.HealthPath)
		} else {
			fmt.Printf("  Health:     http://%s:<ephemeral>%s (see state file for the bound port)\n", svCfg.HealthHost, svCfg.HealthPath)
		}
	}
	fmt.Println("Press Ctrl+C to stop.")

	exitCode, err := sv.Run()
	if err != nil {
		return fmt.Errorf("supervisor run failed: %w", err)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
