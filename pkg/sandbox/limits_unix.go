//go:build linux || darwin

package sandbox

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/mahi-systems/mahid/pkg/types"
)

// applyLimits installs the resource bounds described by cfg on the
// current (child) process via setrlimit(2), then chdirs into the
// working directory and lowers scheduling priority if requested. It
// runs once, inside the freshly-spawned child, before the target is
// looked up — mirroring core/sandbox.py's _apply_limits, translated
// from Python's resource.setrlimit to golang.org/x/sys/unix.Setrlimit.
func applyLimits(cfg types.SandboxConfig) (map[string]any, error) {
	snapshot := map[string]any{}

	if cfg.CPUTimeSeconds > 0 {
		lim := uint64(cfg.CPUTimeSeconds)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return nil, err
		}
		snapshot["cpu_time_seconds"] = cfg.CPUTimeSeconds
	}
	if cfg.MemoryBytes > 0 {
		lim := uint64(cfg.MemoryBytes)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return nil, err
		}
		snapshot["memory_bytes"] = cfg.MemoryBytes
	}
	if cfg.MaxOpenFiles > 0 {
		lim := uint64(cfg.MaxOpenFiles)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return nil, err
		}
		snapshot["max_open_files"] = cfg.MaxOpenFiles
	}
	if cfg.MaxProcesses > 0 {
		lim := uint64(cfg.MaxProcesses)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return nil, err
		}
		snapshot["max_processes"] = cfg.MaxProcesses
	}
	// RLIMIT_FSIZE bounds any single file the target writes.
	if cfg.MaxOutputBytes > 0 {
		lim := uint64(cfg.MaxOutputBytes)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return nil, err
		}
	}

	if cfg.IdlePriority {
		inc := cfg.NiceIncrement
		if inc <= 0 {
			inc = 10
		}
		_ = unix.Setpriority(unix.PRIO_PROCESS, os.Getpid(), inc)
		snapshot["nice_increment"] = inc
	}

	if cfg.WorkingDir != "" {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

// collectUsage reports the child's own resource consumption via
// getrusage(2), mirroring core/sandbox.py's optional usage collection.
func collectUsage() map[string]any {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return nil
	}
	return map[string]any{
		"user_time_seconds": float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6,
		"sys_time_seconds":  float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6,
		"max_rss_kb":        ru.Maxrss,
	}
}
