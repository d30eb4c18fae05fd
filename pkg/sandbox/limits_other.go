//go:build !linux && !darwin

package sandbox

import (
	"os"

	"github.com/mahi-systems/mahid/pkg/types"
)

// applyLimits has no rlimit-equivalent on this platform; it still
// honours WorkingDir so the rest of the protocol behaves identically.
func applyLimits(cfg types.SandboxConfig) (map[string]any, error) {
	if cfg.WorkingDir != "" {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			return nil, err
		}
	}
	return map[string]any{"rlimits": "unsupported on this platform"}, nil
}

func collectUsage() map[string]any {
	return nil
}
