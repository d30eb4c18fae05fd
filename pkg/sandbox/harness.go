// Package sandbox implements the Sandbox Harness: it runs a named
// action in a genuinely separate OS process, bounded by CPU/memory/
// file-descriptor/process-count rlimits and a wall-clock timeout, and
// never lets that process's failure, panic, or hang propagate past a
// SandboxResult.
//
// Grounded on original_source/ondevice-ai/core/sandbox.py for the
// execution protocol (permission check before spawn, resource limits
// applied in the child, captured stdout/stderr, kill-on-timeout) and on
// the teacher's cmd/warren/main.go for the "re-exec self as a hidden
// subcommand" idiom used to reach RunChild. SPEC_FULL.md §9 replaces
// the original's process-global monkeypatching of socket/open/
// subprocess with the explicit Guard (guard.go) and its corresponding
// OS rlimits (limits_unix.go), rather than reinstalling a Python-style
// global patch in Go.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mahi-systems/mahid/pkg/log"
	"github.com/mahi-systems/mahid/pkg/metrics"
	"github.com/mahi-systems/mahid/pkg/types"
)

// ChildEnvVar, when set to "1" in the process environment, tells
// main() to dispatch straight into RunChild instead of parsing CLI
// flags. ChildArg is the argv[1] the parent passes for readability in
// process listings.
const (
	ChildEnvVar = "MAHI_SANDBOX_CHILD"
	ChildArg    = "__mahi_sandbox_child__"
)

// childPayload is written to the child's stdin.
type childPayload struct {
	Action      types.SandboxAction      `json:"action"`
	Config      types.SandboxConfig      `json:"config"`
	Permissions types.SandboxPermissions `json:"permissions"`
}

// childResult is written by the child to its result pipe (fd 3).
type childResult struct {
	Success        bool           `json:"success"`
	Value          any            `json:"value,omitempty"`
	Error          string         `json:"error,omitempty"`
	LimitsSnapshot map[string]any `json:"limits_snapshot,omitempty"`
	Usage          map[string]any `json:"usage,omitempty"`
}

// Harness executes SandboxActions against a fixed permission set and
// resource configuration.
type Harness struct {
	Config      types.SandboxConfig
	Permissions types.SandboxPermissions
	Registry    *ActionRegistry

	// selfPath overrides os.Executable, used by tests.
	selfPath string
}

// NewHarness returns a Harness ready to execute actions registered in
// registry, gated by permissions, bounded by cfg.
func NewHarness(cfg types.SandboxConfig, permissions types.SandboxPermissions, registry *ActionRegistry) *Harness {
	return &Harness{Config: cfg, Permissions: permissions, Registry: registry}
}

// Execute runs action to completion (or timeout) and returns a
// SandboxResult. It never returns an error: every failure mode —
// unknown target, denied permission, timeout, crash — is reported
// inside the result, per SPEC_FULL.md §9's "harness never re-raises"
// policy.
func (h *Harness) Execute(ctx context.Context, action types.SandboxAction) (result types.SandboxResult) {
	start := time.Now()
	logger := log.WithWorker("sandbox").With().Str("target", action.Target).Logger()

	defer func() {
		outcome := "error"
		switch {
		case result.Success:
			outcome = "success"
		case result.TimedOut:
			outcome = "timeout"
		}
		metrics.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()
		metrics.SandboxDuration.Observe(result.Duration.Seconds())
	}()

	if _, ok := h.Registry.Lookup(action.Target); !ok {
		logger.Warn().Msg("unknown sandbox target")
		return types.SandboxResult{Success: false, Error: ErrUnknownTarget(action.Target).Error(), Duration: time.Since(start)}
	}

	var denied []string
	for _, perm := range action.RequiredPermissions {
		if !h.Permissions.Allows(perm) {
			denied = append(denied, perm)
		}
	}
	if len(denied) > 0 {
		logger.Warn().Strs("denied_permissions", denied).Msg("sandbox action refused")
		return types.SandboxResult{
			Success:  false,
			Error:    fmt.Sprintf("permission_denied: required permission(s) disabled: %v", denied),
			Duration: time.Since(start),
		}
	}

	selfPath := h.selfPath
	if selfPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return types.SandboxResult{Success: false, Error: fmt.Sprintf("sandbox_failure: %v", err), Duration: time.Since(start)}
		}
		selfPath = exe
	}

	if err := os.MkdirAll(h.Config.WorkingDir, 0o755); h.Config.WorkingDir != "" && err != nil {
		return types.SandboxResult{Success: false, Error: fmt.Sprintf("sandbox_failure: %v", err), Duration: time.Since(start)}
	}

	payload, err := json.Marshal(childPayload{Action: action, Config: h.Config, Permissions: h.Permissions})
	if err != nil {
		return types.SandboxResult{Success: false, Error: fmt.Sprintf("sandbox_failure: %v", err), Duration: time.Since(start)}
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return types.SandboxResult{Success: false, Error: fmt.Sprintf("sandbox_failure: %v", err), Duration: time.Since(start)}
	}

	cmd := exec.Command(selfPath, ChildArg)
	cmd.Dir = h.Config.WorkingDir
	cmd.Env = mergedEnv(h.Config.Env)
	cmd.Stdin = bytes.NewReader(payload)
	stdoutBuf := newCappedBuffer(h.Config.MaxOutputBytes)
	stderrBuf := newCappedBuffer(h.Config.MaxOutputBytes)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf
	cmd.ExtraFiles = []*os.File{resultW}

	if err := cmd.Start(); err != nil {
		resultR.Close()
		resultW.Close()
		return types.SandboxResult{Success: false, Error: fmt.Sprintf("sandbox_failure: failed to start: %v", err), Duration: time.Since(start)}
	}
	resultW.Close() // parent's copy; the child keeps its own fd 3 open until it exits.

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(resultR)
		resultCh <- data
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	wallTimeout := time.Duration(h.Config.WallTimeSeconds * float64(time.Second))
	if wallTimeout <= 0 {
		wallTimeout = 10 * time.Second
	}
	timer := time.NewTimer(wallTimeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-waitCh:
	case <-timer.C:
		timedOut = true
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
	}

	raw := <-resultCh
	resultR.Close()
	duration := time.Since(start)

	if timedOut {
		logger.Warn().Dur("duration", duration).Msg("sandbox action timed out")
		return types.SandboxResult{
			Success:  false,
			TimedOut: true,
			Error:    "Timed out waiting for sandbox action",
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Duration: duration,
		}
	}

	if len(raw) == 0 {
		logger.Warn().Msg("sandbox process exited without a result")
		return types.SandboxResult{
			Success:  false,
			Error:    "Sandbox process exited without result",
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Duration: duration,
		}
	}

	var cr childResult
	if err := json.Unmarshal(raw, &cr); err != nil {
		return types.SandboxResult{
			Success:  false,
			Error:    fmt.Sprintf("sandbox_failure: malformed result: %v", err),
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			Duration: duration,
		}
	}

	logger.Debug().Bool("success", cr.Success).Dur("duration", duration).Msg("sandbox action completed")
	return types.SandboxResult{
		Success:        cr.Success,
		Value:          cr.Value,
		Error:          cr.Error,
		Stdout:         stdoutBuf.String(),
		Stderr:         stderrBuf.String(),
		Duration:       duration,
		LimitsSnapshot: cr.LimitsSnapshot,
		Usage:          cr.Usage,
	}
}

func mergedEnv(overrides map[string]string) []string {
	base := os.Environ()
	base = append(base, ChildEnvVar+"=1")
	for k, v := range overrides {
		base = append(base, k+"="+v)
	}
	return base
}

type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit > 0 && int64(c.buf.Len()) >= c.limit {
		return len(p), nil
	}
	if c.limit > 0 && int64(c.buf.Len()+len(p)) > c.limit {
		allowed := c.limit - int64(c.buf.Len())
		c.buf.Write(p[:allowed])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
