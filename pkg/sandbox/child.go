package sandbox

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mahi-systems/mahid/pkg/types"
)

// resultFD is the ExtraFiles index the parent reserves for the child's
// structured result (fd 3 — stdin/stdout/stderr occupy 0-2).
const resultFD = 3

// RunChild is the sandboxed child process's entire body. It is invoked
// from main() when os.Getenv(ChildEnvVar) == "1", before any normal CLI
// parsing happens — the same "fork by re-executing argv[0]" idiom
// net/rpc-style daemons and container runtimes use in place of a real
// fork(2), which Go's runtime does not support safely once goroutines
// exist. RunChild always calls os.Exit itself; it never returns.
func RunChild(registry *ActionRegistry) {
	os.Exit(runChild(registry))
}

func runChild(registry *ActionRegistry) int {
	var payload childPayload
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		writeResult(childResult{Success: false, Error: "sandbox_failure: malformed action payload"})
		return 1
	}

	snapshot, err := applyLimits(payload.Config)
	if err != nil {
		writeResult(childResult{Success: false, Error: "sandbox_failure: " + err.Error()})
		return 1
	}

	fn, ok := registry.Lookup(payload.Action.Target)
	if !ok {
		writeResult(childResult{Success: false, Error: ErrUnknownTarget(payload.Action.Target).Error(), LimitsSnapshot: snapshot})
		return 1
	}

	guard := &Guard{
		allowNetwork:    payload.Config.AllowNetwork,
		allowSubprocess: payload.Config.AllowSubprocess,
		workDir:         payload.Config.WorkingDir,
	}
	ctx := withGuard(context.Background(), guard)

	result := invoke(ctx, fn, payload.Action)
	result.LimitsSnapshot = snapshot
	if payload.Config.CollectUsage {
		result.Usage = collectUsage()
	}
	writeResult(result)
	if !result.Success {
		return 1
	}
	return 0
}

// invoke calls fn, converting both a returned error and a recovered
// panic into a failed childResult — a target must never take the
// sandbox process down silently.
func invoke(ctx context.Context, fn ActionFunc, action types.SandboxAction) (result childResult) {
	defer func() {
		if r := recover(); r != nil {
			result = childResult{Success: false, Error: "sandbox_failure: target panicked: " + toString(r)}
		}
	}()
	value, err := fn(ctx, action.Args, action.Kwargs)
	if err != nil {
		return childResult{Success: false, Error: err.Error()}
	}
	return childResult{Success: true, Value: value}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic"
}

func writeResult(r childResult) {
	f := os.NewFile(resultFD, "sandbox-result")
	if f == nil {
		return
	}
	defer f.Close()
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(childResult{Success: false, Error: "sandbox_failure: failed to encode result"})
	}
	_, _ = f.Write(data)
}
