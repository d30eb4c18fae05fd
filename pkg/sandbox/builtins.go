package sandbox

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins installs the small set of generic targets the
// daemon ships out of the box. Backend-specific targets (query/index
// planning steps that need sandboxed execution) are registered
// separately by the composition root.
func RegisterBuiltins(r *ActionRegistry) {
	r.Register("echo", echoAction)
	r.Register("sleep", sleepAction)
	r.Register("probe_network", probeNetworkAction)
	r.Register("read_file", readFileAction)
}

func echoAction(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return map[string]any{"args": args, "kwargs": kwargs}, nil
}

func sleepAction(ctx context.Context, args []any, _ map[string]any) (any, error) {
	seconds := 0.0
	if len(args) > 0 {
		if f, ok := args[0].(float64); ok {
			seconds = f
		}
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return "awake", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func probeNetworkAction(ctx context.Context, args []any, _ map[string]any) (any, error) {
	addr := "127.0.0.1:0"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			addr = s
		}
	}
	guard := GuardFromContext(ctx)
	conn, err := guard.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return "connected", nil
}

func readFileAction(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("read_file requires a path argument")
	}
	path, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("read_file requires a string path argument")
	}
	guard := GuardFromContext(ctx)
	f, err := guard.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return "opened", nil
}
