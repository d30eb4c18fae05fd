package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// runWorkerServe is the process body the Worker Pool spawns via
// "<mahid> --port <N>" when PoolConfig.Executable is left unset
// (types.PoolConfig's doc comment). A concrete external
// automation-runtime binary is out of SPEC_FULL.md's scope, but the
// Worker Pool still needs a genuine child process to supervise,
// restart, and probe over HTTP — this is that process: it answers
// /health so pkg/health.HTTPChecker (wired into
// pkg/workerpool.Pool.collectHealth) has something real to check.
func runWorkerServe(port string) {
	startedAt := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"uptime_seconds": time.Since(startedAt).Seconds(),
		})
	})

	addr := fmt.Sprintf("127.0.0.1:%s", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "worker-serve error: %v\n", err)
		os.Exit(1)
	}
}
