package workerpool

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/registry"
	"github.com/mahi-systems/mahid/pkg/types"
)

// fakeWorkerBinary writes a tiny shell script that ignores whatever
// "--port N" the pool appends and just sleeps, standing in for the
// actual automation runtime executable.
func fakeWorkerBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker pool spawn test requires a unix shell binary")
	}
	sleepBin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("sleep not available: %v", err)
	}

	// Spawn() appends its own "--port N" to the command line, and the
	// pool replaces the child's environment entirely (dropping PATH,
	// matching the original's env=... Popen call), so the script must
	// embed sleep's absolute path rather than relying on lookup.
	path := filepath.Join(t.TempDir(), "fake-runtime.sh")
	script := "#!/bin/sh\nexec " + sleepBin + " 30\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake runtime script: %v", err)
	}
	return path
}

func testConfig() types.PoolConfig {
	cfg := types.DefaultPoolConfig()
	cfg.Max = 3
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RestartBackoff = 10 * time.Millisecond
	cfg.ShutdownTimeout = 200 * time.Millisecond
	return cfg
}

func TestSpawnRegistersEndpoint(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())

	w, err := pool.Spawn("worker-a", nil, 19000)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer pool.Stop()

	ep, ok := reg.Find("http", "worker-a")
	if !ok {
		t.Fatal("expected worker-a to be registered as an http endpoint")
	}
	if ep.Address == "" {
		t.Error("expected a non-empty endpoint address")
	}
	if w.Port != 19000 {
		t.Errorf("Port = %d, want 19000", w.Port)
	}
}

func TestSpawnNameConflict(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())

	if _, err := pool.Spawn("dup", nil, 0); err != nil {
		t.Fatalf("first Spawn() error = %v", err)
	}
	defer pool.Stop()

	_, err := pool.Spawn("dup", nil, 0)
	if !mahierr.Is(err, mahierr.NameConflict) {
		t.Fatalf("expected NameConflict, got %v", err)
	}
}

func TestSpawnCapacityExceeded(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	cfg := testConfig()
	cfg.Max = 1
	pool := New(bin, reg, cfg)

	if _, err := pool.Spawn("w1", nil, 0); err != nil {
		t.Fatalf("first Spawn() error = %v", err)
	}
	defer pool.Stop()

	_, err := pool.Spawn("w2", nil, 0)
	if !mahierr.Is(err, mahierr.CapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestRemoveUnregistersEndpoint(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())

	pool.Spawn("w1", nil, 0)
	if !pool.Remove("w1") {
		t.Fatal("Remove() should report true for an existing worker")
	}
	if _, ok := reg.Find("http", "w1"); ok {
		t.Error("expected the endpoint to be unregistered after Remove()")
	}
	if pool.Remove("w1") {
		t.Error("Remove() should report false for an already-removed worker")
	}
}

func TestSetDesiredCapacitySpawnsUpToTarget(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())

	if err := pool.SetDesiredCapacity(2); err != nil {
		t.Fatalf("SetDesiredCapacity() error = %v", err)
	}
	defer pool.Stop()

	if got := pool.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount() = %d, want 2", got)
	}
}

func TestShrinkRemovesNewestFirst(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())

	pool.Spawn("older", nil, 0)
	time.Sleep(5 * time.Millisecond)
	pool.Spawn("newer", nil, 0)
	defer pool.Stop()

	if err := pool.SetDesiredCapacity(1); err != nil {
		t.Fatalf("SetDesiredCapacity() error = %v", err)
	}

	if _, ok := reg.Find("http", "newer"); ok {
		t.Error("the most recently started worker should be shrunk first")
	}
	if _, ok := reg.Find("http", "older"); !ok {
		t.Error("the older worker should survive a shrink from 2 to 1")
	}
}

func TestHeartbeatRestartsDeadWorker(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skipf("false binary not available: %v", err)
	}
	reg := registry.New()
	cfg := testConfig()
	pool := New(bin, reg, cfg)

	pool.Spawn("flaky", nil, 0)
	defer pool.Stop()

	time.Sleep(20 * time.Millisecond) // let the "false" process exit
	pool.Heartbeat(context.Background())
	time.Sleep(cfg.RestartBackoff + 20*time.Millisecond)

	snap := pool.Snapshot()
	var w *types.Worker
	for i := range snap.Workers {
		if snap.Workers[i].Name == "flaky" {
			w = &snap.Workers[i]
		}
	}
	if w == nil {
		t.Fatal("expected the flaky worker to still be tracked after a restart")
	}
	if w.Restarts == 0 {
		t.Error("expected Restarts to be incremented after the process died between heartbeats")
	}
}

func TestSnapshotMetricsBounded(t *testing.T) {
	bin := fakeWorkerBinary(t)
	reg := registry.New()
	pool := New(bin, reg, testConfig())
	pool.Spawn("w1", nil, 0)
	defer pool.Stop()

	for i := 0; i < 80; i++ {
		pool.Heartbeat(context.Background())
	}
	snap := pool.Snapshot()
	if len(snap.Metrics) > 64 {
		t.Errorf("len(Metrics) = %d, want <= 64", len(snap.Metrics))
	}
}
