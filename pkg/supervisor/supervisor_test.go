package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mahi-systems/mahid/pkg/types"
)

func tempPaths(t *testing.T) (logPath, stateFile, scratch string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "supervisor.log"), filepath.Join(dir, "state.json"), filepath.Join(dir, "attempt.txt")
}

func counterScript(scratch string) []string {
	script := fmt.Sprintf(
		`count=0; [ -f %q ] && count=$(cat %q); count=$((count+1)); echo -n "$count" > %q; sleep 0.05; [ "$count" -ge 2 ] && exit 0 || exit 1`,
		scratch, scratch, scratch,
	)
	return []string{"sh", "-c", script}
}

func readState(t *testing.T, stateFile string) types.SupervisorState {
	t.Helper()
	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", stateFile, err)
	}
	var state types.SupervisorState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return state
}

func TestRunRestartsThenSucceeds(t *testing.T) {
	logPath, stateFile, scratch := tempPaths(t)
	cfg := types.SupervisorConfig{
		MaxRestarts:       3,
		WindowSeconds:     5.0,
		BackoffSeconds:    0.01,
		MaxBackoffSeconds: 0.05,
	}
	sup, err := New(counterScript(scratch), logPath, stateFile, cfg, nil, Hooks{}, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	exitCode, err := sup.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 0 {
		t.Fatalf("exitCode = %d, want 0", exitCode)
	}

	state := readState(t, stateFile)
	if state.RestartCount < 1 {
		t.Errorf("RestartCount = %d, want >= 1", state.RestartCount)
	}
	if state.LastExitCode == nil || *state.LastExitCode != 0 {
		t.Errorf("LastExitCode = %v, want 0", state.LastExitCode)
	}
	if state.ChildPID != nil {
		t.Errorf("ChildPID = %v, want nil after exit", state.ChildPID)
	}
}

func TestRunRespectsRestartBudget(t *testing.T) {
	logPath, stateFile, _ := tempPaths(t)
	cfg := types.SupervisorConfig{
		MaxRestarts:       2,
		WindowSeconds:     1.0,
		BackoffSeconds:    0.01,
		MaxBackoffSeconds: 0.05,
	}
	sup, err := New([]string{"sh", "-c", "sleep 0.02; exit 1"}, logPath, stateFile, cfg, nil, Hooks{}, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	exitCode, err := sup.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 1 {
		t.Fatalf("exitCode = %d, want 1", exitCode)
	}

	state := readState(t, stateFile)
	if state.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want 2", state.RestartCount)
	}
}

func TestHealthServerReportsRunning(t *testing.T) {
	logPath, stateFile, _ := tempPaths(t)
	cfg := types.SupervisorConfig{
		MaxRestarts:       1,
		WindowSeconds:     5.0,
		BackoffSeconds:    0.01,
		MaxBackoffSeconds: 0.05,
		HealthEnabled:     true,
		HealthHost:        "127.0.0.1",
		HealthPath:        "/healthz",
	}
	sup, err := New([]string{"sh", "-c", "sleep 2"}, logPath, stateFile, cfg, nil, Hooks{}, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	go sup.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !sup.WaitForHealth(ctx) {
		t.Fatal("WaitForHealth() timed out")
	}

	sup.mu.Lock()
	hs := sup.healthSrv
	sup.mu.Unlock()
	if hs == nil {
		t.Fatal("health server did not start")
	}
	url := fmt.Sprintf("http://%s:%d/healthz", hs.host, hs.port)

	var payload map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			if resp.StatusCode == http.StatusOK {
				_ = json.NewDecoder(resp.Body).Decode(&payload)
				resp.Body.Close()
				break
			}
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}
	if payload == nil {
		t.Fatal("never observed a ready health payload")
	}
	if payload["running"] != true {
		t.Errorf("running = %v, want true", payload["running"])
	}
	if payload["status"] != "ready" {
		t.Errorf("status = %v, want ready", payload["status"])
	}

	sup.Stop()
	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	state := readState(t, stateFile)
	if state.Health.Status != "stopped" && state.Health.Status != "failed" {
		t.Errorf("final health status = %q, want stopped or failed", state.Health.Status)
	}
}

func TestHooksInvoked(t *testing.T) {
	logPath, stateFile, scratch := tempPaths(t)

	type event struct {
		kind  string
		value int
	}
	var events []event

	hooks := Hooks{
		OnChildStart: func(pid, restartCount int) { events = append(events, event{"start", restartCount}) },
		OnChildExit: func(exitCode *int, restartCount int) {
			code := -1
			if exitCode != nil {
				code = *exitCode
			}
			events = append(events, event{"exit", code})
		},
		OnRestart: func(restartCount int) { events = append(events, event{"restart", restartCount}) },
	}

	cfg := types.SupervisorConfig{
		MaxRestarts:       3,
		WindowSeconds:     5.0,
		BackoffSeconds:    0.01,
		MaxBackoffSeconds: 0.05,
	}
	sup, err := New(counterScript(scratch), logPath, stateFile, cfg, nil, hooks, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	exitCode, err := sup.Run()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if exitCode != 0 {
		t.Fatalf("exitCode = %d, want 0", exitCode)
	}

	sawRestart := false
	sawCleanExit := false
	for _, e := range events {
		if e.kind == "restart" && e.value == 1 {
			sawRestart = true
		}
		if e.kind == "exit" && e.value == 0 {
			sawCleanExit = true
		}
	}
	if !sawRestart {
		t.Errorf("events missing restart(1): %+v", events)
	}
	if !sawCleanExit {
		t.Errorf("events missing exit(0): %+v", events)
	}
}
