package sandbox

import (
	"context"
	"os"
	"testing"

	"github.com/mahi-systems/mahid/pkg/types"
)

// TestMain lets the compiled test binary double as the sandboxed child
// process, the same "re-exec argv[0]" trick RunChild relies on in
// production: when MAHI_SANDBOX_CHILD=1 is set, the test binary runs
// the child protocol instead of the Go test harness.
func TestMain(m *testing.M) {
	if os.Getenv(ChildEnvVar) == "1" {
		registry := NewActionRegistry()
		RegisterBuiltins(registry)
		RunChild(registry)
		return // unreachable; RunChild exits.
	}
	os.Exit(m.Run())
}

func newTestHarness(t *testing.T, cfg types.SandboxConfig, perms types.SandboxPermissions) *Harness {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	registry := NewActionRegistry()
	RegisterBuiltins(registry)
	h := NewHarness(cfg, perms, registry)
	h.selfPath = self
	return h
}

func TestExecuteUnknownTarget(t *testing.T) {
	h := newTestHarness(t, types.DefaultSandboxConfig(), types.SandboxPermissions{})
	result := h.Execute(context.Background(), types.SandboxAction{Target: "does-not-exist"})
	if result.Success {
		t.Fatal("expected failure for an unknown target")
	}
	if result.Error == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestExecutePermissionDenied(t *testing.T) {
	h := newTestHarness(t, types.DefaultSandboxConfig(), types.SandboxPermissions{FileAccess: false})
	result := h.Execute(context.Background(), types.SandboxAction{
		Target:              "read_file",
		RequiredPermissions: []string{"file_access"},
	})
	if result.Success {
		t.Fatal("expected permission_denied failure")
	}
}

func TestExecuteEchoSucceeds(t *testing.T) {
	cfg := types.DefaultSandboxConfig()
	cfg.WorkingDir = t.TempDir()
	h := newTestHarness(t, cfg, types.SandboxPermissions{})

	result := h.Execute(context.Background(), types.SandboxAction{
		Target: "echo",
		Args:   []any{"hello"},
	})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	cfg := types.DefaultSandboxConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.WallTimeSeconds = 0.1
	h := newTestHarness(t, cfg, types.SandboxPermissions{})

	result := h.Execute(context.Background(), types.SandboxAction{
		Target: "sleep",
		Args:   []any{5.0},
	})
	if result.Success || !result.TimedOut {
		t.Fatalf("expected a timeout result, got %+v", result)
	}
	if result.Error != "Timed out waiting for sandbox action" {
		t.Errorf("Error = %q, want the exact timeout message", result.Error)
	}
}

func TestExecuteNetworkDisabled(t *testing.T) {
	cfg := types.DefaultSandboxConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.AllowNetwork = false
	h := newTestHarness(t, cfg, types.SandboxPermissions{NetworkAccess: true})

	result := h.Execute(context.Background(), types.SandboxAction{
		Target:              "probe_network",
		Args:                []any{"127.0.0.1:1"},
		RequiredPermissions: []string{"network_access"},
	})
	if result.Success {
		t.Fatal("expected network access to be refused inside the child")
	}
	if result.Error != "Network access is disabled in sandbox" {
		t.Errorf("Error = %q, want the exact network-disabled message", result.Error)
	}
}

func TestExecuteFileOutsideWorkdirDenied(t *testing.T) {
	cfg := types.DefaultSandboxConfig()
	cfg.WorkingDir = t.TempDir()
	h := newTestHarness(t, cfg, types.SandboxPermissions{FileAccess: true})

	result := h.Execute(context.Background(), types.SandboxAction{
		Target:              "read_file",
		Args:                []any{"/etc/hostname"},
		RequiredPermissions: []string{"file_access"},
	})
	if result.Success {
		t.Fatal("expected a path outside the sandbox working dir to be refused")
	}
	if result.Error != "File system access is restricted inside sandbox" {
		t.Errorf("Error = %q, want the exact file-restricted message", result.Error)
	}
}

func TestGuardFromContextDefaultsPermissive(t *testing.T) {
	g := GuardFromContext(context.Background())
	if !g.allowNetwork || !g.allowSubprocess {
		t.Error("a Guard absent from context should default to permissive, for code invoked outside the harness")
	}
}

func TestIsWithin(t *testing.T) {
	dir := t.TempDir()
	if !isWithin(dir, dir+"/nested/file.txt") {
		t.Error("a path under the root should be considered within it")
	}
	if isWithin(dir, "/etc/passwd") {
		t.Error("an absolute path outside the root must not be considered within it")
	}
}
