// Package types holds the data model shared across mahid's subsystems:
// endpoints, tokens, workers, sandbox actions, and supervisor state.
package types

import "time"

// Endpoint is a live transport address advertised by the Registry.
// Identity is (Protocol, Name); re-registering overwrites.
type Endpoint struct {
	Name     string         `json:"name"`
	Protocol string         `json:"protocol"` // "grpc" | "http" | "ws" | "ipc"
	Address  string         `json:"address"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ValidProtocols enumerates the protocol values the Registry accepts.
var ValidProtocols = map[string]bool{
	"grpc": true,
	"http": true,
	"ws":   true,
	"ipc":  true,
}

// Token is a bearer token minted by the Auth Manager. Scopes are
// deduplicated and sorted canonically by the minting path. WindowStart
// and WindowCount back the sliding one-minute rate-limit window and are
// never serialized to API responses.
type Token struct {
	Value           string     `json:"value"`
	Subject         string     `json:"subject"`
	Scopes          []string   `json:"scopes"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Admin           bool       `json:"admin"`
	RateLimitPerMin int        `json:"rate_limit_per_minute"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`

	WindowStart time.Time `json:"-"`
	WindowCount int       `json:"-"`
}

// HasScope reports whether the token grants the given scope, honouring
// the "*" wildcard.
func (t *Token) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	for _, s := range t.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the token has passed its expiry at the given
// instant. A nil ExpiresAt means the token never expires.
func (t *Token) Expired(at time.Time) bool {
	return t.ExpiresAt != nil && !at.Before(*t.ExpiresAt)
}

// Worker describes one managed runtime process. At most one live worker
// exists per Name; Port is unique among live workers.
type Worker struct {
	Name       string            `json:"name"`
	Command    []string          `json:"command"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
	Port       int               `json:"port"`
	PID        int               `json:"pid"`
	StartedAt  time.Time         `json:"started_at"`
	Restarts   int               `json:"restarts"`
	Alive      bool              `json:"alive"`
	LastHealth map[string]any    `json:"last_health,omitempty"`
}

// PoolConfig bounds the Worker Pool's capacity and timing. Max == 0
// means unbounded. Executable is the automation-runtime binary each
// worker process runs; empty means the Composition Root re-execs
// itself in worker-serve mode (mirroring the Sandbox Harness's own
// argv[0] self-exec idiom), since no concrete external runtime binary
// is in scope here.
type PoolConfig struct {
	Min               int           `yaml:"min" json:"min"`
	Max               int           `yaml:"max" json:"max"`
	Desired           int           `yaml:"desired" json:"desired"`
	BasePort          int           `yaml:"base_port" json:"base_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	RestartBackoff    time.Duration `yaml:"restart_backoff" json:"restart_backoff"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Executable        string        `yaml:"executable" json:"executable"`
}

// DefaultPoolConfig mirrors core.runtime_pool.PoolConfig's defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Min:               0,
		Max:               2,
		BasePort:          9600,
		HeartbeatInterval: 5 * time.Second,
		RestartBackoff:    3 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// SandboxPermissions gates the capabilities a sandboxed action may use.
// Extends the Python original's five fields with ShellAccess and
// AutomationAccess per SPEC_FULL.md §3.
type SandboxPermissions struct {
	FileAccess       bool `yaml:"file_access" json:"file_access"`
	NetworkAccess    bool `yaml:"network_access" json:"network_access"`
	CalendarAccess   bool `yaml:"calendar_access" json:"calendar_access"`
	MailAccess       bool `yaml:"mail_access" json:"mail_access"`
	BrowserAccess    bool `yaml:"browser_access" json:"browser_access"`
	ShellAccess      bool `yaml:"shell_access" json:"shell_access"`
	AutomationAccess bool `yaml:"automation_access" json:"automation_access"`
}

// Allows reports whether the named permission is granted. Unknown
// permission names are treated as denied.
func (p SandboxPermissions) Allows(permission string) bool {
	switch permission {
	case "file_access":
		return p.FileAccess
	case "network_access":
		return p.NetworkAccess
	case "calendar_access":
		return p.CalendarAccess
	case "mail_access":
		return p.MailAccess
	case "browser_access":
		return p.BrowserAccess
	case "shell_access":
		return p.ShellAccess
	case "automation_access":
		return p.AutomationAccess
	default:
		return false
	}
}

// AsMap returns the permission set as a string->bool map, mirroring the
// Python original's as_dict().
func (p SandboxPermissions) AsMap() map[string]bool {
	return map[string]bool{
		"file_access":       p.FileAccess,
		"network_access":    p.NetworkAccess,
		"calendar_access":   p.CalendarAccess,
		"mail_access":       p.MailAccess,
		"browser_access":    p.BrowserAccess,
		"shell_access":      p.ShellAccess,
		"automation_access": p.AutomationAccess,
	}
}

// SandboxConfig bounds a sandboxed child process's resource usage.
type SandboxConfig struct {
	CPUTimeSeconds  int               `yaml:"cpu_time_seconds"`
	WallTimeSeconds float64           `yaml:"wall_time_seconds"`
	MemoryBytes     int64             `yaml:"memory_bytes"`
	WorkingDir      string            `yaml:"working_dir"`
	Env             map[string]string `yaml:"env"`
	AllowSubprocess bool              `yaml:"allow_subprocesses"`
	AllowNetwork    bool              `yaml:"allow_network"`
	MaxOpenFiles    int               `yaml:"max_open_files"`
	MaxProcesses    int               `yaml:"max_processes"`
	MaxOutputBytes  int64             `yaml:"max_output_bytes"`
	IdlePriority    bool              `yaml:"idle_priority"`
	NiceIncrement   int               `yaml:"nice_increment"`
	CollectUsage    bool              `yaml:"collect_usage"`
}

// DefaultSandboxConfig mirrors core.sandbox.SandboxConfig's defaults.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		CPUTimeSeconds:  5,
		WallTimeSeconds: 10.0,
		MemoryBytes:     512 * 1024 * 1024,
		MaxOpenFiles:    256,
		MaxProcesses:    64,
		MaxOutputBytes:  64 * 1024 * 1024,
		IdlePriority:    true,
		NiceIncrement:   10,
		CollectUsage:    true,
	}
}

// SandboxAction describes one unit of sandboxed work. Target is a name
// resolved via the action registry, replacing the Python original's
// dynamic "module:function" dispatch string.
type SandboxAction struct {
	Target              string         `json:"target"`
	Args                []any          `json:"args,omitempty"`
	Kwargs              map[string]any `json:"kwargs,omitempty"`
	RequiredPermissions []string       `json:"required_permissions,omitempty"`
}

// SandboxResult is the uniform outcome of a sandboxed execution. The
// Harness never lets a target's panic or error propagate to the caller.
type SandboxResult struct {
	Success        bool           `json:"success"`
	Value          any            `json:"value,omitempty"`
	Stdout         string         `json:"stdout"`
	Stderr         string         `json:"stderr"`
	Duration       time.Duration  `json:"duration"`
	TimedOut       bool           `json:"timed_out"`
	Error          string         `json:"error,omitempty"`
	LimitsSnapshot map[string]any `json:"limits_snapshot,omitempty"`
	Usage          map[string]any `json:"usage,omitempty"`
}

// SupervisorConfig bounds the Process Supervisor's restart budget,
// backoff, shutdown grace period, and health endpoint.
type SupervisorConfig struct {
	MaxRestarts             int           `yaml:"max_restarts" json:"max_restarts"`
	WindowSeconds           float64       `yaml:"window_seconds" json:"window_seconds"`
	BackoffSeconds          float64       `yaml:"backoff_seconds" json:"backoff_seconds"`
	MaxBackoffSeconds       float64       `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`
	GracefulShutdownSeconds float64       `yaml:"graceful_shutdown_seconds" json:"graceful_shutdown_seconds"`
	HealthEnabled           bool          `yaml:"health_enabled" json:"health_enabled"`
	HealthHost              string        `yaml:"health_host" json:"health_host"`
	HealthPort              int           `yaml:"health_port" json:"health_port"`
	HealthPath              string        `yaml:"health_path" json:"health_path"`
}

// DefaultSupervisorConfig mirrors core.supervisor.SupervisorConfig's
// defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:             5,
		WindowSeconds:           60.0,
		BackoffSeconds:          2.0,
		MaxBackoffSeconds:       30.0,
		GracefulShutdownSeconds: 10.0,
		HealthEnabled:           true,
		HealthHost:              "127.0.0.1",
		HealthPath:              "/healthz",
	}
}

// HealthPayload is the JSON body served by the Supervisor's health
// endpoint, and embedded in SupervisorState.
type HealthPayload struct {
	Status       string `json:"status"` // initializing|ready|restarting|failed|stopping|stopped
	Running      bool   `json:"running"`
	ChildPID     *int   `json:"child_pid"`
	RestartCount int    `json:"restart_count"`
	LastExitCode *int   `json:"last_exit_code"`
	Timestamp    string `json:"timestamp"`
}

// HealthEndpointInfo describes where the Supervisor's health HTTP
// server is bound.
type HealthEndpointInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`
}

// SupervisorState is the full document persisted to the state file
// after every transition of the supervised child.
type SupervisorState struct {
	Timestamp      time.Time           `json:"timestamp"`
	Running        bool                `json:"running"`
	ChildPID       *int                `json:"child_pid"`
	RestartCount   int                 `json:"restart_count"`
	LastExitCode   *int                `json:"last_exit_code"`
	LastStartTime  *time.Time          `json:"last_start_time"`
	LastExitTime   *time.Time          `json:"last_exit_time"`
	Health         HealthPayload       `json:"health"`
	HealthEndpoint *HealthEndpointInfo `json:"health_endpoint,omitempty"`
}

// Secret is an encrypted blob persisted by the security package. Reused
// here as the Auth Manager's encrypted-file token-store payload.
type Secret struct {
	ID        string
	Name      string
	Data      []byte // Encrypted with AES-256-GCM
	CreatedAt time.Time
	UpdatedAt time.Time
}
