// Package config implements the Config Layer (SPEC_FULL.md §A1): load
// the on-disk YAML document, layer environment-variable overrides on
// top, and hand every other component a fully-typed Config.
//
// Grounded on original_source/ondevice-ai/core/config.py's _merge/
// get_config/save_config for the deep-merge-over-defaults semantics and
// its distinction between persistable file config and non-persistable
// secret overlays; the scalar MAHI_CONFIG/MAHI_STATE_DIR overrides bind
// via github.com/caarlos0/env/v11, the struct-tag binding library the
// pack's wisbric-nightowl example uses for its own service config. The
// dotted-path (MAHI_CFG__<PATH>, MAHI_SECRET__<PATH>) and JSON-blob
// (MAHI_CONFIG_OVERRIDES, MAHI_SECRET_OVERRIDES) merges are hand-rolled
// since no env-binding library expresses "merge an arbitrary dotted
// path onto a YAML document" — that exact shape is unique to this
// config layer.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mahi-systems/mahid/pkg/gateway"
	"github.com/mahi-systems/mahid/pkg/mahierr"
	"github.com/mahi-systems/mahid/pkg/types"
)

const (
	cfgDottedPrefix    = "MAHI_CFG__"
	secretDottedPrefix = "MAHI_SECRET__"
	configOverridesVar = "MAHI_CONFIG_OVERRIDES"
	secretOverridesVar = "MAHI_SECRET_OVERRIDES"
)

// LogConfig mirrors pkg/log.Config's shape with yaml tags for the file
// form.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig bounds how the Auth Manager's token store is opened.
type AuthConfig struct {
	DataDir                string `yaml:"data_dir"`
	KeyService              string `yaml:"key_service"`
	KeyAccount              string `yaml:"key_account"`
	DefaultRateLimitPerMin  int    `yaml:"default_rate_limit_per_min"`
}

// Config is the fully-merged, typed configuration handed to every
// component by the Composition Root.
type Config struct {
	StateDir    string                    `yaml:"state_dir"`
	Log         LogConfig                 `yaml:"log"`
	Auth        AuthConfig                `yaml:"auth"`
	Sandbox     types.SandboxConfig       `yaml:"sandbox"`
	Permissions types.SandboxPermissions  `yaml:"permissions"`
	Pool        types.PoolConfig          `yaml:"pool"`
	Gateway     gateway.Config            `yaml:"gateway"`
	Supervisor  types.SupervisorConfig    `yaml:"supervisor"`
}

// Default returns the built-in configuration document, mirroring
// core/config.py's _DEFAULT_CONFIG for this domain's sections.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := filepath.Join(home, ".mahi")
	return Config{
		StateDir: stateDir,
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Auth: AuthConfig{
			DataDir:                filepath.Join(stateDir, "auth"),
			KeyService:             "mahid",
			KeyAccount:             "token-store",
			DefaultRateLimitPerMin: 120,
		},
		Sandbox:     types.DefaultSandboxConfig(),
		Permissions: types.SandboxPermissions{},
		Pool:        types.DefaultPoolConfig(),
		Gateway:     gateway.Config{},
		Supervisor:  types.DefaultSupervisorConfig(),
	}
}

type envScalars struct {
	ConfigPath string `env:"MAHI_CONFIG"`
	StateDir   string `env:"MAHI_STATE_DIR"`
}

// Loaded is the result of Load: the typed Config plus enough
// bookkeeping to write it back out without persisting secret-sourced
// overrides.
type Loaded struct {
	Config      Config
	path        string
	persistable map[string]any
}

// Load resolves the config file path (explicitPath, else MAHI_CONFIG,
// else "$MAHI_STATE_DIR/config.yaml"), merges the file over the
// built-in defaults, then layers environment overrides on top in this
// order: MAHI_CONFIG_OVERRIDES, MAHI_CFG__<PATH>, MAHI_SECRET_OVERRIDES,
// MAHI_SECRET__<PATH>. A missing config file is not an error — the
// defaults (plus any env overrides) are used as-is.
func Load(explicitPath string) (*Loaded, error) {
	var scalars envScalars
	if err := env.Parse(&scalars); err != nil {
		return nil, mahierr.Wrap(mahierr.ConfigError, "failed to parse scalar env overrides", err)
	}

	def := Default()
	base, err := toMap(def)
	if err != nil {
		return nil, mahierr.Wrap(mahierr.ConfigError, "failed to encode default config", err)
	}

	path := resolveConfigPath(explicitPath, scalars.ConfigPath, scalars.StateDir, def.StateDir)
	if data, err := os.ReadFile(path); err == nil {
		var fileDoc map[string]any
		if err := yaml.Unmarshal(data, &fileDoc); err != nil {
			return nil, mahierr.Wrap(mahierr.ConfigError, "failed to parse config file "+path, err)
		}
		deepMerge(base, fileDoc)
	} else if !os.IsNotExist(err) {
		return nil, mahierr.Wrap(mahierr.ConfigError, "failed to read config file "+path, err)
	}

	if blob := os.Getenv(configOverridesVar); blob != "" {
		var overrides map[string]any
		if err := json.Unmarshal([]byte(blob), &overrides); err != nil {
			return nil, mahierr.Wrap(mahierr.ConfigError, "failed to parse "+configOverridesVar, err)
		}
		deepMerge(base, overrides)
	}
	applyDottedEnv(base, cfgDottedPrefix)

	// persistable is the snapshot Save writes back out — captured
	// before any MAHI_SECRET_* overlay is applied, so secrets never
	// round-trip to disk.
	persistable := cloneMap(base)

	if blob := os.Getenv(secretOverridesVar); blob != "" {
		var overrides map[string]any
		if err := json.Unmarshal([]byte(blob), &overrides); err != nil {
			return nil, mahierr.Wrap(mahierr.ConfigError, "failed to parse "+secretOverridesVar, err)
		}
		deepMerge(base, overrides)
	}
	applyDottedEnv(base, secretDottedPrefix)

	if scalars.StateDir != "" {
		base["state_dir"] = scalars.StateDir
		persistable["state_dir"] = scalars.StateDir
	}

	var cfg Config
	if err := fromMap(base, &cfg); err != nil {
		return nil, mahierr.Wrap(mahierr.ConfigError, "failed to decode merged config", err)
	}

	return &Loaded{Config: cfg, path: path, persistable: persistable}, nil
}

// Save persists the persistable view (file config + MAHI_CFG__/
// MAHI_CONFIG_OVERRIDES layers, but never the MAHI_SECRET_* layers) to
// the resolved config path, atomically.
func (l *Loaded) Save() error {
	data, err := yaml.Marshal(l.persistable)
	if err != nil {
		return mahierr.Wrap(mahierr.ConfigError, "failed to encode config for save", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return mahierr.Wrap(mahierr.ConfigError, "failed to create config directory", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return mahierr.Wrap(mahierr.ConfigError, "failed to create temp config file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mahierr.Wrap(mahierr.ConfigError, "failed to write temp config file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mahierr.Wrap(mahierr.ConfigError, "failed to close temp config file", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return mahierr.Wrap(mahierr.ConfigError, "failed to install config file", err)
	}
	return nil
}

// Path returns the resolved config file location.
func (l *Loaded) Path() string {
	return l.path
}

func resolveConfigPath(explicit, envPath, envStateDir, defaultStateDir string) string {
	if explicit != "" {
		return explicit
	}
	if envPath != "" {
		return envPath
	}
	stateDir := defaultStateDir
	if envStateDir != "" {
		stateDir = envStateDir
	}
	return filepath.Join(stateDir, "config.yaml")
}

func toMap(v any) (map[string]any, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// deepMerge merges override onto base in place, recursing into nested
// maps and replacing any other value wholesale — the same rule as
// core/config.py's _merge.
func deepMerge(base, override map[string]any) {
	for k, v := range override {
		if overrideMap, ok := asMap(v); ok {
			if baseMap, ok := asMap(base[k]); ok {
				deepMerge(baseMap, overrideMap)
				base[k] = baseMap
				continue
			}
		}
		base[k] = v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// applyDottedEnv scans the process environment for vars named
// prefix + "PATH__SEGMENTS", setting base[path][segments]... = value
// for each. Segment separators are "__", matching the prefix's own
// double-underscore convention.
func applyDottedEnv(base map[string]any, prefix string) {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(name, prefix)), "__")
		setDotted(base, path, value)
	}
}

func setDotted(base map[string]any, path []string, value string) {
	if len(path) == 0 {
		return
	}
	cur := base
	for _, segment := range path[:len(path)-1] {
		next, ok := asMap(cur[segment])
		if !ok {
			next = map[string]any{}
		}
		cur[segment] = next
		cur = next
	}
	cur[path[len(path)-1]] = coerceScalar(value)
}

// coerceScalar converts a raw env-var string into the most specific
// YAML-ish scalar it resembles, so dotted overrides of numeric/boolean
// config fields decode correctly.
func coerceScalar(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if asInt, err := strconv.ParseInt(value, 10, 64); err == nil {
		return asInt
	}
	if asFloat, err := strconv.ParseFloat(value, 64); err == nil {
		return asFloat
	}
	return value
}
