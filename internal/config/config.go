// Package config loads clawbox configuration from a TOML file and environment variables, exposing the global sandbox policy, per-agent and per-session overrides, and container runtime settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// HomeEnvVar overrides the clawbox home directory.
const HomeEnvVar = "CLAWBOX_HOME"

// Config is the runtime configuration loaded from defaults, config.toml, and env vars.
type Config struct {
	// HomeDir is runtime-resolved from CLAWBOX_HOME and not read from config.
	HomeDir string        `mapstructure:"-"`
	Agent   AgentDefaults `mapstructure:"agent"`
	Routing RoutingConfig `mapstructure:"routing"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Prune   PruneConfig   `mapstructure:"prune"`
}

// AgentDefaults holds settings shared by every agent.
type AgentDefaults struct {
	Sandbox SandboxConfig `mapstructure:"sandbox"`
}

// RoutingConfig holds per-agent and per-session entries keyed by agent name or session key.
type RoutingConfig struct {
	Agents   map[string]AgentConfig   `mapstructure:"agents"`
	Sessions map[string]SessionConfig `mapstructure:"sessions"`
}

// AgentConfig configures one named agent.
type AgentConfig struct {
	Workspace string         `mapstructure:"workspace"`
	Sandbox   *SandboxConfig `mapstructure:"sandbox"`
}

// SessionConfig configures one session key.
type SessionConfig struct {
	Sandbox *SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig is a partial sandbox policy. Nil fields were not set in the file.
type SandboxConfig struct {
	Mode          *string      `mapstructure:"mode"`
	Scope         *string      `mapstructure:"scope"`
	WorkspaceRoot *string      `mapstructure:"workspace_root"`
	Tools         *ToolsConfig `mapstructure:"tools"`
}

// ToolsConfig is a tool allow/deny block.
type ToolsConfig struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// DockerConfig controls how sandbox containers are launched.
type DockerConfig struct {
	Binary          string        `mapstructure:"binary"`
	Image           string        `mapstructure:"image"`
	ContainerPrefix string        `mapstructure:"container_prefix"`
	Workdir         string        `mapstructure:"workdir"`
	AgentWorkdir    string        `mapstructure:"agent_workdir"`
	Network         string        `mapstructure:"network"`
	Command         string        `mapstructure:"command"`
	ExtraArgs       string        `mapstructure:"extra_args"`
	SetupCommand    string        `mapstructure:"setup_command"`
	BuildScript     string        `mapstructure:"build_script"`
	ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
}

// PruneConfig controls periodic removal of idle or old sandbox containers.
type PruneConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Idle     time.Duration `mapstructure:"idle"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

var defaultConfig = Config{
	Docker: DockerConfig{
		Binary:          "docker",
		Image:           "clawbox-sandbox:bookworm-slim",
		ContainerPrefix: "clawbox-sbx-",
		Workdir:         "/workspace",
		AgentWorkdir:    "/agent",
		Network:         "none",
		Command:         "sleep infinity",
		ExtraArgs:       "",
		SetupCommand:    "",
		BuildScript:     "scripts/sandbox-setup.sh",
		ReadyTimeout:    30 * time.Second,
	},
	Prune: PruneConfig{
		Schedule: "@every 5m",
		Idle:     24 * time.Hour,
		MaxAge:   7 * 24 * time.Hour,
	},
}

// Default returns a copy of the built-in configuration with no file or sandbox overrides.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// HomeDir returns the clawbox home directory.
// Uses CLAWBOX_HOME env var if set, otherwise defaults to ~/.clawbox.
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

// Load merges hardcoded defaults and config file values in that order.
// Config is always at $CLAWBOX_HOME/config.toml.
func Load() (*Config, error) {
	homeDir, err := HomeDir()
	if err != nil {
		return nil, err
	}

	v, err := newViper(homeDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	doc, err := readDocument(homeConfigPath(homeDir))
	if err != nil {
		return nil, err
	}
	if err := decodeSandboxTables(doc, &cfg, decodeHook); err != nil {
		return nil, err
	}
	cfg.HomeDir = homeDir

	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	homeDir, err := HomeDir()
	if err != nil {
		return err
	}
	v, err := newViper(homeDir)
	if err != nil {
		return err
	}

	// Keep duration fields human-readable in generated TOML.
	v.Set("docker.ready_timeout", v.GetDuration("docker.ready_timeout").String())
	v.Set("prune.idle", v.GetDuration("prune.idle").String())
	v.Set("prune.max_age", v.GetDuration("prune.max_age").String())

	settings := v.AllSettings()
	doc, err := readDocument(homeConfigPath(homeDir))
	if err != nil {
		return err
	}
	overlaySandboxTables(settings, doc)

	if err := toml.NewEncoder(w).Encode(settings); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func newViper(homeDir string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// readDocument parses the config file as plain TOML. A missing file is an
// empty document.
func readDocument(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	doc := map[string]any{}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return doc, nil
}

// decodeSandboxTables replaces the viper-decoded sandbox overrides with ones
// decoded from the raw document. Viper splits keys on "." and drops empty
// tables, which would lose "agent:web:example.com" style session keys and
// empty [..tools] blocks.
func decodeSandboxTables(doc map[string]any, cfg *Config, hook mapstructure.DecodeHookFunc) error {
	var tables struct {
		Agent   AgentDefaults `mapstructure:"agent"`
		Routing RoutingConfig `mapstructure:"routing"`
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       hook,
		WeaklyTypedInput: true,
		Result:           &tables,
	})
	if err != nil {
		return fmt.Errorf("build sandbox decoder: %w", err)
	}
	if err := decoder.Decode(doc); err != nil {
		return fmt.Errorf("decode sandbox config: %w", err)
	}

	cfg.Agent = tables.Agent
	cfg.Routing = RoutingConfig{
		Agents:   normalizeKeys(tables.Routing.Agents),
		Sessions: normalizeKeys(tables.Routing.Sessions),
	}
	return nil
}

// overlaySandboxTables puts the raw agent.sandbox and routing tables back
// into viper's settings so Write renders them as written.
func overlaySandboxTables(settings, doc map[string]any) {
	delete(settings, "routing")
	if routing, ok := doc["routing"]; ok {
		settings["routing"] = routing
	}

	agent, _ := settings["agent"].(map[string]any)
	if agent != nil {
		delete(agent, "sandbox")
	}
	rawAgent, _ := doc["agent"].(map[string]any)
	if sandbox, ok := rawAgent["sandbox"]; ok {
		if agent == nil {
			agent = map[string]any{}
		}
		agent["sandbox"] = sandbox
	}
	if len(agent) > 0 {
		settings["agent"] = agent
	} else {
		delete(settings, "agent")
	}
}

func normalizeKeys[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for key, value := range in {
		out[normalizeKey(key)] = value
	}
	return out
}

// Sandbox keys get no defaults here: an absent key must stay absent so the
// policy merge can tell "inherit" from "set".
func setDefaults(v *viper.Viper) {
	v.SetDefault("docker.binary", defaultConfig.Docker.Binary)
	v.SetDefault("docker.image", defaultConfig.Docker.Image)
	v.SetDefault("docker.container_prefix", defaultConfig.Docker.ContainerPrefix)
	v.SetDefault("docker.workdir", defaultConfig.Docker.Workdir)
	v.SetDefault("docker.agent_workdir", defaultConfig.Docker.AgentWorkdir)
	v.SetDefault("docker.network", defaultConfig.Docker.Network)
	v.SetDefault("docker.command", defaultConfig.Docker.Command)
	v.SetDefault("docker.extra_args", defaultConfig.Docker.ExtraArgs)
	v.SetDefault("docker.setup_command", defaultConfig.Docker.SetupCommand)
	v.SetDefault("docker.build_script", defaultConfig.Docker.BuildScript)
	v.SetDefault("docker.ready_timeout", defaultConfig.Docker.ReadyTimeout)

	v.SetDefault("prune.schedule", defaultConfig.Prune.Schedule)
	v.SetDefault("prune.idle", defaultConfig.Prune.Idle)
	v.SetDefault("prune.max_age", defaultConfig.Prune.MaxAge)
}

// AgentEntry returns the routing entry for an agent name. Lookups are
// case-insensitive; keys are lower-cased on load.
func (c *Config) AgentEntry(name string) (AgentConfig, bool) {
	if c == nil || c.Routing.Agents == nil {
		return AgentConfig{}, false
	}
	entry, ok := c.Routing.Agents[normalizeKey(name)]
	return entry, ok
}

// SessionEntry returns the routing entry for a session key, matched
// case-insensitively.
func (c *Config) SessionEntry(sessionKey string) (SessionConfig, bool) {
	if c == nil || c.Routing.Sessions == nil {
		return SessionConfig{}, false
	}
	entry, ok := c.Routing.Sessions[normalizeKey(sessionKey)]
	return entry, ok
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
