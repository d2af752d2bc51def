package sandbox

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/neoclaw-ai/clawbox/internal/config"
)

// Mode decides which agents are sandboxed.
type Mode string

const (
	// ModeOff runs every agent on the host.
	ModeOff Mode = "off"
	// ModeAll sandboxes every agent.
	ModeAll Mode = "all"
	// ModeNonMain sandboxes every agent except "main".
	ModeNonMain Mode = "non-main"
)

// Scope decides how sessions map onto containers.
type Scope string

const (
	// ScopeAgent shares one container across all sessions of an agent.
	ScopeAgent Scope = "agent"
	// ScopeSession gives each session key its own container.
	ScopeSession Scope = "session"
)

const (
	DefaultMode          = ModeOff
	DefaultScope         = ScopeSession
	DefaultWorkspaceRoot = "~/.clawbox/sandboxes"
)

// ToolPolicy lists tool name patterns permitted or refused inside the sandbox.
type ToolPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

func (p ToolPolicy) clone() ToolPolicy {
	return ToolPolicy{
		Allow: append([]string{}, p.Allow...),
		Deny:  append([]string{}, p.Deny...),
	}
}

// Policy is the effective sandbox policy for one session. Every field is set.
type Policy struct {
	Mode          Mode       `json:"mode"`
	Scope         Scope      `json:"scope"`
	WorkspaceRoot string     `json:"workspace_root"`
	Tools         ToolPolicy `json:"tools"`
}

// Override is one configuration layer. Nil fields inherit from the next layer down.
type Override struct {
	Mode          *Mode
	Scope         *Scope
	WorkspaceRoot *string
	Tools         *ToolPolicy
}

// Merge combines the layers field by field with session > agent > global >
// built-in default. Tools is taken whole from the most specific layer that sets it.
func Merge(global, agent, session *Override) Policy {
	layers := []*Override{session, agent, global}

	policy := Policy{
		Mode:          DefaultMode,
		Scope:         DefaultScope,
		WorkspaceRoot: DefaultWorkspaceRoot,
		Tools:         ToolPolicy{Allow: []string{}, Deny: []string{}},
	}
	if mode := firstSet(layers, func(o *Override) *Mode { return o.Mode }); mode != nil {
		policy.Mode = *mode
	}
	if scope := firstSet(layers, func(o *Override) *Scope { return o.Scope }); scope != nil {
		policy.Scope = *scope
	}
	if root := firstSet(layers, func(o *Override) *string { return o.WorkspaceRoot }); root != nil {
		policy.WorkspaceRoot = *root
	}
	if tools := firstSet(layers, func(o *Override) *ToolPolicy { return o.Tools }); tools != nil {
		policy.Tools = tools.clone()
	}
	return policy
}

func firstSet[T any](layers []*Override, field func(*Override) *T) *T {
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if value := field(layer); value != nil {
			return value
		}
	}
	return nil
}

// ParseMode validates a configured mode value.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ModeOff, ModeAll, ModeNonMain:
		return mode, nil
	default:
		return "", &ConfigurationError{
			Field:   "mode",
			Value:   raw,
			Allowed: []string{string(ModeAll), string(ModeNonMain), string(ModeOff)},
		}
	}
}

// ParseScope validates a configured scope value.
func ParseScope(raw string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(raw)))
	switch scope {
	case ScopeAgent, ScopeSession:
		return scope, nil
	default:
		return "", &ConfigurationError{
			Field:   "scope",
			Value:   raw,
			Allowed: []string{string(ScopeAgent), string(ScopeSession)},
		}
	}
}

// ParseOverride converts one raw config block into an Override. Absent fields
// stay nil; present fields with unknown values fail with *ConfigurationError.
func ParseOverride(raw *config.SandboxConfig) (*Override, error) {
	if raw == nil {
		return nil, nil
	}

	override := &Override{}
	if raw.Mode != nil {
		mode, err := ParseMode(*raw.Mode)
		if err != nil {
			return nil, err
		}
		override.Mode = &mode
	}
	if raw.Scope != nil {
		scope, err := ParseScope(*raw.Scope)
		if err != nil {
			return nil, err
		}
		override.Scope = &scope
	}
	if raw.WorkspaceRoot != nil {
		root := strings.TrimSpace(*raw.WorkspaceRoot)
		if root == "" {
			return nil, &ConfigurationError{Field: "workspace_root", Value: *raw.WorkspaceRoot}
		}
		override.WorkspaceRoot = &root
	}
	if raw.Tools != nil {
		override.Tools = &ToolPolicy{
			Allow: normalizeToolNames(raw.Tools.Allow),
			Deny:  normalizeToolNames(raw.Tools.Deny),
		}
	}
	return override, nil
}

func normalizeToolNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, name)
	}
	return out
}

// layers holds the parsed overrides that apply to one session key.
type layers struct {
	global  *Override
	agent   *Override
	session *Override
}

func parseLayers(cfg *config.Config, agentName, sessionKey string) (layers, error) {
	var out layers
	if cfg == nil {
		return out, nil
	}

	global, err := ParseOverride(&cfg.Agent.Sandbox)
	if err != nil {
		return out, fmt.Errorf("agent.sandbox: %w", err)
	}
	out.global = global

	if entry, ok := cfg.AgentEntry(agentName); ok {
		agent, err := ParseOverride(entry.Sandbox)
		if err != nil {
			return out, fmt.Errorf("routing.agents.%s.sandbox: %w", agentName, err)
		}
		out.agent = agent
	}
	if entry, ok := cfg.SessionEntry(sessionKey); ok {
		session, err := ParseOverride(entry.Sandbox)
		if err != nil {
			return out, fmt.Errorf("routing.sessions.%q.sandbox: %w", sessionKey, err)
		}
		out.session = session
	}
	return out, nil
}

// ValidateConfig parses every sandbox block in cfg and reports all invalid values.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	var errs []error
	if _, err := ParseOverride(&cfg.Agent.Sandbox); err != nil {
		errs = append(errs, fmt.Errorf("agent.sandbox: %w", err))
	}

	agentNames := make([]string, 0, len(cfg.Routing.Agents))
	for name := range cfg.Routing.Agents {
		agentNames = append(agentNames, name)
	}
	slices.Sort(agentNames)
	for _, name := range agentNames {
		if _, err := ParseOverride(cfg.Routing.Agents[name].Sandbox); err != nil {
			errs = append(errs, fmt.Errorf("routing.agents.%s.sandbox: %w", name, err))
		}
	}

	sessionKeys := make([]string, 0, len(cfg.Routing.Sessions))
	for key := range cfg.Routing.Sessions {
		sessionKeys = append(sessionKeys, key)
	}
	slices.Sort(sessionKeys)
	for _, key := range sessionKeys {
		if _, err := ParseOverride(cfg.Routing.Sessions[key].Sandbox); err != nil {
			errs = append(errs, fmt.Errorf("routing.sessions.%q.sandbox: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
