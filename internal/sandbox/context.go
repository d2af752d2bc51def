// Package sandbox decides, per agent session, whether tool execution runs in a
// container, and keeps one container per identity alive on this host.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/neoclaw-ai/clawbox/internal/config"
)

// Context is the resolved sandbox for one session. A nil *Context means the
// session runs unsandboxed.
type Context struct {
	Enabled           bool
	ContainerName     string
	WorkspaceDir      string
	AgentWorkspaceDir string
	Tools             ToolPolicy
	Policy            Policy
	Handle            *Handle
}

// Plan is the side-effect-free part of a resolution.
type Plan struct {
	SessionKey        string
	AgentName         string
	Policy            Policy
	Active            bool
	Identity          Identity
	AgentWorkspaceDir string
	Image             string
}

// ResolvePolicy merges the layers that apply to sessionKey.
func ResolvePolicy(cfg *config.Config, sessionKey string) (Policy, error) {
	agentName := AgentNameFromSessionKey(sessionKey)
	parsed, err := parseLayers(cfg, agentName, sessionKey)
	if err != nil {
		return Policy{}, err
	}
	return Merge(parsed.global, parsed.agent, parsed.session), nil
}

// Resolver is the entry point used by the tool-execution layer.
type Resolver struct {
	config  *config.Config
	manager *Manager
}

// NewResolver creates a resolver over cfg that starts containers through manager.
func NewResolver(cfg *config.Config, manager *Manager) *Resolver {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Resolver{config: cfg, manager: manager}
}

// Plan resolves policy, mode and identity without touching the host.
// Identity and workspace fields are only filled when the plan is active.
func (r *Resolver) Plan(sessionKey, workspaceDir string) (*Plan, error) {
	policy, err := ResolvePolicy(r.config, sessionKey)
	if err != nil {
		return nil, err
	}
	agentName := AgentNameFromSessionKey(sessionKey)
	plan := &Plan{
		SessionKey: sessionKey,
		AgentName:  agentName,
		Policy:     policy,
		Active:     IsActive(policy, agentName),
	}
	if !plan.Active {
		return plan, nil
	}

	root, err := config.ExpandHome(policy.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox workspace root: %w", err)
	}
	plan.Policy.WorkspaceRoot = root
	plan.Identity = ResolveIdentity(plan.Policy, sessionKey, r.config.Docker.ContainerPrefix)
	plan.Image = r.config.Docker.Image

	plan.AgentWorkspaceDir = workspaceDir
	if entry, ok := r.config.AgentEntry(agentName); ok && strings.TrimSpace(entry.Workspace) != "" {
		agentWorkspace, err := config.ExpandHome(entry.Workspace)
		if err != nil {
			return nil, fmt.Errorf("resolve agent workspace: %w", err)
		}
		plan.AgentWorkspaceDir = agentWorkspace
	}
	return plan, nil
}

// Resolve returns the sandbox for sessionKey, starting its container if
// needed, or nil when sandboxing is off for the session. Errors are never
// turned into a nil context: a caller that gets an error must not run the
// tool on the host.
func (r *Resolver) Resolve(ctx context.Context, sessionKey, workspaceDir string) (*Context, error) {
	plan, err := r.Plan(sessionKey, workspaceDir)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, nil
	}
	if r.manager == nil {
		return nil, fmt.Errorf("sandbox required for %q but no container manager is configured", sessionKey)
	}

	handle, err := r.manager.Ensure(ctx, ContainerSpec{
		Name:              plan.Identity.ContainerName,
		Key:               plan.Identity.Key,
		Image:             plan.Image,
		WorkspaceDir:      plan.Identity.WorkspaceDir,
		AgentWorkspaceDir: plan.AgentWorkspaceDir,
	})
	if err != nil {
		return nil, err
	}

	return &Context{
		Enabled:           true,
		ContainerName:     plan.Identity.ContainerName,
		WorkspaceDir:      plan.Identity.WorkspaceDir,
		AgentWorkspaceDir: plan.AgentWorkspaceDir,
		Tools:             plan.Policy.Tools,
		Policy:            plan.Policy,
		Handle:            handle,
	}, nil
}
