package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"github.com/robfig/cron/v3"
)

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// Validate checks container runtime settings.
func (c DockerConfig) Validate() error {
	if strings.TrimSpace(c.Binary) == "" {
		return errors.New("binary is required")
	}
	if strings.TrimSpace(c.Image) == "" {
		return errors.New("image is required")
	}
	if strings.TrimSpace(c.ContainerPrefix) == "" {
		return errors.New("container_prefix is required")
	}
	if !strings.HasPrefix(c.Workdir, "/") {
		return fmt.Errorf("workdir %q must be an absolute container path", c.Workdir)
	}
	if c.AgentWorkdir != "" {
		if !strings.HasPrefix(c.AgentWorkdir, "/") {
			return fmt.Errorf("agent_workdir %q must be an absolute container path", c.AgentWorkdir)
		}
		if c.AgentWorkdir == c.Workdir {
			return errors.New("agent_workdir must differ from workdir")
		}
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("ready_timeout must be > 0")
	}
	if _, err := shlex.Split(c.Command); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	if _, err := shlex.Split(c.ExtraArgs); err != nil {
		return fmt.Errorf("extra_args: %w", err)
	}
	if _, err := shlex.Split(c.SetupCommand); err != nil {
		return fmt.Errorf("setup_command: %w", err)
	}
	return nil
}

// Validate checks the prune schedule and thresholds.
func (c PruneConfig) Validate() error {
	if strings.TrimSpace(c.Schedule) != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	if c.Idle < 0 {
		return errors.New("idle must be >= 0")
	}
	if c.MaxAge < 0 {
		return errors.New("max_age must be >= 0")
	}
	return nil
}

// Validate validates runtime sections and returns all failures joined.
// Sandbox policy values are validated by the sandbox package when parsed.
func (cfg *Config) Validate() error {
	var errs []error

	if err := cfg.Docker.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("docker: %w", err))
	}
	if err := cfg.Prune.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("prune: %w", err))
	}
	for name, agent := range cfg.Routing.Agents {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("routing.agents: empty agent name"))
		}
		if agent.Workspace != "" && strings.TrimSpace(agent.Workspace) == "" {
			errs = append(errs, fmt.Errorf("routing.agents.%s: workspace is blank", name))
		}
	}

	return errors.Join(errs...)
}
