// Package cli wires Cobra subcommands to application dependencies; it is a thin controller with no business logic.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/shlex"
	"github.com/neoclaw-ai/clawbox/internal/bootstrap"
	"github.com/neoclaw-ai/clawbox/internal/config"
	"github.com/neoclaw-ai/clawbox/internal/logging"
	"github.com/neoclaw-ai/clawbox/internal/sandbox"
	"github.com/spf13/cobra"
)

var runtimeFactory = func(cfg config.DockerConfig) (sandbox.Runtime, error) {
	return sandbox.NewDockerRuntime(cfg)
}

// NewRootCmd creates the root command and registers all subcommands.
func NewRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "clawbox",
		Short: "Per-session container sandboxes for agent tool execution",
		// Let main handle fatal error rendering through structured logs.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if verbose {
				logging.SetLevel(slog.LevelInfo)
			} else {
				logging.SetLevel(slog.LevelWarn)
			}

			// config and version only read state and should not create the home tree.
			if cmd.Name() == "config" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return bootstrap.Initialize(cfg)
		},
	}

	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newStartCmd())
	root.AddCommand(newSandboxCmd())
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (info level)")

	return root
}

// loadConfig loads config and rejects any invalid section, including every
// sandbox block, before anything touches the container runtime.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := errors.Join(cfg.Validate(), sandbox.ValidateConfig(cfg)); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfg.ConfigPath(), err)
	}
	return cfg, nil
}

func newManager(cfg *config.Config) (*sandbox.Manager, error) {
	rt, err := runtimeFactory(cfg.Docker)
	if err != nil {
		return nil, err
	}
	setup, err := shlex.Split(cfg.Docker.SetupCommand)
	if err != nil {
		return nil, fmt.Errorf("parse docker.setup_command: %w", err)
	}
	return sandbox.NewManager(rt, sandbox.ManagerOptions{
		Registry:     sandbox.NewRegistry(cfg.RegistryPath()),
		ReadyTimeout: cfg.Docker.ReadyTimeout,
		SetupCommand: setup,
	}), nil
}
