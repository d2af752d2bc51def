package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/neoclaw-ai/clawbox/internal/config"
	"github.com/neoclaw-ai/clawbox/internal/sandbox"
	"github.com/spf13/cobra"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Inspect and operate sandbox containers",
	}
	cmd.AddCommand(newSandboxExplainCmd())
	cmd.AddCommand(newSandboxBuildCmd())
	cmd.AddCommand(newSandboxExecCmd())
	cmd.AddCommand(newSandboxListCmd())
	cmd.AddCommand(newSandboxPruneCmd())
	return cmd
}

func newSandboxExplainCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "explain <session-key>",
		Short: "Show the effective sandbox decision for a session without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			plan, err := sandbox.NewResolver(cfg, nil).Plan(args[0], workspace)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Agent workspace directory used when the agent has none configured")
	return cmd
}

func writePlan(w io.Writer, plan *sandbox.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "session:\t%s\n", plan.SessionKey)
	fmt.Fprintf(tw, "agent:\t%s\n", plan.AgentName)
	fmt.Fprintf(tw, "mode:\t%s\n", plan.Policy.Mode)
	fmt.Fprintf(tw, "scope:\t%s\n", plan.Policy.Scope)
	fmt.Fprintf(tw, "workspace_root:\t%s\n", plan.Policy.WorkspaceRoot)
	fmt.Fprintf(tw, "tools.allow:\t%s\n", formatList(plan.Policy.Tools.Allow))
	fmt.Fprintf(tw, "tools.deny:\t%s\n", formatList(plan.Policy.Tools.Deny))
	fmt.Fprintf(tw, "sandboxed:\t%t\n", plan.Active)
	if plan.Active {
		fmt.Fprintf(tw, "container:\t%s\n", plan.Identity.ContainerName)
		fmt.Fprintf(tw, "workspace:\t%s\n", plan.Identity.WorkspaceDir)
		fmt.Fprintf(tw, "agent_workspace:\t%s\n", plan.AgentWorkspaceDir)
		fmt.Fprintf(tw, "image:\t%s\n", plan.Image)
	}
	return tw.Flush()
}

func formatList(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}

func newSandboxBuildCmd() *cobra.Command {
	var image, script string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the sandbox image with the configured build script",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if image == "" {
				image = cfg.Docker.Image
			}
			if script == "" {
				script = cfg.Docker.BuildScript
			}
			script, err = config.ExpandHome(script)
			if err != nil {
				return err
			}

			if err := sandbox.BuildImage(cmd.Context(), sandbox.BuildSpec{Script: script, Image: image}, streamTo(cmd)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", image)
			return err
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Image tag to build (defaults to docker.image)")
	cmd.Flags().StringVar(&script, "script", "", "Build script to run (defaults to docker.build_script)")
	return cmd
}

func newSandboxExecCmd() *cobra.Command {
	var (
		sessionKey string
		workspace  string
		tool       string
		keep       bool
	)

	cmd := &cobra.Command{
		Use:   "exec --session <key> -- <command> [args...]",
		Short: "Run a command in the sandbox a session resolves to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workspace == "" {
				if workspace, err = os.Getwd(); err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
			}
			manager, err := newManager(cfg)
			if err != nil {
				return err
			}
			if !keep {
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = manager.StopAll(stopCtx)
				}()
			}

			sbx, err := sandbox.NewResolver(cfg, manager).Resolve(cmd.Context(), sessionKey, workspace)
			if err != nil {
				return err
			}
			if sbx == nil {
				// Never fall back to the host.
				return fmt.Errorf("sandboxing is off for session %q", sessionKey)
			}
			if tool != "" && !sbx.Tools.Allows(tool) {
				return fmt.Errorf("tool %q is not permitted in sandbox %s", tool, sbx.ContainerName)
			}

			code, err := sbx.Handle.Exec(cmd.Context(), args, streamTo(cmd))
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("command exited with code %d", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "Session key, e.g. agent:work:slack:123")
	cmd.Flags().StringVar(&workspace, "workspace", "", "Agent workspace directory (defaults to the current directory)")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name to check against the sandbox tool policy")
	cmd.Flags().BoolVar(&keep, "keep", false, "Leave the container running after the command exits")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSandboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sandbox containers known to this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := runtimeFactory(cfg.Docker)
			if err != nil {
				return err
			}
			entries, err := sandbox.NewRegistry(cfg.RegistryPath()).List()
			if err != nil {
				return err
			}
			statuses, err := rt.List(cmd.Context())
			if err != nil {
				return err
			}
			return writeContainerList(cmd.OutOrStdout(), entries, statuses)
		},
	}
}

type containerRow struct {
	name     string
	key      string
	status   string
	lastUsed string
}

func writeContainerList(w io.Writer, entries []sandbox.ContainerInfo, statuses []sandbox.ContainerStatus) error {
	byName := make(map[string]sandbox.ContainerStatus, len(statuses))
	for _, status := range statuses {
		byName[status.Name] = status
	}

	rows := make([]containerRow, 0, len(entries)+len(statuses))
	for _, entry := range entries {
		row := containerRow{name: entry.Name, key: entry.Key, status: "not running", lastUsed: "-"}
		if status, ok := byName[entry.Name]; ok {
			row.status = status.Status
			delete(byName, entry.Name)
		}
		if !entry.LastUsedAt.IsZero() {
			row.lastUsed = entry.LastUsedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, row)
	}
	for _, status := range byName {
		rows = append(rows, containerRow{name: status.Name, key: status.Key, status: status.Status, lastUsed: "-"})
	}
	slices.SortFunc(rows, func(a, b containerRow) int {
		return strings.Compare(a.name, b.name)
	})

	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no sandbox containers")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKEY\tSTATUS\tLAST USED")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.name, row.key, row.status, row.lastUsed)
	}
	return tw.Flush()
}

func newSandboxPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove sandbox containers past the configured idle or age limits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager, err := newManager(cfg)
			if err != nil {
				return err
			}

			pruned, pruneErr := sandbox.NewPruner(manager, cfg.Prune).PruneOnce(cmd.Context())
			out := cmd.OutOrStdout()
			for _, name := range pruned {
				if _, err := fmt.Fprintf(out, "pruned %s\n", name); err != nil {
					return err
				}
			}
			if len(pruned) == 0 && pruneErr == nil {
				_, err := fmt.Fprintln(out, "nothing to prune")
				return err
			}
			return pruneErr
		},
	}
}

// streamTo forwards sandbox output to the command's stdout and stderr.
func streamTo(cmd *cobra.Command) sandbox.OutputFunc {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	return func(stream sandbox.Stream, chunk []byte) {
		w := stdout
		if stream == sandbox.StreamStderr {
			w = stderr
		}
		_, _ = w.Write(chunk)
	}
}
