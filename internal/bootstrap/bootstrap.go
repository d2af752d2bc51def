// Package bootstrap creates the clawbox home tree on first use.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/neoclaw-ai/clawbox/internal/config"
)

const starterConfig = `# clawbox configuration. Run "clawbox config" to see every effective value.

[agent.sandbox]
# off | all | non-main
mode = "off"
# agent | session
scope = "session"
workspace_root = "~/.clawbox/sandboxes"

# [agent.sandbox.tools]
# allow = ["read", "write"]
# deny = ["bash"]

# [routing.agents.work]
# workspace = "~/work"
# [routing.agents.work.sandbox]
# mode = "all"
# scope = "agent"

[docker]
image = "clawbox-sandbox:bookworm-slim"
network = "none"
# The agent workspace is mounted read-only here; "" disables the mount.
# agent_workdir = "/agent"
`

// Initialize creates the expected clawbox directories and a starter config
// file if missing. Existing files are left untouched.
func Initialize(cfg *config.Config) error {
	dirs := []string{
		cfg.HomeDir,
		cfg.DataDir(),
		cfg.SandboxStateDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return writeFileIfMissing(cfg.ConfigPath(), starterConfig)
}

func writeFileIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file %q: %w", path, err)
	}
	return nil
}
