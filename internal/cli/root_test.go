package cli

import (
	"os"
	"strings"
	"testing"

	"github.com/neoclaw-ai/clawbox/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	for _, path := range [][]string{
		{"config"},
		{"version"},
		{"start"},
		{"sandbox", "explain"},
		{"sandbox", "build"},
		{"sandbox", "exec"},
		{"sandbox", "list"},
		{"sandbox", "prune"},
	} {
		found, _, err := cmd.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if found == nil || found.Name() != path[len(path)-1] {
			t.Fatalf("%v command not registered", path)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("execute version: %v", err)
	}
	if !strings.HasPrefix(out, "clawbox dev") {
		t.Fatalf("expected version output, got %q", out)
	}
}

func TestConfigPrintsMergedConfig(t *testing.T) {
	homeDir := createTestHome(t)
	writeConfig(t, homeDir, `
[agent.sandbox]
mode = "all"

[docker]
image = "custom-sandbox:1"
`)

	out, err := runCommand(t, "config")
	if err != nil {
		t.Fatalf("execute config: %v", err)
	}
	if !strings.Contains(out, "image = 'custom-sandbox:1'") {
		t.Fatalf("expected merged image in output, got %q", out)
	}
	if !strings.Contains(out, "[prune]") {
		t.Fatalf("expected defaults in output, got %q", out)
	}
}

func TestConfigDoesNotBootstrap(t *testing.T) {
	homeDir := createTestHome(t)

	if _, err := runCommand(t, "config"); err != nil {
		t.Fatalf("execute config: %v", err)
	}
	if _, err := os.Stat(homeDir); !os.IsNotExist(err) {
		t.Fatalf("expected config command not to create %q, got %v", homeDir, err)
	}
}

func TestCommandsBootstrapHome(t *testing.T) {
	homeDir := createTestHome(t)

	if _, err := runCommand(t, "sandbox", "explain", "agent:main:cli"); err != nil {
		t.Fatalf("execute explain: %v", err)
	}
	cfg := &config.Config{HomeDir: homeDir}
	for _, path := range []string{cfg.ConfigPath(), cfg.SandboxStateDir()} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %q to exist: %v", path, err)
		}
	}
}

func TestInvalidSandboxConfigFails(t *testing.T) {
	homeDir := createTestHome(t)
	writeConfig(t, homeDir, `
[agent.sandbox]
mode = "sometimes"

[routing.agents.work.sandbox]
scope = "team"
`)

	_, err := runCommand(t, "sandbox", "explain", "agent:main:cli")
	if err == nil {
		t.Fatalf("expected invalid sandbox config to fail")
	}
	for _, want := range []string{"agent.sandbox", "routing.agents.work.sandbox"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %q", want, err.Error())
		}
	}
}
