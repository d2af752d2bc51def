package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	homeDir := filepath.Join(t.TempDir(), ".clawbox")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home dir: %v", err)
	}
	t.Setenv(HomeEnvVar, homeDir)
	if err := os.WriteFile(filepath.Join(homeDir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return homeDir
}

func TestLoad_DefaultsApplyWithoutConfigFile(t *testing.T) {
	homeDir := filepath.Join(t.TempDir(), ".clawbox")
	t.Setenv(HomeEnvVar, homeDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HomeDir != homeDir {
		t.Fatalf("expected home dir %q, got %q", homeDir, cfg.HomeDir)
	}
	if cfg.Agent.Sandbox.Mode != nil || cfg.Agent.Sandbox.Scope != nil || cfg.Agent.Sandbox.WorkspaceRoot != nil {
		t.Fatalf("expected absent global sandbox fields, got %+v", cfg.Agent.Sandbox)
	}
	if cfg.Agent.Sandbox.Tools != nil {
		t.Fatalf("expected absent global tools block, got %+v", cfg.Agent.Sandbox.Tools)
	}
	if cfg.Docker.Binary != "docker" {
		t.Fatalf("expected default docker binary, got %q", cfg.Docker.Binary)
	}
	if cfg.Docker.Image != defaultConfig.Docker.Image {
		t.Fatalf("expected default image %q, got %q", defaultConfig.Docker.Image, cfg.Docker.Image)
	}
	if cfg.Docker.ReadyTimeout != 30*time.Second {
		t.Fatalf("expected default ready timeout 30s, got %v", cfg.Docker.ReadyTimeout)
	}
	if cfg.Prune.MaxAge != 7*24*time.Hour {
		t.Fatalf("expected default max age 168h, got %v", cfg.Prune.MaxAge)
	}
	expectedRegistry := filepath.Join(homeDir, "data", "sandbox", "containers.json")
	if cfg.RegistryPath() != expectedRegistry {
		t.Fatalf("expected registry path %q, got %q", expectedRegistry, cfg.RegistryPath())
	}
}

func TestLoad_SandboxOverridesFromFile(t *testing.T) {
	writeConfigFile(t, `
[agent.sandbox]
mode = "all"
scope = "session"
workspace_root = "~/.clawbox/sandboxes"

[agent.sandbox.tools]
allow = ["read"]
deny = ["bash"]

[routing.agents.work]
workspace = "/srv/work"

[routing.agents.work.sandbox]
scope = "agent"

[routing.sessions."agent:work:slack:channel:456".sandbox]
mode = "off"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	global := cfg.Agent.Sandbox
	if global.Mode == nil || *global.Mode != "all" {
		t.Fatalf("expected global mode all, got %v", global.Mode)
	}
	if global.Tools == nil || len(global.Tools.Allow) != 1 || global.Tools.Allow[0] != "read" {
		t.Fatalf("expected global tools allow [read], got %+v", global.Tools)
	}

	work, ok := cfg.AgentEntry("work")
	if !ok {
		t.Fatalf("expected routing entry for agent work")
	}
	if work.Workspace != "/srv/work" {
		t.Fatalf("expected workspace /srv/work, got %q", work.Workspace)
	}
	if work.Sandbox == nil || work.Sandbox.Scope == nil || *work.Sandbox.Scope != "agent" {
		t.Fatalf("expected agent scope override, got %+v", work.Sandbox)
	}
	if work.Sandbox.Mode != nil {
		t.Fatalf("expected agent mode to stay absent, got %q", *work.Sandbox.Mode)
	}

	session, ok := cfg.SessionEntry("agent:work:slack:channel:456")
	if !ok {
		t.Fatalf("expected routing entry for session key")
	}
	if session.Sandbox == nil || session.Sandbox.Mode == nil || *session.Sandbox.Mode != "off" {
		t.Fatalf("expected session mode off, got %+v", session.Sandbox)
	}
}

func TestLoad_AgentLookupIsCaseInsensitive(t *testing.T) {
	writeConfigFile(t, `
[routing.agents.Family.sandbox]
mode = "all"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, ok := cfg.AgentEntry("family"); !ok {
		t.Fatalf("expected lower-case lookup to find agent")
	}
	if _, ok := cfg.AgentEntry("FAMILY"); !ok {
		t.Fatalf("expected upper-case lookup to find agent")
	}
}

func TestLoad_SessionKeysKeepDots(t *testing.T) {
	writeConfigFile(t, `
[agent.sandbox]
mode = "off"

[routing.sessions."agent:work:web:example.com".sandbox]
mode = "all"

[routing.sessions."agent:work:email:Bob@Example.org".sandbox]
scope = "session"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Routing.Sessions) != 2 {
		t.Fatalf("expected 2 session entries, got %v", cfg.Routing.Sessions)
	}

	web, ok := cfg.SessionEntry("agent:work:web:example.com")
	if !ok {
		t.Fatalf("expected routing entry for dotted session key, got %v", cfg.Routing.Sessions)
	}
	if web.Sandbox == nil || web.Sandbox.Mode == nil || *web.Sandbox.Mode != "all" {
		t.Fatalf("expected session mode all, got %+v", web.Sandbox)
	}

	email, ok := cfg.SessionEntry("agent:work:email:bob@example.org")
	if !ok || email.Sandbox == nil || email.Sandbox.Scope == nil || *email.Sandbox.Scope != "session" {
		t.Fatalf("expected case-insensitive dotted session entry, got %+v", email)
	}
}

func TestLoad_EmptyToolsTableIsPresent(t *testing.T) {
	writeConfigFile(t, `
[agent.sandbox.tools]
allow = ["read"]
deny = ["bash"]

[routing.agents.work.sandbox.tools]
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	work, ok := cfg.AgentEntry("work")
	if !ok || work.Sandbox == nil {
		t.Fatalf("expected sandbox entry for agent work, got %+v", work)
	}
	if work.Sandbox.Tools == nil {
		t.Fatalf("expected empty tools table to be present")
	}
	if len(work.Sandbox.Tools.Allow) != 0 || len(work.Sandbox.Tools.Deny) != 0 {
		t.Fatalf("expected empty tools block, got %+v", work.Sandbox.Tools)
	}
}

func TestLoad_ExpandsEnvVarsInStringValues(t *testing.T) {
	t.Setenv("SANDBOX_ROOT", "/tmp/expanded-root")
	writeConfigFile(t, `
[agent.sandbox]
workspace_root = "$SANDBOX_ROOT"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	root := cfg.Agent.Sandbox.WorkspaceRoot
	if root == nil || *root != "/tmp/expanded-root" {
		t.Fatalf("expected expanded workspace root, got %v", root)
	}
}

func TestLoad_InvalidSandboxModeDoesNotFail(t *testing.T) {
	writeConfigFile(t, `
[agent.sandbox]
mode = "banana"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Agent.Sandbox.Mode == nil || *cfg.Agent.Sandbox.Mode != "banana" {
		t.Fatalf("expected raw sandbox mode to be loaded for later validation, got %v", cfg.Agent.Sandbox.Mode)
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	writeConfigFile(t, "[agent.sandbox\nmode = ")

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed config to fail")
	}
}

func TestWrite_RendersMergedConfig(t *testing.T) {
	writeConfigFile(t, `
[docker]
image = "custom:latest"
`)

	var out bytes.Buffer
	if err := Write(&out); err != nil {
		t.Fatalf("write config: %v", err)
	}
	rendered := out.String()
	if !strings.Contains(rendered, "custom:latest") {
		t.Fatalf("expected rendered config to contain file override, got:\n%s", rendered)
	}
	if !strings.Contains(rendered, "30s") {
		t.Fatalf("expected rendered ready_timeout as duration string, got:\n%s", rendered)
	}
}

func TestWrite_KeepsDottedSessionKeys(t *testing.T) {
	writeConfigFile(t, `
[agent.sandbox]
mode = "non-main"

[routing.sessions."agent:work:web:example.com".sandbox]
mode = "all"
`)

	var out bytes.Buffer
	if err := Write(&out); err != nil {
		t.Fatalf("write config: %v", err)
	}
	rendered := out.String()
	if !strings.Contains(rendered, "agent:work:web:example.com") {
		t.Fatalf("expected dotted session key to be rendered whole, got:\n%s", rendered)
	}
	if !strings.Contains(rendered, "non-main") {
		t.Fatalf("expected global sandbox mode in output, got:\n%s", rendered)
	}
}

func TestHomeDir_DefaultsToUserHome(t *testing.T) {
	t.Setenv(HomeEnvVar, "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get user home: %v", err)
	}

	dir, err := HomeDir()
	if err != nil {
		t.Fatalf("home dir: %v", err)
	}
	expected := filepath.Join(home, ".clawbox")
	if dir != expected {
		t.Fatalf("expected %q, got %q", expected, dir)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get user home: %v", err)
	}

	got, err := ExpandHome("~/.clawbox/sandboxes")
	if err != nil {
		t.Fatalf("expand home: %v", err)
	}
	if got != filepath.Join(home, ".clawbox", "sandboxes") {
		t.Fatalf("expected expansion under %q, got %q", home, got)
	}

	got, err = ExpandHome("/tmp/isolated-sandboxes")
	if err != nil {
		t.Fatalf("expand absolute: %v", err)
	}
	if got != "/tmp/isolated-sandboxes" {
		t.Fatalf("expected absolute path untouched, got %q", got)
	}
}
