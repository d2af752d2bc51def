package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Global layout under CLAWBOX_HOME.
	ConfigFilePath = "config.toml"
	DataDirPath    = "data"

	// Sandbox state under CLAWBOX_HOME/data/sandbox/.
	SandboxStateDirPath = "sandbox"
	RegistryFileName    = "containers.json"
)

func homeConfigPath(home string) string {
	return filepath.Join(home, ConfigFilePath)
}

func defaultHomePath(home string) string {
	return filepath.Join(home, ".clawbox")
}

func homeDataPath(home string) string {
	return filepath.Join(home, DataDirPath)
}

func (c *Config) ConfigPath() string {
	return homeConfigPath(c.HomeDir)
}

func (c *Config) DataDir() string {
	return homeDataPath(c.HomeDir)
}

func (c *Config) SandboxStateDir() string {
	return filepath.Join(c.DataDir(), SandboxStateDirPath)
}

func (c *Config) RegistryPath() string {
	return filepath.Join(c.SandboxStateDir(), RegistryFileName)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed != "~" && !strings.HasPrefix(trimmed, "~/") {
		return trimmed, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~")), nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
