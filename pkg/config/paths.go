package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLockClawConfig = "LOCKCLAW_CONFIG"
	EnvLockClawHome   = "LOCKCLAW_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	DBPath     string
	LogDir     string
}

// ResolveRuntimePaths locates the config file and data directory.
// LOCKCLAW_CONFIG pins the config file directly; LOCKCLAW_HOME moves the
// whole home directory; otherwise ~/.lockclaw is used.
func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvLockClawConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvLockClawHome)))
	if homeDir == "" {
		homeDir = defaultLockClawHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.json"))
}

func defaultLockClawHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".lockclaw"
	}
	return filepath.Join(home, ".lockclaw")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		DBPath:     filepath.Join(homeDir, "lockclaw.db"),
		LogDir:     filepath.Join(homeDir, "logs"),
	}
}
