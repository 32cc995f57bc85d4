// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lockclaw/lockclaw/pkg/config"
)

// Set via -ldflags at release build time.
var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lockclaw",
		Short:         "Secure local-first agent orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newAuditCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lockclaw %s\n", formatVersion())
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

// loadConfig resolves the runtime paths (LOCKCLAW_CONFIG / LOCKCLAW_HOME
// override ~/.lockclaw) and reads the config with env overlay applied.
func loadConfig() (*config.Config, config.RuntimePaths, error) {
	paths := config.ResolveRuntimePaths()
	cfg, err := config.LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, paths, err
	}
	return cfg, paths, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
