package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	svcmgr "github.com/lockclaw/lockclaw/pkg/service"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the background daemon (launchd or systemd user unit)",
	}
	cmd.AddCommand(
		newServiceInstallCmd(),
		newServiceRefreshCmd(),
		newServiceUninstallCmd(),
		newServiceStartCmd(),
		newServiceStopCmd(),
		newServiceRestartCmd(),
		newServiceStatusCmd(),
		newServiceLogsCmd(),
	)
	return cmd
}

func newServiceManager() (svcmgr.Manager, error) {
	exePath, err := resolveServiceExecutablePath(os.Args[0], exec.LookPath, os.Executable)
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	return svcmgr.NewManager(exePath)
}

func newServiceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the unit that runs `lockclaw serve` at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Install(); err != nil {
				return err
			}
			fmt.Println("✓ Service installed")
			fmt.Println("  Start with: lockclaw service start")
			return nil
		},
	}
}

func newServiceRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reinstall and restart the unit after an upgrade",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Install(); err != nil {
				return fmt.Errorf("install failed: %w", err)
			}
			if err := mgr.Restart(); err != nil {
				return fmt.Errorf("restart failed: %w", err)
			}
			fmt.Println("✓ Service refreshed")
			return nil
		},
	}
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Aliases: []string{"remove"},
		Short:   "Stop the daemon and remove its unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Uninstall(); err != nil {
				return err
			}
			fmt.Println("✓ Service uninstalled")
			return nil
		},
	}
}

func newServiceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Start(); err != nil {
				return err
			}
			fmt.Println("✓ Service started")
			return nil
		},
	}
}

func newServiceStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Stop(); err != nil {
				return err
			}
			fmt.Println("✓ Service stopped")
			return nil
		},
	}
}

func newServiceRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			if err := mgr.Restart(); err != nil {
				return err
			}
			fmt.Println("✓ Service restarted")
			return nil
		},
	}
}

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show install and runtime state of the daemon unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			st, err := mgr.Status()
			if err != nil {
				return err
			}
			printServiceStatus(st)
			return nil
		},
	}
}

func newServiceLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon logs",
		RunE:  runServiceLogs,
	}
	cmd.Flags().IntP("lines", "n", 100, "number of log lines to show")
	cmd.Flags().BoolP("follow", "f", false, "follow log output; Ctrl+C to stop")
	return cmd
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	follow, _ := cmd.Flags().GetBool("follow")

	mgr, err := newServiceManager()
	if err != nil {
		return err
	}

	if follow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := mgr.LogsFollow(ctx, lines, os.Stdout); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	out, err := mgr.Logs(lines)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// resolveServiceExecutablePath picks the binary path the unit should exec.
// An explicit path in argv[0] wins, then a PATH lookup of the invoked name,
// then os.Executable. The lookup matters when the user runs a renamed or
// symlinked binary; the unit must point at what they actually invoked.
func resolveServiceExecutablePath(
	argv0 string,
	lookPath func(string) (string, error),
	executable func() (string, error),
) (string, error) {
	arg0 := strings.TrimSpace(argv0)

	if arg0 != "" && (strings.Contains(arg0, "/") || strings.Contains(arg0, `\`)) {
		if abs, err := filepath.Abs(arg0); err == nil {
			return abs, nil
		}
		return arg0, nil
	}

	base := strings.TrimSpace(filepath.Base(arg0))
	if base != "" {
		if resolved, err := lookPath(base); err == nil && strings.TrimSpace(resolved) != "" {
			if abs, err := filepath.Abs(resolved); err == nil {
				return abs, nil
			}
			return resolved, nil
		}
	}

	return executable()
}

func printServiceStatus(st svcmgr.Status) {
	yn := func(v bool) string {
		if v {
			return "yes"
		}
		return "no"
	}

	fmt.Println("Daemon service status:")
	fmt.Printf("  Backend:   %s\n", st.Backend)
	fmt.Printf("  Installed: %s\n", yn(st.Installed))
	fmt.Printf("  Running:   %s\n", yn(st.Running))
	fmt.Printf("  Enabled:   %s\n", yn(st.Enabled))
	if strings.TrimSpace(st.Detail) != "" {
		fmt.Printf("  Detail:    %s\n", st.Detail)
	}
}
