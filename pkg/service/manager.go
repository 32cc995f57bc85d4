// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package service installs and controls the background daemon that
// runs `lockclaw serve`, using launchd on macOS and the systemd user
// manager on Linux. Platforms without a supported init surface get a
// manager whose every operation explains why.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	BackendLaunchd     = "launchd"
	BackendSystemdUser = "systemd-user"
	BackendUnsupported = "unsupported"
)

// Status captures installation and runtime state of the daemon.
type Status struct {
	Backend   string
	Installed bool
	Running   bool
	Enabled   bool
	Detail    string
}

// Manager controls the daemon on the current platform.
type Manager interface {
	Backend() string
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Restart() error
	Status() (Status, error)
	Logs(lines int) (string, error)
	// LogsFollow streams log output to w until ctx is done, following
	// new lines like tail -f.
	LogsFollow(ctx context.Context, lines int, w io.Writer) error
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NewManager picks the backend for the current platform. exePath is
// the absolute path the unit will execute with the `serve` argument.
func NewManager(exePath string) (Manager, error) {
	exePath = strings.TrimSpace(exePath)
	if exePath == "" {
		return nil, errors.New("executable path is empty")
	}

	runner := osCommandRunner{}
	switch runtime.GOOS {
	case "darwin":
		return newLaunchdManager(exePath, runner), nil
	case "linux":
		if detectWSL() && !isSystemdUserAvailable(runner) {
			return newUnsupportedManager("WSL detected but systemd user manager is not active. Enable systemd in /etc/wsl.conf or run `lockclaw serve` in a terminal."), nil
		}
		if !isSystemdUserAvailable(runner) {
			return newUnsupportedManager("systemd user manager is not available. Run `lockclaw serve` in a terminal."), nil
		}
		return newSystemdUserManager(exePath, runner), nil
	default:
		return newUnsupportedManager(fmt.Sprintf("%s is not currently supported for service management", runtime.GOOS)), nil
	}
}

func isSystemdUserAvailable(runner commandRunner) bool {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := runner.Run(ctx, "systemctl", "--user", "show-environment")
	return err == nil
}

func detectWSL() bool {
	return detectWSLWith(os.Getenv, os.ReadFile)
}

func detectWSLWith(getenv func(string) string, readFile func(string) ([]byte, error)) bool {
	for _, key := range []string{"WSL_DISTRO_NAME", "WSL_INTEROP"} {
		if strings.TrimSpace(getenv(key)) != "" {
			return true
		}
	}
	b, err := readFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(b)), "microsoft")
}

func runCommand(runner commandRunner, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := runner.Run(ctx, name, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%s %s timed out", name, strings.Join(args, " "))
	}
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

func writeFileIfChanged(path string, content []byte, perm os.FileMode) error {
	if existing, err := os.ReadFile(path); err == nil {
		if string(existing) == string(content) {
			return nil
		}
	}
	return os.WriteFile(path, content, perm)
}

func oneLine(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " "))
	if len(s) > 220 {
		return s[:220] + "..."
	}
	return s
}

func tailFileLines(path string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	txt := strings.TrimRight(string(b), "\n")
	if txt == "" {
		return "", nil
	}
	all := strings.Split(txt, "\n")
	if len(all) <= lines {
		return strings.Join(all, "\n") + "\n", nil
	}
	return strings.Join(all[len(all)-lines:], "\n") + "\n", nil
}

func combineLogSections(sections map[string]string) string {
	keys := make([]string, 0, len(sections))
	for name := range sections {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	out := ""
	for _, name := range keys {
		text := sections[name]
		if strings.TrimSpace(text) == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("==> %s <==\n%s", name, text)
	}
	return out
}
