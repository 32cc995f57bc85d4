// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockclaw/lockclaw/pkg/config"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping the gateway health endpoint",
		RunE:  runStatus,
	}
}

type healthInfo struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Dependencies  map[string]bool `json:"dependencies"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("lockclaw %s\n", formatVersion())
	if _, err := os.Stat(paths.ConfigPath); err == nil {
		fmt.Printf("Config: %s\n", paths.ConfigPath)
	} else {
		fmt.Printf("Config: %s (missing, using defaults)\n", paths.ConfigPath)
	}
	fmt.Printf("Data: %s\n", cfg.DataPath())

	if !cfg.Gateway.Enabled {
		fmt.Println("Gateway: disabled")
		return nil
	}

	health, err := fetchHealth(healthURL(cfg), 5*time.Second)
	if err != nil {
		fmt.Println("Gateway: not reachable")
		return err
	}

	fmt.Printf("Gateway: %s (version %s, up %s)\n",
		health.Status, health.Version, (time.Duration(health.UptimeSeconds) * time.Second).String())

	names := make([]string, 0, len(health.Dependencies))
	for name := range health.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "up"
		if !health.Dependencies[name] {
			state = "not wired"
		}
		fmt.Printf("  %-13s %s\n", name, state)
	}
	return nil
}

// healthURL derives the /health address from the gateway config,
// matching the scheme the server actually serves.
func healthURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Gateway.TLS.CertPath != "" && cfg.Gateway.TLS.KeyPath != "" {
		scheme = "https"
	}
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s://%s/health", scheme, net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)))
}

func fetchHealth(url string, timeout time.Duration) (*healthInfo, error) {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			// The target is the local listener, which usually runs a
			// self-signed pair.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	var health healthInfo
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &health, nil
}
