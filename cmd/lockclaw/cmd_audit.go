// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockclaw/lockclaw/pkg/audit"
	"github.com/lockclaw/lockclaw/pkg/storage"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit chain",
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditExportCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and signature in the chain",
		RunE:  runAuditVerify,
	}
}

func newAuditExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries as JSON lines, oldest first",
		RunE:  runAuditExport,
	}
	cmd.Flags().StringP("out", "o", "", "Write to a file instead of stdout")
	cmd.Flags().StringSlice("event", nil, "Filter by event name (repeatable)")
	cmd.Flags().String("level", "", "Filter by level (info, warn, error)")
	cmd.Flags().String("user", "", "Filter by user id")
	cmd.Flags().String("task", "", "Filter by task id")
	cmd.Flags().String("since", "", "Lower time bound (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().String("until", "", "Upper time bound (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

// openChain opens the stored chain read-side for offline commands. The
// signing key must be present so signatures can be recomputed.
func openChain() (*audit.Chain, *storage.DB, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	key := cfg.AuditSigningKey()
	if key == "" {
		return nil, nil, fmt.Errorf("audit.signing_key_env: required secret not set")
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	chain, err := audit.NewChain(db, []byte(key))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return chain, db, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	chain, db, err := openChain()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := chain.Verify(context.Background())
	if err != nil {
		return err
	}

	if res.OK {
		fmt.Printf("chain intact: %d entries verified\n", res.Checked)
		return nil
	}

	if res.FirstBrokenSeq != nil {
		return fmt.Errorf("chain broken at seq %d: %s", *res.FirstBrokenSeq, res.Reason)
	}
	return fmt.Errorf("chain broken: %s", res.Reason)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	f, err := exportFilter(cmd)
	if err != nil {
		return err
	}

	chain, db, err := openChain()
	if err != nil {
		return err
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	outPath, _ := cmd.Flags().GetString("out")
	if outPath != "" {
		file, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}

	n, err := chain.Export(context.Background(), f, w)
	if err != nil {
		return err
	}

	// Keep stdout clean when it carries the NDJSON stream.
	fmt.Fprintf(os.Stderr, "exported %d entries\n", n)
	return nil
}

func exportFilter(cmd *cobra.Command) (audit.Filter, error) {
	var f audit.Filter

	events, _ := cmd.Flags().GetStringSlice("event")
	f.Events = events

	if level, _ := cmd.Flags().GetString("level"); level != "" {
		switch audit.Level(level) {
		case audit.LevelInfo, audit.LevelWarn, audit.LevelError:
			f.Level = audit.Level(level)
		default:
			return f, fmt.Errorf("invalid --level %q: must be info, warn, or error", level)
		}
	}

	f.UserID, _ = cmd.Flags().GetString("user")
	f.TaskID, _ = cmd.Flags().GetString("task")

	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := parseTimeFlag(since)
		if err != nil {
			return f, fmt.Errorf("invalid --since: %w", err)
		}
		f.From = t
	}
	if until, _ := cmd.Flags().GetString("until"); until != "" {
		t, err := parseTimeFlag(until)
		if err != nil {
			return f, fmt.Errorf("invalid --until: %w", err)
		}
		f.To = t
	}

	return f, nil
}

func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
