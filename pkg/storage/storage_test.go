// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenInMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.Execute(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY, n INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	affected, err := db.Execute(ctx, "INSERT INTO t VALUES (?, ?)", "a", 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	var n int
	if err := db.QueryRow(ctx, "SELECT n FROM t WHERE id = ?", "a").Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()
}

func TestTxRollsBackOnError(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.Execute(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	wantErr := context.DeadlineExceeded
	err = db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (?)", "x"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Tx err = %v, want %v", err, wantErr)
	}

	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d, rollback did not happen", count)
	}
}

func TestNullHelpers(t *testing.T) {
	now := time.Now()
	if got := TimePtr(NullTime(&now)); got == nil || !got.Equal(now) {
		t.Errorf("time round trip = %v, want %v", got, now)
	}
	if got := TimePtr(NullTime(nil)); got != nil {
		t.Errorf("nil time round trip = %v, want nil", got)
	}
	if got := StringOr(NullString("")); got != "" {
		t.Errorf("empty string round trip = %q", got)
	}
	if got := StringOr(NullString("v")); got != "v" {
		t.Errorf("string round trip = %q", got)
	}
}
