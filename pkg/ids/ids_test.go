// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

package ids

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestNewShape(t *testing.T) {
	id := NewTask()
	if !strings.HasPrefix(id, "task_") {
		t.Errorf("id = %q, want task_ prefix", id)
	}
	if len(id) != len("task_")+26 {
		t.Errorf("id length = %d, want %d", len(id), len("task_")+26)
	}
	if !Valid(id) {
		t.Errorf("Valid(%q) = false", id)
	}
}

func TestMonotonicWithinProcess(t *testing.T) {
	const n = 200
	generated := make([]string, 0, n)
	for i := 0; i < n; i++ {
		generated = append(generated, New(PrefixDelegation))
	}

	sorted := make([]string, n)
	copy(sorted, generated)
	sort.Strings(sorted)

	for i := range generated {
		if generated[i] != sorted[i] {
			t.Fatalf("ids not monotonic at %d: %q vs %q", i, generated[i], sorted[i])
		}
	}

	seen := make(map[string]bool, n)
	for _, id := range generated {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPrefix(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{NewSwarmRun(), "swarm"},
		{NewIntegration(), "intg"},
		{"noseparator", ""},
		{"_leading", ""},
	}
	for _, tt := range tests {
		if got := Prefix(tt.id); got != tt.want {
			t.Errorf("Prefix(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"task_",
		"task_notaulid",
		"task_01J9GK3V8N", // truncated payload
		"justtext",
	}
	for _, id := range bad {
		if Valid(id) {
			t.Errorf("Valid(%q) = true, want false", id)
		}
	}
}

func TestTimeEmbedding(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewMessage()
	after := time.Now().Add(time.Second)

	got := Time(id)
	if got.Before(before) || got.After(after) {
		t.Errorf("Time(%q) = %v, want within [%v, %v]", id, got, before, after)
	}

	if !Time("garbage").IsZero() {
		t.Error("Time(garbage) should be zero")
	}
}
