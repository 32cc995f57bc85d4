// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package ids generates prefixed, lexically sortable entity ids. The
// payload is a ULID (26 chars, Crockford base32) from a process-wide
// monotonic source, so ids created in the same millisecond still sort
// in creation order.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes. The separator is an underscore so ids stay double-click
// selectable in logs.
const (
	PrefixTask        = "task"
	PrefixSwarmRun    = "swarm"
	PrefixTemplate    = "tmpl"
	PrefixDelegation  = "dlg"
	PrefixProfile     = "prof"
	PrefixIntegration = "intg"
	PrefixMessage     = "msg"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns "<prefix>_<ulid>".
func New(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return prefix + "_" + id.String()
}

// NewTask returns a task id.
func NewTask() string { return New(PrefixTask) }

// NewSwarmRun returns a swarm run id.
func NewSwarmRun() string { return New(PrefixSwarmRun) }

// NewTemplate returns a swarm template id.
func NewTemplate() string { return New(PrefixTemplate) }

// NewDelegation returns a delegation id.
func NewDelegation() string { return New(PrefixDelegation) }

// NewProfile returns an agent profile id.
func NewProfile() string { return New(PrefixProfile) }

// NewIntegration returns an integration id.
func NewIntegration() string { return New(PrefixIntegration) }

// NewMessage returns a message id.
func NewMessage() string { return New(PrefixMessage) }

// Prefix returns the entity prefix of an id, or "" when the id carries
// none.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// Valid reports whether id is a well-formed prefixed id.
func Valid(id string) bool {
	i := strings.IndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return false
	}
	_, err := ulid.ParseStrict(id[i+1:])
	return err == nil
}

// Time extracts the creation time embedded in the id. Returns the zero
// time for malformed ids.
func Time(id string) time.Time {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return time.Time{}
	}
	parsed, err := ulid.ParseStrict(id[i+1:])
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}
