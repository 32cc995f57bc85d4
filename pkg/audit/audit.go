// Package audit provides the tamper-evident event log every subsystem
// writes to. Entries are hash-chained (each hash covers the previous
// hash and the canonical JSON of the entry) and HMAC-signed, so any
// mutation of a persisted entry breaks verification from that point on.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lockclaw/lockclaw/pkg/storage"
)

// Level classifies entry severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event names recorded by the platform.
const (
	EventTaskCreated      = "task_created"
	EventTaskCompleted    = "task_completed"
	EventTaskRejected     = "task_rejected"
	EventTaskRateLimited  = "task_rate_limited"
	EventTaskCancelled    = "task_cancelled"
	EventSandboxViolation = "sandbox_violation"
	EventPermissionDenied = "permission_denied"
	EventInjectionAttempt = "injection_attempt"
	EventAuthFailure      = "auth_failure"
	EventRateLimit        = "rate_limit"
	EventSwarmStarted     = "swarm_started"
	EventSwarmCompleted   = "swarm_completed"
	EventSwarmCancelled   = "swarm_cancelled"
	EventDelegation       = "delegation"
	EventIntegration      = "integration_event"
	EventConfigChange     = "config_change"
	EventSecretAccess     = "secret_access"
	EventAnomaly          = "anomaly"
	EventRetention        = "retention_enforced"
)

// Entry is one audit record. Seq, PrevHash, Hash, and Signature are
// assigned by the chain; callers fill the rest.
type Entry struct {
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	Event         string         `json:"event"`
	Message       string         `json:"message"`
	UserID        string         `json:"userId,omitempty"`
	TaskID        string         `json:"taskId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	PrevHash      string         `json:"prevHash"`
	Hash          string         `json:"hash"`
	Signature     string         `json:"signature"`
}

// canonicalEntry is the wire form hashed into the chain. Field order is
// the deterministic key order; hash and signature are excluded. Metadata
// is embedded as the exact canonical bytes persisted with the entry so
// verification never depends on re-marshalling semantics.
type canonicalEntry struct {
	Seq           int64           `json:"seq"`
	Timestamp     string          `json:"timestamp"`
	Level         Level           `json:"level"`
	Event         string          `json:"event"`
	Message       string          `json:"message"`
	UserID        string          `json:"userId,omitempty"`
	TaskID        string          `json:"taskId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	PrevHash      string          `json:"prevHash"`
}

// Chain is the single writer of audit entries. The in-memory head only
// advances after the row is durable, so a failed persist is reported to
// the caller and the operation being audited must not be acknowledged.
type Chain struct {
	store      *Store
	signingKey []byte

	mu       sync.Mutex
	lastSeq  int64
	lastHash string

	now func() time.Time
}

// NewChain opens the chain over db using signingKey, loading the current
// head. The key must carry at least 32 bytes of entropy.
func NewChain(db *storage.DB, signingKey []byte) (*Chain, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("audit signing key must be at least 32 bytes, got %d", len(signingKey))
	}

	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		store:      store,
		signingKey: signingKey,
		now:        time.Now,
	}

	head, err := store.Head(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}
	if head != nil {
		c.lastSeq = head.Seq
		c.lastHash = head.Hash
	}

	return c, nil
}

// Record appends an entry to the chain. On error the head is unchanged
// and the entry was not persisted.
func (c *Chain) Record(ctx context.Context, entry Entry) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.Seq = c.lastSeq + 1
	entry.PrevHash = c.lastHash
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now().UTC()
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal audit metadata: %w", err)
	}

	canonical, err := canonicalBytes(&entry, metaJSON)
	if err != nil {
		return nil, err
	}

	entry.Hash = chainHash(entry.PrevHash, canonical)
	entry.Signature = c.sign(entry.Hash)

	if err := c.store.Append(ctx, &entry, string(metaJSON)); err != nil {
		return nil, fmt.Errorf("persist audit entry: %w", err)
	}

	c.lastSeq = entry.Seq
	c.lastHash = entry.Hash
	return &entry, nil
}

// Head returns the sequence and hash of the newest durable entry.
func (c *Chain) Head() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq, c.lastHash
}

// VerifyResult reports a chain walk. FirstBrokenSeq is nil when the
// chain is intact.
type VerifyResult struct {
	OK             bool   `json:"ok"`
	Checked        int64  `json:"checked"`
	FirstBrokenSeq *int64 `json:"firstBrokenSeq,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Verify recomputes every hash and signature in ascending order and
// reports the first broken link. Retention may have removed the oldest
// entries, so the first surviving row anchors the walk: its own hash and
// signature are checked, but its prevHash is taken as given.
func (c *Chain) Verify(ctx context.Context) (*VerifyResult, error) {
	const batch = 500

	result := &VerifyResult{OK: true}
	var (
		prevHash string
		havePrev bool
		afterSeq int64 = -1
	)

	for {
		rows, err := c.store.Walk(ctx, afterSeq, batch)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			result.Checked++

			if havePrev && row.Entry.PrevHash != prevHash {
				seq := row.Entry.Seq
				return &VerifyResult{
					OK: false, Checked: result.Checked,
					FirstBrokenSeq: &seq, Reason: "previous hash mismatch",
				}, nil
			}

			canonical, err := canonicalBytes(&row.Entry, []byte(row.MetaJSON))
			if err != nil {
				return nil, err
			}
			if chainHash(row.Entry.PrevHash, canonical) != row.Entry.Hash {
				seq := row.Entry.Seq
				return &VerifyResult{
					OK: false, Checked: result.Checked,
					FirstBrokenSeq: &seq, Reason: "entry hash mismatch",
				}, nil
			}
			if !hmac.Equal([]byte(c.sign(row.Entry.Hash)), []byte(row.Entry.Signature)) {
				seq := row.Entry.Seq
				return &VerifyResult{
					OK: false, Checked: result.Checked,
					FirstBrokenSeq: &seq, Reason: "signature mismatch",
				}, nil
			}

			prevHash = row.Entry.Hash
			havePrev = true
			afterSeq = row.Entry.Seq
		}

		if len(rows) < batch {
			break
		}
	}

	return result, nil
}

func (c *Chain) sign(hash string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalBytes(e *Entry, metaJSON []byte) ([]byte, error) {
	data, err := json.Marshal(canonicalEntry{
		Seq:           e.Seq,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:         e.Level,
		Event:         e.Event,
		Message:       e.Message,
		UserID:        e.UserID,
		TaskID:        e.TaskID,
		CorrelationID: e.CorrelationID,
		Metadata:      json.RawMessage(metaJSON),
		PrevHash:      e.PrevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalise audit entry: %w", err)
	}
	return data, nil
}

func chainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
