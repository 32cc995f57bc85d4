package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lockclaw/lockclaw/pkg/logger"
)

// Policy bounds how much history the chain keeps. Zero values disable
// the corresponding constraint.
type Policy struct {
	MaxAgeDays int   `json:"maxAgeDays"`
	MaxEntries int64 `json:"maxEntries"`
}

func (p Policy) Validate() error {
	if p.MaxAgeDays != 0 && (p.MaxAgeDays < 1 || p.MaxAgeDays > 3650) {
		return fmt.Errorf("maxAgeDays must be between 1 and 3650, got %d", p.MaxAgeDays)
	}
	if p.MaxEntries != 0 && (p.MaxEntries < 100 || p.MaxEntries > 10_000_000) {
		return fmt.Errorf("maxEntries must be between 100 and 10000000, got %d", p.MaxEntries)
	}
	return nil
}

// EnforceRetention deletes the oldest entries until the chain satisfies
// the policy, never touching newer entries. Verification stays valid
// because the walk anchors on the first surviving row.
func (c *Chain) EnforceRetention(ctx context.Context, p Policy) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	cutoffSeq := int64(-1)

	if p.MaxAgeDays > 0 {
		cutoff := c.now().UTC().AddDate(0, 0, -p.MaxAgeDays)
		seq, err := c.store.MaxSeqOlderThan(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("retention age scan: %w", err)
		}
		if seq > cutoffSeq {
			cutoffSeq = seq
		}
	}

	if p.MaxEntries > 0 {
		seq, err := c.store.SeqAtCountFromEnd(ctx, p.MaxEntries)
		if err != nil {
			return 0, fmt.Errorf("retention count scan: %w", err)
		}
		if seq > cutoffSeq {
			cutoffSeq = seq
		}
	}

	if cutoffSeq < 0 {
		return 0, nil
	}

	// Never delete the head: the in-memory chain state must stay
	// anchored to a durable row.
	c.mu.Lock()
	headSeq := c.lastSeq
	c.mu.Unlock()
	if cutoffSeq >= headSeq {
		cutoffSeq = headSeq - 1
	}
	if cutoffSeq < 0 {
		return 0, nil
	}

	deleted, err := c.store.DeleteBefore(ctx, cutoffSeq)
	if err != nil {
		return 0, fmt.Errorf("retention delete: %w", err)
	}

	if deleted > 0 {
		if _, err := c.Record(ctx, Entry{
			Event:   EventRetention,
			Message: "retention removed oldest audit entries",
			Metadata: map[string]any{
				"deleted":    deleted,
				"throughSeq": cutoffSeq,
				"maxAgeDays": p.MaxAgeDays,
				"maxEntries": p.MaxEntries,
			},
		}); err != nil {
			return deleted, fmt.Errorf("record retention entry: %w", err)
		}
	}

	return deleted, nil
}

// RetentionScheduler runs EnforceRetention on a cron schedule. The
// expression is checked once per minute.
type RetentionScheduler struct {
	chain    *Chain
	policy   Policy
	schedule string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRetentionScheduler(chain *Chain, policy Policy, schedule string) (*RetentionScheduler, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid retention schedule %q", schedule)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &RetentionScheduler{
		chain:    chain,
		policy:   policy,
		schedule: schedule,
		stopChan: make(chan struct{}),
	}, nil
}

func (rs *RetentionScheduler) Start() {
	rs.wg.Add(1)
	go rs.run()
}

func (rs *RetentionScheduler) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopChan)
	})
	rs.wg.Wait()
}

func (rs *RetentionScheduler) run() {
	defer rs.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rs.stopChan:
			return
		case now := <-ticker.C:
			due, err := gronx.New().IsDue(rs.schedule, now)
			if err != nil || !due {
				continue
			}
			rs.runOnce()
		}
	}
}

func (rs *RetentionScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := rs.chain.EnforceRetention(ctx, rs.policy)
	if err != nil {
		logger.ErrorCF("audit", "Retention run failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if deleted > 0 {
		logger.InfoCF("audit", "Retention removed old audit entries", map[string]any{
			"deleted": deleted,
		})
	}
}
