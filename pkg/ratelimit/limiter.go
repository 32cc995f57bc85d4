// Package ratelimit provides named-rule admission control. Each rule is
// a token bucket keyed by user, client IP, or a single global bucket;
// tokens refill proportionally to elapsed time up to the rule's
// maxRequests and one token is deducted per allowed call.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// KeyType selects which part of the subject keys a rule's buckets.
type KeyType string

const (
	KeyUser   KeyType = "user"
	KeyIP     KeyType = "ip"
	KeyGlobal KeyType = "global"
)

// Mode is the rule's behaviour when the bucket is empty.
type Mode string

const (
	ModeReject   Mode = "reject"
	ModeThrottle Mode = "throttle"
)

// Rule is one named admission policy.
type Rule struct {
	Name        string  `json:"name"`
	WindowMs    int64   `json:"windowMs"`
	MaxRequests float64 `json:"maxRequests"`
	KeyType     KeyType `json:"keyType"`
	OnExceed    Mode    `json:"onExceed"`
}

// Subject carries the caller identity a rule may key on.
type Subject struct {
	UserID string
	IP     string
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Rule       string
	Mode       Mode
	RetryAfter time.Duration
	Remaining  float64
}

// RetryAfterSeconds rounds the wait up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// bucket holds refill-then-deduct state for one rule/subject pair.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	windowMs   int64
}

func newBucket(maxTokens, refillRate float64, windowMs int64, now time.Time) *bucket {
	return &bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: now,
		lastUsed:   now,
		windowMs:   windowMs,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// tryTake refills then deducts under the bucket lock. On deny it reports
// how long until one token is available.
func (b *bucket) tryTake(now time.Time) (bool, time.Duration, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, b.tokens
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.refillRate * float64(time.Second))
	return false, wait, b.tokens
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastUsed)
}

// Limiter checks subjects against named rules. Buckets idle for at
// least their rule's window are garbage-collected in the background
// until Stop is called.
type Limiter struct {
	mu    sync.RWMutex
	rules map[string]Rule

	buckets sync.Map // "rule\x00subject" -> *bucket

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

const gcInterval = 30 * time.Second

// NewLimiter builds a limiter with the given rules and starts the
// bucket GC.
func NewLimiter(rules ...Rule) *Limiter {
	l := &Limiter{
		rules:    make(map[string]Rule, len(rules)),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	for _, r := range rules {
		l.rules[r.Name] = normalizeRule(r)
	}

	l.wg.Add(1)
	go l.gcLoop()

	return l
}

func normalizeRule(r Rule) Rule {
	if r.WindowMs <= 0 {
		r.WindowMs = 60_000
	}
	if r.MaxRequests <= 0 {
		r.MaxRequests = 1
	}
	if r.KeyType == "" {
		r.KeyType = KeyUser
	}
	if r.OnExceed == "" {
		r.OnExceed = ModeReject
	}
	return r
}

// SetRule adds or replaces a rule. Existing buckets for the rule are
// dropped so the new limits take effect immediately.
func (l *Limiter) SetRule(r Rule) {
	r = normalizeRule(r)

	l.mu.Lock()
	l.rules[r.Name] = r
	l.mu.Unlock()

	prefix := r.Name + "\x00"
	l.buckets.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			l.buckets.Delete(key)
		}
		return true
	})
}

// Rules returns a snapshot of the configured rules.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	return out
}

// Check admits or denies one request under the named rule. Unknown
// rules allow: admission policies are opt-in per call site.
func (l *Limiter) Check(ruleName string, subj Subject) Decision {
	l.mu.RLock()
	rule, ok := l.rules[ruleName]
	l.mu.RUnlock()
	if !ok {
		return Decision{Allowed: true, Rule: ruleName}
	}

	key := rule.Name + "\x00" + subjectKey(rule.KeyType, subj)
	b := l.bucketFor(key, rule)

	allowed, wait, remaining := b.tryTake(l.now())
	return Decision{
		Allowed:    allowed,
		Rule:       rule.Name,
		Mode:       rule.OnExceed,
		RetryAfter: wait,
		Remaining:  remaining,
	}
}

// Wait blocks until the rule admits the subject or ctx is done. It is
// the throttle-mode counterpart of Check.
func (l *Limiter) Wait(ctx context.Context, ruleName string, subj Subject) error {
	for {
		d := l.Check(ruleName, subj)
		if d.Allowed {
			return nil
		}

		wait := d.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Stop cancels the GC goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

func (l *Limiter) bucketFor(key string, rule Rule) *bucket {
	if cached, ok := l.buckets.Load(key); ok {
		return cached.(*bucket)
	}

	refillRate := rule.MaxRequests / (float64(rule.WindowMs) / 1000.0)
	b := newBucket(rule.MaxRequests, refillRate, rule.WindowMs, l.now())

	actual, _ := l.buckets.LoadOrStore(key, b)
	return actual.(*bucket)
}

func subjectKey(kt KeyType, subj Subject) string {
	switch kt {
	case KeyIP:
		return "ip:" + subj.IP
	case KeyGlobal:
		return "global"
	default:
		return "user:" + subj.UserID
	}
}

func (l *Limiter) gcLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops buckets idle for at least their rule's window. A full
// window of idleness means the bucket has refilled completely and
// carries no state worth keeping.
func (l *Limiter) sweep() {
	now := l.now()
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if b.idleSince(now) >= time.Duration(b.windowMs)*time.Millisecond {
			l.buckets.Delete(key)
		}
		return true
	})
}
