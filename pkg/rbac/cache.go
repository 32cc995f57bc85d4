package rbac

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	cacheTTL      = 5 * time.Minute
	cacheMaxSize  = 1000
	evictFraction = 0.2
)

type cacheEntry struct {
	decision Decision
	inserted time.Time
}

// decisionCache memoises permission decisions. When the cache reaches
// cacheMaxSize the oldest fifth of entries is dropped in one sweep,
// which keeps eviction cost amortised instead of per-insert.
type decisionCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newDecisionCache() *decisionCache {
	return &decisionCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *decisionCache) get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if c.now().Sub(entry.inserted) > cacheTTL {
		delete(c.entries, key)
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *decisionCache) put(key string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= cacheMaxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = cacheEntry{decision: d, inserted: c.now()}
}

func (c *decisionCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) evictOldestLocked() {
	type aged struct {
		key      string
		inserted time.Time
	}

	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, inserted: e.inserted})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].inserted.Before(all[j].inserted)
	})

	drop := int(float64(len(all)) * evictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, e := range all[:drop] {
		delete(c.entries, e.key)
	}
}

// cacheKey folds the decision inputs into a compact key. The acting
// user is included because owner-only conditions make decisions
// user-dependent.
func cacheKey(role string, req Request, userID string) string {
	h := fnv.New64a()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(req.Resource))
	h.Write([]byte{0})
	h.Write([]byte(req.Action))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})

	if len(req.Context) > 0 {
		// json.Marshal sorts map keys, so equal contexts hash equally.
		if data, err := json.Marshal(req.Context); err == nil {
			h.Write(data)
		}
	}

	return strconv.FormatUint(h.Sum64(), 16)
}
