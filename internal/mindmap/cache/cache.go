// Package cache implements the bounded, context-keyed Query Cache (spec §3, §4.2).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vthunder/mindmap/internal/mindmap/errs"
)

// Defaults (spec §4.2, §9: "any consistent set within the stated ranges").
const (
	DefaultShardCount = 16
	DefaultTTL        = 10 * time.Minute
	DefaultCapBytes   = 64 << 20 // 64 MiB
)

// Entry is one Query Cache Entry (spec §3). Payload is opaque to the cache
// (the Query Pipeline's response shape); Paths lists the node paths the
// cached result references, used by invalidate_paths.
type Entry struct {
	Key           string
	Payload       any
	Paths         []string
	CreatedAt     time.Time
	AccessCount   int
	SizeEstimate  int
	ComputationMs float64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
	bytes   int
}

// Stats mirrors get_cache_stats (spec §6.2).
type Stats struct {
	HitRate          float64
	TotalQueries     int64
	Hits             int64
	Misses           int64
	MemoryUsageBytes int64
	Entries          int
	Evictions        int64
}

// Cache is the Query Cache (C2): fine-grained per-shard locking (spec §5),
// TTL-based staleness, and score-based eviction under a byte cap.
type Cache struct {
	shards    []*shard
	capBytes  int
	ttl       time.Duration

	hits      int64
	misses    int64
	evictions int64
	statsMu   sync.Mutex
}

// New creates a Cache with the given shard count, byte cap, and TTL. Zero
// values fall back to the package defaults.
func New(shardCount, capBytes int, ttl time.Duration) *Cache {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if capBytes <= 0 {
		capBytes = DefaultCapBytes
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{shards: make([]*shard, shardCount), capBytes: capBytes, ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

// Key computes the SHA-256 hex digest of the cache key tuple, exactly as
// specified (spec §4.2: "key = SHA-256 of (normalized_query,
// context_fingerprint, options_fingerprint)").
func Key(normalizedQuery, contextFingerprint, optionsFingerprint string) string {
	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	h.Write([]byte{0})
	h.Write([]byte(contextFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(optionsFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint builds a stable fingerprint string from arbitrary ordered
// parts, used by callers to build the context/options fingerprint inputs
// to Key (e.g. active files, task tag, framework/language filters, hop cap).
func Fingerprint(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}

func (c *Cache) shardFor(key string) *shard {
	if len(key) == 0 {
		return c.shards[0]
	}
	idx := int(key[0]) % len(c.shards)
	return c.shards[idx]
}

// Get looks up key. A miss (absent or stale past TTL) returns ok=false.
// On hit, access stats are updated (spec §4.2/§4.7 step 2).
func (c *Cache) Get(key string) (*Entry, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok && time.Since(e.CreatedAt) > c.ttl {
		delete(sh.entries, key)
		sh.bytes -= e.SizeEstimate
		ok = false
	}
	if ok {
		e.AccessCount++
	}
	sh.mu.Unlock()

	c.statsMu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.statsMu.Unlock()

	if !ok {
		return nil, false
	}
	return e, true
}

// Put inserts entry, evicting lower-scoring entries from its shard first
// if needed (spec §4.2 eviction policy, invariant 5). Returns
// ErrCachePressure if the hard cap cannot be satisfied even after
// evicting everything evictable — the pipeline treats this as a miss.
func (c *Cache) Put(e *Entry) error {
	e.CreatedAt = time.Now()
	sh := c.shardFor(e.Key)
	shardCap := c.capBytes / len(c.shards)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if old, exists := sh.entries[e.Key]; exists {
		sh.bytes -= old.SizeEstimate
	}

	for sh.bytes+e.SizeEstimate > shardCap && len(sh.entries) > 0 {
		victim := lowestScoring(sh.entries)
		if victim == "" {
			break
		}
		sh.bytes -= sh.entries[victim].SizeEstimate
		delete(sh.entries, victim)
		c.statsMu.Lock()
		c.evictions++
		c.statsMu.Unlock()
	}

	if sh.bytes+e.SizeEstimate > shardCap {
		return fmt.Errorf("insert %d bytes over shard cap %d: %w", e.SizeEstimate, shardCap, errs.ErrCachePressure)
	}

	sh.entries[e.Key] = e
	sh.bytes += e.SizeEstimate
	return nil
}

// score implements importance · time_decay (spec §4.2).
func score(e *Entry) float64 {
	importance := 1 + math.Log1p(float64(e.AccessCount)) + math.Log1p(float64(e.SizeEstimate))/10 + math.Log1p(e.ComputationMs)/10
	ageMinutes := time.Since(e.CreatedAt).Minutes()
	timeDecay := math.Exp(-ageMinutes / 60)
	return importance * timeDecay
}

func lowestScoring(entries map[string]*Entry) string {
	var worstKey string
	worstScore := math.Inf(1)
	for k, e := range entries {
		sc := score(e)
		if sc < worstScore {
			worstScore = sc
			worstKey = k
		}
	}
	return worstKey
}

// InvalidatePaths removes entries whose cached result references a node
// whose path has paths[i] as a prefix (spec §4.2, P4).
func (c *Cache) InvalidatePaths(paths []string) {
	if len(paths) == 0 {
		return
	}
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if entryMatchesAnyPrefix(e, paths) {
				sh.bytes -= e.SizeEstimate
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

func entryMatchesAnyPrefix(e *Entry, prefixes []string) bool {
	for _, p := range e.Paths {
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, prefix) {
				return true
			}
		}
	}
	return false
}

// Clear drops all entries (spec §4.2).
func (c *Cache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*Entry)
		sh.bytes = 0
		sh.mu.Unlock()
	}
}

// Stats reports cache statistics for get_cache_stats (spec §6.2).
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	hits, misses, evictions := c.hits, c.misses, c.evictions
	c.statsMu.Unlock()

	var entries int
	var bytes int64
	for _, sh := range c.shards {
		sh.mu.Lock()
		entries += len(sh.entries)
		bytes += int64(sh.bytes)
		sh.mu.Unlock()
	}

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		HitRate:          hitRate,
		TotalQueries:     total,
		Hits:             hits,
		Misses:           misses,
		MemoryUsageBytes: bytes,
		Entries:          entries,
		Evictions:        evictions,
	}
}

// String renders a human-readable one-line summary for log lines, e.g.
// "entries=12 hit_rate=63.40% memory=1.2 MB evictions=3".
func (st Stats) String() string {
	return fmt.Sprintf("entries=%d hit_rate=%.2f%% memory=%s evictions=%d",
		st.Entries, st.HitRate*100, humanize.Bytes(uint64(st.MemoryUsageBytes)), st.Evictions)
}
