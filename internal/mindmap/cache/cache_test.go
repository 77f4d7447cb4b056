package cache

import (
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(4, 1<<20, time.Minute)
	key := Key("query", "ctx", "opts")

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss before insert")
	}

	if err := c.Put(&Entry{Key: key, Payload: "result", SizeEstimate: 128}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after insert")
	}
	if got.Payload.(string) != "result" {
		t.Errorf("unexpected payload: %v", got.Payload)
	}
}

func TestGetExpiresPastTTL(t *testing.T) {
	c := New(1, 1<<20, time.Millisecond)
	key := Key("q", "c", "o")
	if err := c.Put(&Entry{Key: key, SizeEstimate: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Error("expected entry to be treated as a miss once past TTL")
	}
}

func TestInvalidatePathsRemovesMatchingPrefix(t *testing.T) {
	c := New(1, 1<<20, time.Minute)
	k1 := Key("q1", "c", "o")
	k2 := Key("q2", "c", "o")
	c.Put(&Entry{Key: k1, Paths: []string{"src/engine/file.go"}, SizeEstimate: 1})
	c.Put(&Entry{Key: k2, Paths: []string{"src/other/file.go"}, SizeEstimate: 1})

	c.InvalidatePaths([]string{"src/engine"})

	if _, ok := c.Get(k1); ok {
		t.Error("expected k1 to be invalidated")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("expected k2 to survive invalidation")
	}
}

func TestPutEvictsLowestScoringUnderCap(t *testing.T) {
	c := New(1, 300, time.Hour)
	for i := 0; i < 5; i++ {
		key := Key(string(rune('a'+i)), "c", "o")
		if err := c.Put(&Entry{Key: key, SizeEstimate: 100}); err != nil {
			// CachePressure is acceptable once the cap is genuinely exhausted
			continue
		}
	}
	st := c.Stats()
	if st.MemoryUsageBytes > 300 {
		t.Errorf("expected memory usage to stay under cap, got %d", st.MemoryUsageBytes)
	}
}

func TestClearDropsAllEntries(t *testing.T) {
	c := New(2, 1<<20, time.Minute)
	c.Put(&Entry{Key: Key("q", "c", "o"), SizeEstimate: 1})
	c.Clear()
	if st := c.Stats(); st.Entries != 0 {
		t.Errorf("expected 0 entries after Clear, got %d", st.Entries)
	}
}

func TestStatsHitRate(t *testing.T) {
	c := New(1, 1<<20, time.Minute)
	key := Key("q", "c", "o")
	c.Put(&Entry{Key: key, SizeEstimate: 1})
	c.Get(key)
	c.Get("missing")

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got hits=%d misses=%d", st.Hits, st.Misses)
	}
	if st.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", st.HitRate)
	}
}
