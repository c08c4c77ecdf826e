package clearing_test

import (
	"errors"
	"fmt"
	"testing"

	"PerpVamm/internal/clearing"
)

type stubDBChecker struct {
	known map[string]bool
	err   error
	calls int
}

func (s *stubDBChecker) IsDuplicate(commandType, key string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.known[commandType+":"+key], nil
}

func TestIdempotencyLRU(t *testing.T) {
	lru := clearing.NewIdempotencyLRU(2)

	lru.Add("a")
	lru.Add("b")
	if !lru.Contains("a") || !lru.Contains("b") {
		t.Fatal("missing fresh entries")
	}

	// "b" was promoted last, so "a" is the eviction victim.
	lru.Add("c")
	if lru.Contains("a") {
		t.Error("expected a evicted")
	}
	if !lru.Contains("b") || !lru.Contains("c") {
		t.Error("expected b and c retained")
	}
	if lru.Size() != 2 {
		t.Errorf("size = %d, want 2", lru.Size())
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", lru.Evictions())
	}

	// Re-adding an existing key must not grow the cache.
	lru.Add("c")
	if lru.Size() != 2 {
		t.Errorf("size after re-add = %d, want 2", lru.Size())
	}
}

func TestIdempotencyWarmFromKeys(t *testing.T) {
	lru := clearing.NewIdempotencyLRU(3)
	keys := make([]string, 5)
	for i := range keys {
		keys[i] = fmt.Sprintf("open_position:key-%d", i)
	}
	lru.WarmFromKeys(keys)

	if lru.Size() != 3 {
		t.Errorf("size = %d, want 3", lru.Size())
	}
	// The oldest warm keys rolled off.
	if lru.Contains("open_position:key-0") || lru.Contains("open_position:key-1") {
		t.Error("expected earliest warm keys evicted")
	}
	if !lru.Contains("open_position:key-4") {
		t.Error("expected newest warm key retained")
	}
}

func TestIdempotencyCheckerTiers(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{"open_position:old": true}}
	ic := clearing.NewIdempotencyChecker(8, db)

	// Fresh key: misses both tiers.
	if ic.IsDuplicate("open_position", "k1") {
		t.Error("fresh key reported duplicate")
	}
	ic.MarkProcessed("open_position", "k1")

	// Hot-path hit does not touch the database.
	dbCallsBefore := db.calls
	if !ic.IsDuplicate("open_position", "k1") {
		t.Error("processed key not reported duplicate")
	}
	if db.calls != dbCallsBefore {
		t.Error("LRU hit fell through to the database")
	}

	// Cold key known only to the database: tier-2 hit, then cached.
	if !ic.IsDuplicate("open_position", "old") {
		t.Error("database-known key not reported duplicate")
	}
	dbCallsBefore = db.calls
	if !ic.IsDuplicate("open_position", "old") {
		t.Error("cached tier-2 key not reported duplicate")
	}
	if db.calls != dbCallsBefore {
		t.Error("tier-2 hit was not cached in the LRU")
	}

	lruHits, pgHits := ic.Metrics().Duplicates("open_position")
	if lruHits != 2 || pgHits != 1 {
		t.Errorf("duplicates = %d lru / %d postgres, want 2/1", lruHits, pgHits)
	}
}

func TestIdempotencyCheckerDBErrorAssumesFresh(t *testing.T) {
	db := &stubDBChecker{err: errors.New("connection refused")}
	ic := clearing.NewIdempotencyChecker(8, db)

	if ic.IsDuplicate("close_position", "k1") {
		t.Error("database error must not block the command")
	}
	if ic.Metrics().Tier2Errors() != 1 {
		t.Errorf("tier-2 errors = %d, want 1", ic.Metrics().Tier2Errors())
	}
}
