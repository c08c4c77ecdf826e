package clearing

import (
	"container/list"
	"fmt"
)

// DBIdempotencyChecker is the cold-path dedup lookup, backed by Postgres.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU on
// the hot path and an optional database lookup behind it. Not thread-safe;
// only the single-threaded command loop touches it.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// IsDuplicate reports whether the command has already been processed.
func (ic *IdempotencyChecker) IsDuplicate(commandType, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", commandType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.metrics.RecordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// A DB hiccup must not block the command stream; assume fresh.
			ic.metrics.RecordTier2Error()
			return false
		}
		if isDup {
			ic.metrics.RecordDuplicate(commandType, "postgres")
			ic.lru.Add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed records a successfully processed command.
func (ic *IdempotencyChecker) MarkProcessed(commandType, idempotencyKey string) {
	ic.lru.Add(fmt.Sprintf("%s:%s", commandType, idempotencyKey))
}

func (ic *IdempotencyChecker) Metrics() *IdempotencyMetrics {
	return ic.metrics
}

// WarmFromKeys preloads composite keys, typically the most recent rows from
// the database after a restart.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// IdempotencyLRU is a fixed-capacity LRU of composite dedup keys.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks membership and promotes the key to most-recently-used.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key, evicting the oldest entry when over capacity.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys without promoting existing
// entries.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		elem := lru.lruList.PushFront(&lruEntry{key: key})
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// IdempotencyMetrics tracks dedup counters per command type.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) Duplicates(commandType string) (lru, postgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) Tier2Errors() int64 {
	return m.tier2Errors
}
