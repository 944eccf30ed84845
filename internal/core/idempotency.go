package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory
// LRU in front of a Postgres lookup.
type IdempotencyChecker struct {
	cache     *lru.Cache
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(opType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	cache, err := lru.New(capacity)
	if err != nil {
		panic(fmt.Sprintf("idempotency LRU: %v", err))
	}
	return &IdempotencyChecker{
		cache:     cache,
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// IsDuplicate checks if an operation has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", opType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.cache.Contains(compositeKey) {
		ic.metrics.RecordDuplicate(opType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(opType, idempotencyKey)
		if err != nil {
			// Conservative: a DB issue must not block processing, so
			// assume not a duplicate and keep going.
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.metrics.RecordDuplicate(opType, "postgres")
			// Add to LRU so we don't hit DB again
			ic.cache.Add(compositeKey, struct{}{})
			return true
		}
	}

	return false
}

// MarkProcessed adds a key to the LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(opType string, idempotencyKey string) {
	compositeKey := fmt.Sprintf("%s:%s", opType, idempotencyKey)
	ic.cache.Add(compositeKey, struct{}{})
}

// Warm loads a batch of composite keys into the LRU. On restart the
// recent keys are read back from Postgres so the cold path is skipped
// for recently processed operations.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.cache.Add(key, struct{}{})
	}
}

// Keys returns every composite key currently held in the LRU.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.cache.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(string))
	}
	return keys
}

// Size returns the number of cached keys
func (ic *IdempotencyChecker) Size() int {
	return ic.cache.Len()
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe — only accessed from the single-threaded core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // op_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(opType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[opType]++
	} else {
		m.duplicatesPostgres[opType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(opType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[opType], m.duplicatesPostgres[opType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
