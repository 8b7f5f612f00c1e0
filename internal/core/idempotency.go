package core

import (
	"container/list"

	"PerpClearing/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of commands: an
// in-memory LRU in front of the persisted command log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// DBIdempotencyChecker looks a command up in the persisted command log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate reports whether the command was already applied.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if err != nil {
		// A failing lookup must not stall the core. The command log's
		// unique index still rejects the row if it really is a replay.
		ic.logger.Warn().Err(err).Str("key", key).Msg("idempotency lookup failed")
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate(commandType, "postgres")
		ic.add(key)
		return true
	}
	return false
}

// MarkProcessed remembers an applied command.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.add(compositeKey(commandType, idempotencyKey))
}

func (ic *IdempotencyChecker) add(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe: only accessed from the single-threaded core.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List // front = most recent

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key and reports whether another key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() <= lru.capacity {
		return false
	}
	oldest := lru.order.Back()
	lru.order.Remove(oldest)
	delete(lru.cache, oldest.Value.(string))
	lru.evictions++
	return true
}

// WarmFromKeys loads keys ordered oldest first, so the newest end up most
// recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns every key ordered oldest first, the order WarmFromKeys
// expects.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	out := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
