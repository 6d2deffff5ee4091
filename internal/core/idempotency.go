package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// AppliedKey is one resident dedup entry, carried in snapshots.
type AppliedKey struct {
	EventType string `json:"event_type"`
	Key       string `json:"key"`
	Sequence  int64  `json:"sequence"`
}

// DBIdempotencyChecker finds the sequence an idempotency key was applied
// at in the durable event log. Rejected keys are never found.
type DBIdempotencyChecker interface {
	AppliedSequence(ctx context.Context, eventType, idempotencyKey string) (seq int64, found bool, err error)
}

// IdempotencyChecker answers "was this command already applied, and at
// which sequence" from a bounded LRU, falling back to the event log.
type IdempotencyChecker struct {
	lru       *lru.Cache // "type:key" -> sequence
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	ic := &IdempotencyChecker{
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
	cache, err := lru.NewWithEvict(capacity, func(_, _ interface{}) {
		if metrics != nil {
			metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	ic.lru = cache
	return ic, nil
}

func dedupKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Lookup returns the sequence the command was applied at. A failing
// event-log lookup counts as a miss: ingestion keeps moving and the unique
// index on the log still refuses a second insert.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, eventType, idempotencyKey string) (int64, bool) {
	k := dedupKey(eventType, idempotencyKey)
	if v, ok := ic.lru.Get(k); ok {
		ic.recordDuplicate(eventType, "lru")
		return v.(int64), true
	}
	if ic.dbChecker == nil {
		return 0, false
	}

	start := time.Now()
	seq, found, err := ic.dbChecker.AppliedSequence(ctx, eventType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ic.logger.Warn().Err(err).Str("event_type", eventType).Str("key", idempotencyKey).
			Msg("event log dedup lookup failed")
		return 0, false
	}
	if !found {
		return 0, false
	}
	ic.recordDuplicate(eventType, "postgres")
	ic.add(k, seq)
	return seq, true
}

// MarkProcessed records a command applied at seq.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string, seq int64) {
	ic.add(dedupKey(eventType, idempotencyKey), seq)
}

// Warm loads entries oldest first so the newest stay resident.
func (ic *IdempotencyChecker) Warm(keys []AppliedKey) {
	for _, k := range keys {
		ic.add(dedupKey(k.EventType, k.Key), k.Sequence)
	}
}

// Resident lists cached entries from oldest to newest.
func (ic *IdempotencyChecker) Resident() []AppliedKey {
	raw := ic.lru.Keys()
	out := make([]AppliedKey, 0, len(raw))
	for _, rk := range raw {
		k := rk.(string)
		v, ok := ic.lru.Peek(k)
		if !ok {
			continue
		}
		eventType, key := splitDedupKey(k)
		out = append(out, AppliedKey{EventType: eventType, Key: key, Sequence: v.(int64)})
	}
	return out
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

// Event type names never contain ':', keys may.
func splitDedupKey(k string) (string, string) {
	eventType, key, _ := strings.Cut(k, ":")
	return eventType, key
}

func (ic *IdempotencyChecker) add(k string, seq int64) {
	ic.lru.Add(k, seq)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
