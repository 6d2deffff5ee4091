package core

import (
	"fmt"

	"VaultLedger/internal/observability"
)

// SequenceError reports a source event that arrived out of its producer's
// dense numbering. It unwraps to ErrSequenceViolation.
type SequenceError struct {
	Source   string
	Expected int64
	Got      int64
}

func (e *SequenceError) Error() string {
	kind := "gap"
	if e.Got < e.Expected {
		kind = "replayed"
	}
	return fmt.Sprintf("source %s: %s sequence %d, expected %d", e.Source, kind, e.Got, e.Expected)
}

func (e *SequenceError) Unwrap() error { return ErrSequenceViolation }

// Gap reports whether events were skipped rather than replayed.
func (e *SequenceError) Gap() bool { return e.Got > e.Expected }

// sourceCursors tracks, per producer (a NATS subject stream, a gRPC client,
// the relayer), the next source sequence the core will accept. Events
// without a source are not ordered.
type sourceCursors struct {
	next    map[string]int64
	metrics *observability.Metrics
}

func newSourceCursors(metrics *observability.Metrics) *sourceCursors {
	return &sourceCursors{next: make(map[string]int64), metrics: metrics}
}

// check accepts exactly the expected sequence. A lower one is tolerated
// only for a known duplicate, which the caller drops.
func (s *sourceCursors) check(source string, seq int64, duplicate bool) error {
	if source == "" {
		return nil
	}
	want := s.next[source]
	if seq == want || (seq < want && duplicate) {
		return nil
	}
	err := &SequenceError{Source: source, Expected: want, Got: seq}
	if s.metrics != nil {
		if err.Gap() {
			s.metrics.EventSequenceGap.WithLabelValues(source).Inc()
		} else {
			s.metrics.EventOutOfOrder.WithLabelValues(source).Inc()
		}
	}
	return err
}

// consume moves the cursor past seq. Cursors only move forward.
func (s *sourceCursors) consume(source string, seq int64) {
	s.raise(source, seq+1)
}

func (s *sourceCursors) raise(source string, next int64) {
	if source != "" && next > s.next[source] {
		s.next[source] = next
	}
}

func (s *sourceCursors) snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.next))
	for src, n := range s.next {
		out[src] = n
	}
	return out
}
