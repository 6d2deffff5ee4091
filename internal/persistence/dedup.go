package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const defaultDedupTimeout = 500 * time.Millisecond

// EventLogDedup answers idempotency lookups that miss the core's LRU by
// reading the applied event log. Rejections live in a separate table and
// never match, so a refused command may be resubmitted with its key.
type EventLogDedup struct {
	db      *sql.DB
	timeout time.Duration
}

// NewEventLogDedup bounds each lookup by timeout; zero selects 500ms. The
// core blocks on this call, so it must stay short.
func NewEventLogDedup(db *sql.DB, timeout time.Duration) *EventLogDedup {
	if timeout <= 0 {
		timeout = defaultDedupTimeout
	}
	return &EventLogDedup{db: db, timeout: timeout}
}

func (d *EventLogDedup) AppliedSequence(ctx context.Context, eventType, idempotencyKey string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var seq int64
	err := d.db.QueryRowContext(ctx, `
		SELECT sequence FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
	`, eventType, idempotencyKey).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	return seq, true, nil
}
