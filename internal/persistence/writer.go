package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/settlement"
)

// EventLogWriter writes events, rejections, journals and record images
// using multi-row INSERTs inside the caller's transaction. JSONB columns
// are bound as strings; lib/pq would send []byte as bytea.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	VaultID        *string
	Caller         string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	Source         string
	SourceSequence int64
}

// RejectionRow represents a row in event_log.rejected_events
type RejectionRow struct {
	EventType      string
	IdempotencyKey string
	Caller         string
	Source         string
	SourceSequence int64
	Timestamp      time.Time
	Kind           string
	Reason         string
	Payload        []byte
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	PostingID     string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // decimal, NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow converts an applied envelope into its log row.
func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		VaultID:        env.VaultID,
		Caller:         env.Caller,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		Source:         env.Source,
		SourceSequence: env.SourceSequence,
	}
}

// Envelope is the inverse of NewEventRow, used by replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash column", r.Sequence)
	}
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown event type %q", r.Sequence, r.EventType)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		VaultID:        r.VaultID,
		Caller:         r.Caller,
		Timestamp:      r.Timestamp.UTC(),
		Source:         r.Source,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// NewRejectionRow converts a refused event into its log row.
func NewRejectionRow(r *core.Rejection) RejectionRow {
	payload := r.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return RejectionRow{
		EventType:      r.EventType.String(),
		IdempotencyKey: r.IdempotencyKey,
		Caller:         r.Caller,
		Source:         r.Source,
		SourceSequence: r.SourceSequence,
		Timestamp:      r.Timestamp,
		Kind:           r.Kind.String(),
		Reason:         r.Reason,
		Payload:        payload,
	}
}

// NewJournalRows flattens the posting of an applied event.
func NewJournalRows(out core.CoreOutput) []JournalRow {
	if out.Posting == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(out.Posting.Journals))
	for _, j := range out.Posting.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			PostingID:     j.PostingID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset,
			Amount:        fpmath.String(j.Amount),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// placeholders renders "($1, $2, ...), (...)" for n rows of width columns.
func placeholders(n, width int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*width+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(events)*11)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.VaultID, e.Caller,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.Source, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, vault_id, caller, payload, state_hash, prev_hash, timestamp, source, source_sequence)
		VALUES ` + placeholders(len(events), 11) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRejectionBatch writes refused events to event_log.rejected_events.
func (w *EventLogWriter) WriteRejectionBatch(ctx context.Context, tx *sql.Tx, rejections []RejectionRow) error {
	if len(rejections) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rejections)*9)
	for _, r := range rejections {
		args = append(args,
			r.EventType, r.IdempotencyKey, r.Caller, r.Source, r.SourceSequence,
			r.Timestamp, r.Kind, r.Reason, string(r.Payload),
		)
	}

	query := `INSERT INTO event_log.rejected_events
		(event_type, idempotency_key, caller, source, source_sequence, timestamp, kind, reason, payload)
		VALUES ` + placeholders(len(rejections), 9)

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.PostingID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, posting_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) +
		` ON CONFLICT (journal_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRecords upserts the latest image of every record in the set.
func (w *EventLogWriter) WriteRecords(ctx context.Context, tx *sql.Tx, rs *RecordSet) error {
	for _, b := range rs.balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.balances (vault, asset, amount, sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (vault, asset) DO UPDATE SET amount = EXCLUDED.amount, sequence = EXCLUDED.sequence
		`, b.entry.Vault, b.entry.Asset, b.entry.Amount, b.sequence); err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", b.entry.Vault, b.entry.Asset, err)
		}
	}
	for _, c := range rs.custody {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.custody (asset, amount, sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (asset) DO UPDATE SET amount = EXCLUDED.amount, sequence = EXCLUDED.sequence
		`, c.entry.Asset, c.entry.Amount, c.sequence); err != nil {
			return fmt.Errorf("upsert custody %s: %w", c.entry.Asset, err)
		}
	}
	for _, b := range rs.batches {
		data, err := json.Marshal(b.record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.batches (id, vault, asset, seq, state, data, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, data = EXCLUDED.data, sequence = EXCLUDED.sequence
		`, b.record.ID.String(), b.record.Vault, b.record.Asset, int64(b.record.Sequence), b.record.State, string(data), b.sequence); err != nil {
			return fmt.Errorf("upsert batch %s: %w", b.record.ID.Short(), err)
		}
	}
	for _, p := range rs.proposals {
		data, err := json.Marshal(p.record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.proposals (id, batch_id, status, data, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, sequence = EXCLUDED.sequence
		`, p.record.ID.String(), p.record.BatchID.String(), p.record.Status, string(data), p.sequence); err != nil {
			return fmt.Errorf("upsert proposal %s: %w", p.record.ID.Short(), err)
		}
	}
	for id, seq := range rs.rejected {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records.proposals
			SET status = $2, data = jsonb_set(data, '{status}', to_jsonb($2::text)), sequence = $3
			WHERE id = $1
		`, id.String(), settlement.StatusRejected.String(), seq); err != nil {
			return fmt.Errorf("mark proposal %s rejected: %w", id.Short(), err)
		}
	}
	for _, r := range rs.requests {
		data, err := json.Marshal(r.record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.requests (id, kind, owner, vault, batch_id, status, data, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, sequence = EXCLUDED.sequence
		`, r.record.ID.String(), r.record.Kind, r.record.Owner, r.record.Vault, r.record.BatchID.String(),
			r.record.Status, string(data), r.sequence); err != nil {
			return fmt.Errorf("upsert request %s: %w", r.record.ID.Short(), err)
		}
	}
	for _, f := range rs.fees {
		data, err := json.Marshal(f.record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.fee_states (vault, watermark, data, sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (vault) DO UPDATE SET watermark = EXCLUDED.watermark, data = EXCLUDED.data, sequence = EXCLUDED.sequence
		`, f.record.Vault, f.record.Watermark, string(data), f.sequence); err != nil {
			return fmt.Errorf("upsert fee state %s: %w", f.record.Vault, err)
		}
	}
	for _, h := range rs.holdings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records.holdings (vault, holder, free, escrowed, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (vault, holder) DO UPDATE SET free = EXCLUDED.free, escrowed = EXCLUDED.escrowed, sequence = EXCLUDED.sequence
		`, h.record.Vault, h.record.Holder, h.record.Free, h.record.Escrowed, h.sequence); err != nil {
			return fmt.Errorf("upsert holding %s/%s: %w", h.record.Vault, h.record.Holder, err)
		}
	}
	return nil
}
