package relayer

import (
	"context"
	"database/sql"
	"fmt"

	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/settlement"
)

// CoreView reads an in-process core through its runner.
type CoreView struct {
	runner *core.Runner
}

func NewCoreView(runner *core.Runner) *CoreView {
	return &CoreView{runner: runner}
}

func (v *CoreView) OpenBatches(ctx context.Context) ([]OpenBatch, error) {
	var out []OpenBatch
	err := v.runner.Do(ctx, func(c *core.DeterministicCore) error {
		for _, b := range c.Batches() {
			if b.State == ledger.BatchOpen {
				out = append(out, OpenBatch{ID: b.ID, Vault: b.Vault, Asset: b.Asset, CreatedAt: b.CreatedAt})
			}
		}
		return nil
	})
	return out, err
}

func (v *CoreView) UnproposedBatches(ctx context.Context) ([]ClosedBatch, error) {
	var out []ClosedBatch
	err := v.runner.Do(ctx, func(c *core.DeterministicCore) error {
		// Batches come ordered by key then sequence.
		all := c.Batches()
		for i, b := range all {
			if b.State != ledger.BatchClosed {
				continue
			}
			if _, live := c.LiveProposal(b.ID); live {
				continue
			}
			if i > 0 && all[i-1].Key() == b.Key() && all[i-1].State != ledger.BatchSettled {
				continue
			}
			later := fpmath.Zero()
			for _, next := range all[i+1:] {
				if next.Key() != b.Key() {
					break
				}
				if sum, err := fpmath.Add(later, next.Deposited); err == nil {
					later = sum
				}
			}
			out = append(out, ClosedBatch{ID: b.ID, Vault: b.Vault, Asset: b.Asset, LaterDeposits: later})
		}
		return nil
	})
	return out, err
}

func (v *CoreView) PendingProposals(ctx context.Context) ([]PendingProposal, error) {
	var out []PendingProposal
	err := v.runner.Do(ctx, func(c *core.DeterministicCore) error {
		for _, p := range c.Proposals() {
			if p.Status != settlement.StatusProposed {
				continue
			}
			out = append(out, PendingProposal{ID: p.ID, BatchID: p.BatchID, UnlocksAt: p.UnlocksAt()})
		}
		return nil
	})
	return out, err
}

// RecordsView reads the records tables written by the persistence worker.
// It lags the core by at most one flush, so submissions it drives may be
// refused as stale; those are retried on the next tick.
type RecordsView struct {
	db *sql.DB
}

func NewRecordsView(db *sql.DB) *RecordsView {
	return &RecordsView{db: db}
}

func (v *RecordsView) OpenBatches(ctx context.Context) ([]OpenBatch, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, vault, asset, (data->>'created_at')::BIGINT
		FROM records.batches
		WHERE state = $1
		ORDER BY seq`, ledger.BatchOpen.String())
	if err != nil {
		return nil, fmt.Errorf("query open batches: %w", err)
	}
	defer rows.Close()

	var out []OpenBatch
	for rows.Next() {
		var b OpenBatch
		var id string
		if err := rows.Scan(&id, &b.Vault, &b.Asset, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan open batch: %w", err)
		}
		if b.ID, err = ledger.ParseID(id); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (v *RecordsView) UnproposedBatches(ctx context.Context) ([]ClosedBatch, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT b.id, b.vault, b.asset,
		       COALESCE((
		           SELECT SUM((l.data->>'deposited')::NUMERIC)
		           FROM records.batches l
		           WHERE l.vault = b.vault AND l.asset = b.asset AND l.seq > b.seq), 0)::TEXT
		FROM records.batches b
		WHERE b.state = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM records.proposals p
		      WHERE p.batch_id = b.id AND p.status = $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM records.batches e
		      WHERE e.vault = b.vault AND e.asset = b.asset AND e.seq < b.seq AND e.state <> $3)
		ORDER BY b.seq`, ledger.BatchClosed.String(), settlement.StatusProposed.String(), ledger.BatchSettled.String())
	if err != nil {
		return nil, fmt.Errorf("query closed batches: %w", err)
	}
	defer rows.Close()

	var out []ClosedBatch
	for rows.Next() {
		var b ClosedBatch
		var id, later string
		if err := rows.Scan(&id, &b.Vault, &b.Asset, &later); err != nil {
			return nil, fmt.Errorf("scan closed batch: %w", err)
		}
		if b.ID, err = ledger.ParseID(id); err != nil {
			return nil, err
		}
		if b.LaterDeposits, err = fpmath.ParseAmount(later); err != nil {
			return nil, fmt.Errorf("later deposits of %s: %w", b.ID.Short(), err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (v *RecordsView) PendingProposals(ctx context.Context) ([]PendingProposal, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, batch_id,
		       (data->>'created_at')::BIGINT + (data->>'cooldown_seconds')::BIGINT
		FROM records.proposals
		WHERE status = $1
		ORDER BY sequence`, settlement.StatusProposed.String())
	if err != nil {
		return nil, fmt.Errorf("query pending proposals: %w", err)
	}
	defer rows.Close()

	var out []PendingProposal
	for rows.Next() {
		var p PendingProposal
		var id, batch string
		if err := rows.Scan(&id, &batch, &p.UnlocksAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		if p.ID, err = ledger.ParseID(id); err != nil {
			return nil, err
		}
		if p.BatchID, err = ledger.ParseID(batch); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
