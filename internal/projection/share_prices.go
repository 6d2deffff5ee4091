package projection

import (
	"context"
	"database/sql"

	"VaultLedger/internal/core"
	fpmath "VaultLedger/internal/math"
)

// recordSharePrice stores the prices a settlement fixed for its batch.
func recordSharePrice(ctx context.Context, tx *sql.Tx, seq int64, output core.CoreOutput) error {
	exec := output.Outcome.Execution
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.share_prices
			(vault, batch_id, sequence, gross_price, net_price, total_assets, fees, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (vault, sequence) DO NOTHING
	`,
		exec.Vault,
		exec.BatchID.String(),
		seq,
		fpmath.String(exec.Quote.Gross),
		fpmath.String(exec.Quote.Net),
		fpmath.String(exec.ProposedTotal),
		fpmath.String(exec.FeesCollected),
		output.Envelope.Timestamp.Unix(),
	)
	return err
}

// rebuildSharePrices derives price history from settled batch records.
// The executed proposal's record was last written by the execution event,
// so its sequence is the settlement sequence. Fees come from the fee
// journals of that event.
func rebuildSharePrices(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.share_prices
			(vault, batch_id, sequence, gross_price, net_price, total_assets, fees, settled_at)
		SELECT
			b.vault,
			b.id,
			p.sequence,
			(b.data->>'gross_price')::numeric,
			(b.data->>'net_price')::numeric,
			(b.data->>'settled_total')::numeric,
			COALESCE((
				SELECT SUM(j.amount) FROM event_log.journal j
				WHERE j.sequence = p.sequence AND j.journal_type = 'fee'
			), 0),
			(b.data->>'settled_at')::bigint
		FROM records.batches b
		JOIN records.proposals p ON p.batch_id = b.id AND p.status = 'executed'
		WHERE b.state = 'settled'
	`)
	return err
}
