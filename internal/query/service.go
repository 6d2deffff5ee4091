package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/settlement"
)

// QueryService serves read-only views from the records and projection
// tables. It never touches the core, so answers lag the core by the
// persistence flush interval; every response carries the sequence it
// reflects.
type QueryService struct {
	db        *sql.DB
	reg       *registry.Registry
	contextID string
	metrics   *observability.Metrics
}

// NewQueryService reads the ledger of contextID, which selects the genesis
// hash the integrity check expects.
func NewQueryService(db *sql.DB, reg *registry.Registry, contextID string, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, reg: reg, contextID: contextID, metrics: metrics}
}

// observe records one call. Use as: defer qs.observe("endpoint", time.Now(), &err)
func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err := *errp; err != nil {
		status = "error"
		code := "internal"
		if errors.Is(err, ErrNotFound) {
			status, code = "not_found", "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) decimals(asset string) uint8 {
	if a, ok := qs.reg.Asset(asset); ok {
		return a.Decimals
	}
	return 0
}

// --- Balances ---

// GetVaultBalance returns every asset balance held by a registered vault.
func (qs *QueryService) GetVaultBalance(ctx context.Context, vaultID string) (resp *VaultBalanceResponse, err error) {
	defer qs.observe("vault_balance", time.Now(), &err)

	v, ok := qs.reg.Vault(vaultID)
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", vaultID, ErrNotFound)
	}
	resp = &VaultBalanceResponse{Vault: v.ID, Kind: v.Kind.String()}

	amounts := make(map[string]string, len(v.Assets))
	var asOf int64
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, amount, sequence FROM records.balances WHERE vault = $1
	`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var asset, amount string
		var seq int64
		if err := rows.Scan(&asset, &amount, &seq); err != nil {
			return nil, err
		}
		amounts[asset] = amount
		asOf = max(asOf, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, asset := range v.Assets {
		dec := qs.decimals(asset)
		amt, err := FormatAmount(amounts[asset], dec)
		if err != nil {
			return nil, err
		}
		resp.Balances = append(resp.Balances, AssetBalance{Asset: asset, Decimals: dec, Amount: amt})
	}

	if !v.IsGateway() {
		var watermark string
		err := qs.db.QueryRowContext(ctx, `
			SELECT watermark FROM records.fee_states WHERE vault = $1
		`, vaultID).Scan(&watermark)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			wm, err := FormatPrice(watermark)
			if err != nil {
				return nil, err
			}
			resp.Watermark = &wm
		}
	}

	if resp.AsOfSequence, err = qs.asOf(ctx, asOf); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Batches ---

func (qs *QueryService) GetBatch(ctx context.Context, id ledger.ID) (resp *BatchResponse, err error) {
	defer qs.observe("batch", time.Now(), &err)

	var data []byte
	var seq int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT data, sequence FROM records.batches WHERE id = $1
	`, id.String()).Scan(&data, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return qs.batchFromData(data, seq)
}

// ListBatches returns a vault's batches, newest first. An empty asset
// matches every asset; beforeSeq > 0 pages past batch number beforeSeq.
func (qs *QueryService) ListBatches(ctx context.Context, vaultID, asset string, limit int, beforeSeq uint64) (out []BatchResponse, err error) {
	defer qs.observe("list_batches", time.Now(), &err)

	query := `SELECT data, sequence FROM records.batches WHERE vault = $1`
	args := []interface{}{vaultID}
	argIdx := 2

	if asset != "" {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, asset)
		argIdx++
	}
	if beforeSeq > 0 {
		query += fmt.Sprintf(" AND seq < $%d", argIdx)
		args = append(args, int64(beforeSeq))
		argIdx++
	}
	query += " ORDER BY seq DESC, asset"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		var seq int64
		if err := rows.Scan(&data, &seq); err != nil {
			return nil, err
		}
		b, err := qs.batchFromData(data, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (qs *QueryService) batchFromData(data []byte, seq int64) (*BatchResponse, error) {
	var rec ledger.BatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	dec := qs.decimals(rec.Asset)
	return &BatchResponse{
		ID:             rec.ID.String(),
		Vault:          rec.Vault,
		Asset:          rec.Asset,
		Seq:            rec.Sequence,
		State:          rec.State,
		Receiver:       rec.Receiver,
		CreatedAt:      rec.CreatedAt,
		ClosedAt:       rec.ClosedAt,
		SettledAt:      rec.SettledAt,
		Deposited:      mustAmount(rec.Deposited, dec),
		RedeemAssets:   mustAmount(rec.RedeemAssets, dec),
		RedeemShares:   mustAmount(rec.RedeemShares, dec),
		ClosingBalance: mustAmount(rec.ClosingBalance, dec),
		SettledTotal:   mustAmount(rec.SettledTotal, dec),
		GrossPrice:     mustAmount(rec.GrossPrice, fpmath.PriceDecimals),
		NetPrice:       mustAmount(rec.NetPrice, fpmath.PriceDecimals),
		IssuedShares:   mustAmount(rec.IssuedShares, dec),
		PayoutAssets:   mustAmount(rec.PayoutAssets, dec),
		Paid:           mustAmount(rec.Paid, dec),
		AsOfSequence:   seq,
	}, nil
}

// --- Proposals ---

func (qs *QueryService) GetProposal(ctx context.Context, id ledger.ID) (resp *ProposalResponse, err error) {
	defer qs.observe("proposal", time.Now(), &err)

	var data []byte
	var seq int64
	var batchAsset sql.NullString
	err = qs.db.QueryRowContext(ctx, `
		SELECT p.data, p.sequence, b.asset
		FROM records.proposals p
		LEFT JOIN records.batches b ON b.id = p.batch_id
		WHERE p.id = $1
	`, id.String()).Scan(&data, &seq, &batchAsset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %s: %w", id.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var rec settlement.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &ProposalResponse{
		ID:                  rec.ID.String(),
		BatchID:             rec.BatchID.String(),
		Proposer:            rec.Proposer,
		ProposedTotalAssets: mustAmount(rec.ProposedTotalAssets, qs.decimals(batchAsset.String)),
		CreatedAt:           rec.CreatedAt,
		CooldownSeconds:     rec.CooldownSeconds,
		ExecutableAt:        rec.CreatedAt + rec.CooldownSeconds,
		Status:              rec.Status,
		ExecutedAt:          rec.ExecutedAt,
		AsOfSequence:        seq,
	}, nil
}

// --- Requests ---

func (qs *QueryService) GetRequest(ctx context.Context, id ledger.ID) (resp *RequestResponse, err error) {
	defer qs.observe("request", time.Now(), &err)

	var data []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT data FROM records.requests WHERE id = $1
	`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return qs.requestFromData(data)
}

// ListRequestsByOwner returns an owner's requests, most recently touched
// first. afterSequence > 0 pages past records last written at or after it.
func (qs *QueryService) ListRequestsByOwner(ctx context.Context, owner string, limit int, afterSequence *int64) (out []RequestResponse, err error) {
	defer qs.observe("list_requests", time.Now(), &err)

	query := `SELECT data FROM records.requests WHERE owner = $1`
	args := []interface{}{owner}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := qs.requestFromData(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (qs *QueryService) requestFromData(data []byte) (*RequestResponse, error) {
	var rec requests.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	dec := qs.decimals(rec.Asset)
	return &RequestResponse{
		ID:          rec.ID.String(),
		Kind:        rec.Kind,
		Vault:       rec.Vault,
		Asset:       rec.Asset,
		Owner:       rec.Owner,
		Beneficiary: rec.Beneficiary,
		Amount:      mustAmount(rec.Amount, dec),
		BatchID:     rec.BatchID.String(),
		CreatedAt:   rec.CreatedAt,
		Status:      rec.Status,
		Payout:      mustAmount(rec.Payout, dec),
		CompletedAt: rec.CompletedAt,
	}, nil
}

// --- Share prices ---

// GetSharePriceHistory returns up to limit settlements of a vault, newest
// first, from the share price projection.
func (qs *QueryService) GetSharePriceHistory(ctx context.Context, vaultID string, limit int, beforeSequence *int64) (resp *SharePriceHistory, err error) {
	defer qs.observe("share_prices", time.Now(), &err)

	v, ok := qs.reg.Vault(vaultID)
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", vaultID, ErrNotFound)
	}
	dec := qs.decimals(v.Assets[0])

	query := `
		SELECT batch_id, sequence, gross_price, net_price, total_assets, fees, settled_at
		FROM projections.share_prices
		WHERE vault = $1
	`
	args := []interface{}{vaultID}
	argIdx := 2
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	// One extra row gives the last point its change.
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []SharePricePoint
	for rows.Next() {
		var p SharePricePoint
		var gross, net, total, fee string
		if err := rows.Scan(&p.BatchID, &p.Sequence, &gross, &net, &total, &fee, &p.SettledAt); err != nil {
			return nil, err
		}
		p.GrossPrice = mustAmount(gross, fpmath.PriceDecimals)
		p.NetPrice = mustAmount(net, fpmath.PriceDecimals)
		p.TotalAssets = mustAmount(total, dec)
		p.Fees = mustAmount(fee, dec)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i+1 < len(points); i++ {
		if points[i].ChangeBps, err = PriceChange(points[i+1].NetPrice.Raw, points[i].NetPrice.Raw); err != nil {
			return nil, err
		}
	}
	if len(points) > limit {
		points = points[:limit]
	}

	resp = &SharePriceHistory{Vault: vaultID, Points: points}
	if resp.AsOfSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// --- Journals ---

// GetJournalHistory pages journals touching any account under
// accountPrefix, e.g. "vault:stake-usd:" or "receiver:0xabc:".
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPrefix string,
	limit int,
	afterSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journals", time.Now(), &err)

	query := `
		SELECT journal_id, posting_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{likePrefix(accountPrefix)}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		var amount string
		if err := rows.Scan(
			&e.JournalID, &e.PostingID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = mustAmount(amount, qs.decimals(e.Asset))
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// likePrefix escapes LIKE wildcards in p and appends %.
func likePrefix(p string) string {
	var b bytes.Buffer
	for _, r := range p {
		if r == '%' || r == '_' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('%')
	return b.String()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain, journal balance per asset, and the
// reconciliation of recorded virtual balances against custody.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)
	report = &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&report.CheckedThrough); err != nil {
		return nil, err
	}

	var firstPrev []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT prev_hash FROM event_log.events WHERE sequence = 1
	`).Scan(&firstPrev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		genesis := core.GenesisHash(qs.contextID)
		report.GenesisMismatch = !bytes.Equal(firstPrev, genesis[:])
	}

	// Check hash chain continuity, including gaps in the sequence.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1 AND (e2.sequence IS NULL OR e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Double entry: every asset's journal accounts sum to zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.account_balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	// Virtual balances of every holder sum to what custody holds.
	reconRows, err := qs.db.QueryContext(ctx, `
		SELECT COALESCE(v.asset, c.asset),
		       COALESCE(v.total, 0)::text,
		       COALESCE(c.amount, 0)::text
		FROM (SELECT asset, SUM(amount) AS total FROM records.balances GROUP BY asset) v
		FULL OUTER JOIN records.custody c ON c.asset = v.asset
		WHERE COALESCE(v.total, 0) <> COALESCE(c.amount, 0)
	`)
	if err != nil {
		return nil, err
	}
	defer reconRows.Close()

	for reconRows.Next() {
		var g ReconciliationGap
		if err := reconRows.Scan(&g.Asset, &g.Virtual, &g.Custodied); err != nil {
			return nil, err
		}
		report.Unreconciled = append(report.Unreconciled, g)
	}
	if err := reconRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = !report.GenesisMismatch &&
		len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		len(report.Unreconciled) == 0
	return report, nil
}

// LatestSequence returns the last persisted event sequence.
func (qs *QueryService) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`).Scan(&seq)
	return seq, err
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// asOf prefers the projection watermark when it is ahead of the record
// sequence seen.
func (qs *QueryService) asOf(ctx context.Context, seen int64) (int64, error) {
	wm, err := qs.getWatermark(ctx)
	if err != nil {
		return 0, err
	}
	return max(wm, seen), nil
}
