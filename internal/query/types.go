package query

import "errors"

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("not found")

// AssetBalance is one asset's virtual balance inside a vault.
type AssetBalance struct {
	Asset    string `json:"asset"`
	Decimals uint8  `json:"decimals"`
	Amount   Amount `json:"amount"`
}

// VaultBalanceResponse is the virtual balance view of one vault.
type VaultBalanceResponse struct {
	Vault    string         `json:"vault"`
	Kind     string         `json:"kind"`
	Balances []AssetBalance `json:"balances"`
	// Watermark is the high-water mark; empty for gateway vaults.
	Watermark    *Amount `json:"watermark,omitempty"`
	AsOfSequence int64   `json:"as_of_sequence"`
}

// BatchResponse describes one settlement window.
type BatchResponse struct {
	ID             string `json:"id"`
	Vault          string `json:"vault"`
	Asset          string `json:"asset"`
	Seq            uint64 `json:"seq"`
	State          string `json:"state"`
	Receiver       string `json:"receiver"`
	CreatedAt      int64  `json:"created_at"`
	ClosedAt       int64  `json:"closed_at,omitempty"`
	SettledAt      int64  `json:"settled_at,omitempty"`
	Deposited      Amount `json:"deposited"`
	RedeemAssets   Amount `json:"redeem_assets"`
	RedeemShares   Amount `json:"redeem_shares"`
	ClosingBalance Amount `json:"closing_balance"`
	SettledTotal   Amount `json:"settled_total"`
	GrossPrice     Amount `json:"gross_price"`
	NetPrice       Amount `json:"net_price"`
	IssuedShares   Amount `json:"issued_shares"`
	PayoutAssets   Amount `json:"payout_assets"`
	Paid           Amount `json:"paid"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// ProposalResponse describes a settlement proposal.
type ProposalResponse struct {
	ID                  string `json:"id"`
	BatchID             string `json:"batch_id"`
	Proposer            string `json:"proposer"`
	ProposedTotalAssets Amount `json:"proposed_total_assets"`
	CreatedAt           int64  `json:"created_at"`
	CooldownSeconds     int64  `json:"cooldown_seconds"`
	ExecutableAt        int64  `json:"executable_at"`
	Status              string `json:"status"`
	ExecutedAt          int64  `json:"executed_at,omitempty"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

// RequestResponse describes a stake, unstake, mint or burn request.
type RequestResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Vault       string `json:"vault"`
	Asset       string `json:"asset"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	Amount      Amount `json:"amount"`
	BatchID     string `json:"batch_id"`
	CreatedAt   int64  `json:"created_at"`
	Status      string `json:"status"`
	Payout      Amount `json:"payout"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

// SharePricePoint is the price fixed by one settlement.
type SharePricePoint struct {
	BatchID     string `json:"batch_id"`
	Sequence    int64  `json:"sequence"`
	GrossPrice  Amount `json:"gross_price"`
	NetPrice    Amount `json:"net_price"`
	TotalAssets Amount `json:"total_assets"`
	Fees        Amount `json:"fees"`
	SettledAt   int64  `json:"settled_at"`
	// ChangeBps is the net price move since the previous point.
	ChangeBps int64 `json:"change_bps"`
}

// SharePriceHistory lists settlements newest first.
type SharePriceHistory struct {
	Vault        string            `json:"vault"`
	Points       []SharePricePoint `json:"points"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	PostingID     string `json:"posting_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        Amount `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	CheckedThrough   int64               `json:"checked_through"`
	GenesisMismatch  bool                `json:"genesis_mismatch"`
	HashChainBreaks  []int64             `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset   `json:"unbalanced_assets,omitempty"`
	Unreconciled     []ReconciliationGap `json:"unreconciled,omitempty"`
	IsHealthy        bool                `json:"is_healthy"`
}

// UnbalancedAsset is an asset whose journal debits and credits differ.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}

// ReconciliationGap is an asset whose virtual balances do not sum to the
// custodied amount.
type ReconciliationGap struct {
	Asset     string `json:"asset"`
	Virtual   string `json:"virtual"`
	Custodied string `json:"custodied"`
}
