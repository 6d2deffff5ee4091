package persistence

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/settlement"
)

type balanceImage struct {
	entry    ledger.BalanceEntry
	sequence int64
}

type custodyImage struct {
	entry    ledger.CustodyEntry
	sequence int64
}

type batchImage struct {
	record   ledger.BatchRecord
	sequence int64
}

type proposalImage struct {
	record   settlement.Record
	sequence int64
}

type requestImage struct {
	record   requests.Record
	sequence int64
}

type feeImage struct {
	record   fees.StateRecord
	sequence int64
}

type holdingImage struct {
	record   fees.HoldingRecord
	sequence int64
}

// RecordSet accumulates record images across a flush. A record touched by
// several events in one batch keeps only its latest image, since Postgres
// refuses to upsert the same key twice in one statement batch.
type RecordSet struct {
	balances  map[string]*balanceImage
	custody   map[string]*custodyImage
	batches   map[ledger.ID]*batchImage
	proposals map[ledger.ID]*proposalImage
	rejected  map[ledger.ID]int64
	requests  map[ledger.ID]*requestImage
	fees      map[string]*feeImage
	holdings  map[string]*holdingImage
}

func NewRecordSet() *RecordSet {
	rs := &RecordSet{}
	rs.Reset()
	return rs
}

// Reset empties the set for the next batch.
func (rs *RecordSet) Reset() {
	rs.balances = make(map[string]*balanceImage)
	rs.custody = make(map[string]*custodyImage)
	rs.batches = make(map[ledger.ID]*batchImage)
	rs.proposals = make(map[ledger.ID]*proposalImage)
	rs.rejected = make(map[ledger.ID]int64)
	rs.requests = make(map[ledger.ID]*requestImage)
	rs.fees = make(map[string]*feeImage)
	rs.holdings = make(map[string]*holdingImage)
}

// Len is the number of distinct records held.
func (rs *RecordSet) Len() int {
	return len(rs.balances) + len(rs.custody) + len(rs.batches) + len(rs.proposals) +
		len(rs.rejected) + len(rs.requests) + len(rs.fees) + len(rs.holdings)
}

// Add merges the changes of one applied event.
func (rs *RecordSet) Add(sequence int64, ch *core.Changes) {
	if ch == nil {
		return
	}
	for _, b := range ch.Balances {
		rs.balances[b.Vault+"/"+b.Asset] = &balanceImage{entry: b, sequence: sequence}
	}
	for _, c := range ch.Custody {
		rs.custody[c.Asset] = &custodyImage{entry: c, sequence: sequence}
	}
	for _, b := range ch.Batches {
		rs.batches[b.ID] = &batchImage{record: b, sequence: sequence}
	}
	for _, p := range ch.Proposals {
		rs.proposals[p.ID] = &proposalImage{record: p, sequence: sequence}
	}
	for _, r := range ch.RejectedProposals {
		if img, ok := rs.proposals[r.ProposalID]; ok {
			img.record.Status = settlement.StatusRejected.String()
			img.sequence = sequence
			continue
		}
		rs.rejected[r.ProposalID] = sequence
	}
	for _, r := range ch.Requests {
		rs.requests[r.ID] = &requestImage{record: r, sequence: sequence}
	}
	for _, f := range ch.FeeStates {
		rs.fees[f.Vault] = &feeImage{record: f, sequence: sequence}
	}
	for _, h := range ch.Holdings {
		rs.holdings[h.Vault+"/"+h.Holder] = &holdingImage{record: h, sequence: sequence}
	}
}
