package server

import (
	"encoding/json"

	"VaultLedger/internal/query"
)

// --- QueryService ---

type GetVaultBalanceRequest struct {
	Vault string `json:"vault"`
}

type GetBatchRequest struct {
	BatchID string `json:"batch_id"`
}

type ListBatchesRequest struct {
	Vault     string `json:"vault"`
	Asset     string `json:"asset,omitempty"`
	PageSize  int32  `json:"page_size,omitempty"`
	BeforeSeq uint64 `json:"before_seq,omitempty"`
}

type ListBatchesResponse struct {
	Batches []query.BatchResponse `json:"batches"`
}

type GetProposalRequest struct {
	ProposalID string `json:"proposal_id"`
}

type GetRequestRequest struct {
	RequestID string `json:"request_id"`
}

type ListRequestsRequest struct {
	Owner        string `json:"owner"`
	PageSize     int32  `json:"page_size,omitempty"`
	FromSequence int64  `json:"from_sequence,omitempty"`
}

type ListRequestsResponse struct {
	Requests []query.RequestResponse `json:"requests"`
}

type GetSharePricesRequest struct {
	Vault          string `json:"vault"`
	PageSize       int32  `json:"page_size,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type ListJournalsRequest struct {
	AccountPrefix string `json:"account_prefix"`
	PageSize      int32  `json:"page_size,omitempty"`
	FromSequence  int64  `json:"from_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type GetSystemStatusRequest struct{}

type GetSystemStatusResponse struct {
	State         string `json:"state"`
	LastSequence  int64  `json:"last_sequence"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// --- IngestService ---

type SubmitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitEventResponse struct {
	Accepted    bool   `json:"accepted"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Sequence    int64  `json:"sequence,omitempty"`
	StateHash   string `json:"state_hash,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	NextBatchID string `json:"next_batch_id,omitempty"`
	ProposalID  string `json:"proposal_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// --- AdminService ---

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Started bool   `json:"started"`
	TaskID  string `json:"task_id"`
}

type GetEventLogInfoRequest struct{}

type GetEventLogInfoResponse struct {
	LastSequence     int64 `json:"last_sequence"`
	SnapshotSequence int64 `json:"snapshot_sequence"`
}

type VerifyIntegrityRequest struct{}

type VerifyIntegrityResponse struct {
	Passed                bool                   `json:"passed"`
	FirstMismatchSequence int64                  `json:"first_mismatch_sequence,omitempty"`
	ErrorDetail           string                 `json:"error_detail,omitempty"`
	Report                *query.IntegrityReport `json:"report"`
}
