package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	queryServiceName  = "vaultledger.query.v1.QueryService"
	ingestServiceName = "vaultledger.ingest.v1.IngestService"
	adminServiceName  = "vaultledger.admin.v1.AdminService"
)

// unary builds a MethodDesc that decodes Req with the negotiated codec and
// passes it through the server's interceptor chain.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			handler := func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(srv.(S), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, handler)
		},
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

func pageSize(requested int32, def, limit int) int {
	n := int(requested)
	if n <= 0 || n > limit {
		return def
	}
	return n
}

func parseID(field, s string) (ledger.ID, error) {
	if s == "" {
		return ledger.ID{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := ledger.ParseID(s)
	if err != nil {
		return ledger.ID{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// ============================================================================
// QueryService
// ============================================================================

type queryServiceImpl struct {
	qs        *query.QueryService
	health    *observability.HealthChecker
	startTime time.Time
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(queryServiceName, "GetVaultBalance", (*queryServiceImpl).GetVaultBalance),
		unary(queryServiceName, "GetBatch", (*queryServiceImpl).GetBatch),
		unary(queryServiceName, "ListBatches", (*queryServiceImpl).ListBatches),
		unary(queryServiceName, "GetProposal", (*queryServiceImpl).GetProposal),
		unary(queryServiceName, "GetRequest", (*queryServiceImpl).GetRequest),
		unary(queryServiceName, "ListRequests", (*queryServiceImpl).ListRequests),
		unary(queryServiceName, "GetSharePrices", (*queryServiceImpl).GetSharePrices),
		unary(queryServiceName, "ListJournals", (*queryServiceImpl).ListJournals),
		unary(queryServiceName, "GetSystemStatus", (*queryServiceImpl).GetSystemStatus),
	},
	Metadata: "vaultledger/query/v1/query.proto",
}

func (s *queryServiceImpl) GetVaultBalance(ctx context.Context, req *GetVaultBalanceRequest) (*query.VaultBalanceResponse, error) {
	if req.Vault == "" {
		return nil, status.Error(codes.InvalidArgument, "vault is required")
	}
	resp, err := s.qs.GetVaultBalance(ctx, req.Vault)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetBatch(ctx context.Context, req *GetBatchRequest) (*query.BatchResponse, error) {
	id, err := parseID("batch_id", req.BatchID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetBatch(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListBatches(ctx context.Context, req *ListBatchesRequest) (*ListBatchesResponse, error) {
	if req.Vault == "" {
		return nil, status.Error(codes.InvalidArgument, "vault is required")
	}
	batches, err := s.qs.ListBatches(ctx, req.Vault, req.Asset, pageSize(req.PageSize, 50, 500), req.BeforeSeq)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListBatchesResponse{Batches: batches}, nil
}

func (s *queryServiceImpl) GetProposal(ctx context.Context, req *GetProposalRequest) (*query.ProposalResponse, error) {
	id, err := parseID("proposal_id", req.ProposalID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetProposal(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) GetRequest(ctx context.Context, req *GetRequestRequest) (*query.RequestResponse, error) {
	id, err := parseID("request_id", req.RequestID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetRequest(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListRequests(ctx context.Context, req *ListRequestsRequest) (*ListRequestsResponse, error) {
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	var after *int64
	if req.FromSequence > 0 {
		after = &req.FromSequence
	}
	reqs, err := s.qs.ListRequestsByOwner(ctx, req.Owner, pageSize(req.PageSize, 50, 500), after)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListRequestsResponse{Requests: reqs}, nil
}

func (s *queryServiceImpl) GetSharePrices(ctx context.Context, req *GetSharePricesRequest) (*query.SharePriceHistory, error) {
	if req.Vault == "" {
		return nil, status.Error(codes.InvalidArgument, "vault is required")
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}
	resp, err := s.qs.GetSharePriceHistory(ctx, req.Vault, pageSize(req.PageSize, 50, 500), before)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	if req.AccountPrefix == "" {
		return nil, status.Error(codes.InvalidArgument, "account_prefix is required")
	}
	var after *int64
	if req.FromSequence > 0 {
		after = &req.FromSequence
	}
	entries, err := s.qs.GetJournalHistory(ctx, req.AccountPrefix, pageSize(req.PageSize, 100, 500), after)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (s *queryServiceImpl) GetSystemStatus(ctx context.Context, _ *GetSystemStatusRequest) (*GetSystemStatusResponse, error) {
	seq, err := s.qs.LatestSequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	state := "starting"
	if s.health == nil || s.health.IsReady() {
		state = "ready"
	}
	return &GetSystemStatusResponse{
		State:         state,
		LastSequence:  seq,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

// ============================================================================
// IngestService
// ============================================================================

type ingestServiceImpl struct {
	svc *ingestion.GRPCIngestService
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(ingestServiceName, "SubmitEvent", (*ingestServiceImpl).SubmitEvent),
	},
	Metadata: "vaultledger/ingest/v1/ingest.proto",
}

func (s *ingestServiceImpl) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	res, err := s.svc.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return submitResponse(res), nil
}

func submitResponse(res *core.Result) *SubmitEventResponse {
	resp := &SubmitEventResponse{Accepted: true, Duplicate: res.Duplicate, Sequence: res.Sequence}
	if res.Duplicate {
		return resp
	}
	resp.StateHash = hex.EncodeToString(res.StateHash[:])
	if o := res.Outcome; o != nil {
		resp.BatchID = idString(o.BatchID)
		resp.NextBatchID = idString(o.NextBatchID)
		resp.ProposalID = idString(o.ProposalID)
		resp.RequestID = idString(o.RequestID)
	}
	return resp
}

func idString(id ledger.ID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

// ============================================================================
// AdminService
// ============================================================================

type adminServiceImpl struct {
	db           *sql.DB
	runner       *core.Runner
	snapMgr      *persistence.SnapshotManager
	queryService *query.QueryService
	health       *observability.HealthChecker
	metrics      *observability.Metrics
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary(adminServiceName, "TakeSnapshot", (*adminServiceImpl).TakeSnapshot),
		unary(adminServiceName, "RebuildProjections", (*adminServiceImpl).RebuildProjections),
		unary(adminServiceName, "GetEventLogInfo", (*adminServiceImpl).GetEventLogInfo),
		unary(adminServiceName, "VerifyIntegrity", (*adminServiceImpl).VerifyIntegrity),
	},
	Metadata: "vaultledger/admin/v1/admin.proto",
}

func (s *adminServiceImpl) TakeSnapshot(ctx context.Context, _ *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.runner == nil {
		return nil, status.Error(codes.Unavailable, "core is not running in this process")
	}
	seq, err := persistence.TakeSnapshot(ctx, s.runner, s.snapMgr, s.metrics)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *adminServiceImpl) RebuildProjections(ctx context.Context, _ *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if err := projection.RebuildProjections(ctx, s.db); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildProjectionsResponse{
		Started: true,
		TaskID:  "rebuild-sync",
	}, nil
}

func (s *adminServiceImpl) GetEventLogInfo(ctx context.Context, _ *GetEventLogInfoRequest) (*GetEventLogInfoResponse, error) {
	latestSeq, err := s.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	snapSeq, err := s.snapMgr.LatestSnapshotSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get snapshot sequence: %v", err)
	}
	return &GetEventLogInfoResponse{
		LastSequence:     latestSeq,
		SnapshotSequence: snapSeq,
	}, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*VerifyIntegrityResponse, error) {
	report, err := s.queryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}

	resp := &VerifyIntegrityResponse{
		Passed: report.IsHealthy,
		Report: report,
	}
	if !report.IsHealthy {
		if len(report.HashChainBreaks) > 0 {
			resp.FirstMismatchSequence = report.HashChainBreaks[0]
		}
		resp.ErrorDetail = fmt.Sprintf("%d hash chain breaks, %d unbalanced assets, %d unreconciled assets",
			len(report.HashChainBreaks), len(report.UnbalancedAssets), len(report.Unreconciled))
		if report.GenesisMismatch {
			resp.ErrorDetail += ", genesis hash mismatch"
		}
		if s.health != nil {
			s.health.SetNotReady("integrity check failed: " + resp.ErrorDetail)
		}
	}
	return resp, nil
}
