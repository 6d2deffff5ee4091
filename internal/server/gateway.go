package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// route maps one HTTP path onto a gRPC method.
type route struct {
	method  string
	pattern string
	rpc     string
	bind    func(r *http.Request, params map[string]string) (interface{}, error)
}

func routes() []route {
	return []route{
		{
			method: http.MethodGet, pattern: "/v1/vaults/{vault}/balance",
			rpc: fullMethod(queryServiceName, "GetVaultBalance"),
			bind: func(_ *http.Request, p map[string]string) (interface{}, error) {
				return &GetVaultBalanceRequest{Vault: p["vault"]}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/vaults/{vault}/batches",
			rpc: fullMethod(queryServiceName, "ListBatches"),
			bind: func(r *http.Request, p map[string]string) (interface{}, error) {
				size, err := intParam(r, "page_size")
				if err != nil {
					return nil, err
				}
				before, err := intParam(r, "before_seq")
				if err != nil {
					return nil, err
				}
				return &ListBatchesRequest{
					Vault:     p["vault"],
					Asset:     r.URL.Query().Get("asset"),
					PageSize:  int32(size),
					BeforeSeq: uint64(max(before, 0)),
				}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/vaults/{vault}/share-prices",
			rpc: fullMethod(queryServiceName, "GetSharePrices"),
			bind: func(r *http.Request, p map[string]string) (interface{}, error) {
				size, err := intParam(r, "page_size")
				if err != nil {
					return nil, err
				}
				before, err := intParam(r, "before_sequence")
				if err != nil {
					return nil, err
				}
				return &GetSharePricesRequest{Vault: p["vault"], PageSize: int32(size), BeforeSequence: before}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/batches/{batch_id}",
			rpc: fullMethod(queryServiceName, "GetBatch"),
			bind: func(_ *http.Request, p map[string]string) (interface{}, error) {
				return &GetBatchRequest{BatchID: p["batch_id"]}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/proposals/{proposal_id}",
			rpc: fullMethod(queryServiceName, "GetProposal"),
			bind: func(_ *http.Request, p map[string]string) (interface{}, error) {
				return &GetProposalRequest{ProposalID: p["proposal_id"]}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/requests/{request_id}",
			rpc: fullMethod(queryServiceName, "GetRequest"),
			bind: func(_ *http.Request, p map[string]string) (interface{}, error) {
				return &GetRequestRequest{RequestID: p["request_id"]}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/owners/{owner}/requests",
			rpc: fullMethod(queryServiceName, "ListRequests"),
			bind: func(r *http.Request, p map[string]string) (interface{}, error) {
				size, err := intParam(r, "page_size")
				if err != nil {
					return nil, err
				}
				from, err := intParam(r, "from_sequence")
				if err != nil {
					return nil, err
				}
				return &ListRequestsRequest{Owner: p["owner"], PageSize: int32(size), FromSequence: from}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/journals",
			rpc: fullMethod(queryServiceName, "ListJournals"),
			bind: func(r *http.Request, _ map[string]string) (interface{}, error) {
				size, err := intParam(r, "page_size")
				if err != nil {
					return nil, err
				}
				from, err := intParam(r, "from_sequence")
				if err != nil {
					return nil, err
				}
				return &ListJournalsRequest{
					AccountPrefix: r.URL.Query().Get("account_prefix"),
					PageSize:      int32(size),
					FromSequence:  from,
				}, nil
			},
		},
		{
			method: http.MethodGet, pattern: "/v1/status",
			rpc:  fullMethod(queryServiceName, "GetSystemStatus"),
			bind: emptyRequest(&GetSystemStatusRequest{}),
		},
		{
			// The body is the event payload itself.
			method: http.MethodPost, pattern: "/v1/events/{event_type}",
			rpc: fullMethod(ingestServiceName, "SubmitEvent"),
			bind: func(r *http.Request, p map[string]string) (interface{}, error) {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
				}
				if !json.Valid(body) {
					return nil, status.Error(codes.InvalidArgument, "body is not valid JSON")
				}
				return &SubmitEventRequest{EventType: p["event_type"], Payload: body}, nil
			},
		},
		{
			method: http.MethodPost, pattern: "/v1/admin/snapshots",
			rpc:  fullMethod(adminServiceName, "TakeSnapshot"),
			bind: emptyRequest(&TakeSnapshotRequest{}),
		},
		{
			method: http.MethodPost, pattern: "/v1/admin/projections/rebuild",
			rpc:  fullMethod(adminServiceName, "RebuildProjections"),
			bind: emptyRequest(&RebuildProjectionsRequest{}),
		},
		{
			method: http.MethodGet, pattern: "/v1/admin/event-log",
			rpc:  fullMethod(adminServiceName, "GetEventLogInfo"),
			bind: emptyRequest(&GetEventLogInfoRequest{}),
		},
		{
			method: http.MethodGet, pattern: "/v1/admin/integrity",
			rpc:  fullMethod(adminServiceName, "VerifyIntegrity"),
			bind: emptyRequest(&VerifyIntegrityRequest{}),
		},
	}
}

func registerRoutes(mux *runtime.ServeMux, conn grpc.ClientConnInterface) error {
	for _, rt := range routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, proxy(conn, rt)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func proxy(conn grpc.ClientConnInterface, rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req, err := rt.bind(r, params)
		if err != nil {
			writeError(w, err)
			return
		}
		// Responses are relayed as the JSON the service produced.
		var resp json.RawMessage
		if err := conn.Invoke(r.Context(), rt.rpc, req, &resp); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}

func emptyRequest(v interface{}) func(*http.Request, map[string]string) (interface{}, error) {
	return func(*http.Request, map[string]string) (interface{}, error) { return v, nil }
}

func intParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return n, nil
}
