package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type stubSubmitter struct {
	res *core.Result
	err error
}

func (s *stubSubmitter) Submit(context.Context, event.Event) (*core.Result, error) {
	return s.res, s.err
}

const batchCreatePayload = `{"idempotency_key":"k-1","caller":"operator-1","timestamp":1700000000,"vault":"stake-plain","asset":"USDV"}`

// startIngest serves the ingest service over an in-memory listener.
func startIngest(t *testing.T, sub ingestion.Submitter) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer()
	srv.RegisterService(&ingestServiceDesc, &ingestServiceImpl{
		svc: ingestion.NewGRPCIngestService(sub, 0, 0, ingestion.ClockGuard{}, nil),
	})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSubmitEvent_OverGRPC(t *testing.T) {
	batch := ledger.DeriveID("test", 1, "batch", "stake-plain", "USDV")
	sub := &stubSubmitter{res: &core.Result{Sequence: 7, Outcome: &core.Outcome{BatchID: batch}}}
	conn := startIngest(t, sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp SubmitEventResponse
	err := conn.Invoke(ctx, fullMethod(ingestServiceName, "SubmitEvent"),
		&SubmitEventRequest{EventType: "BatchCreate", Payload: []byte(batchCreatePayload)}, &resp)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Equal(t, int64(7), resp.Sequence)
	require.Equal(t, batch.String(), resp.BatchID)
	require.Empty(t, resp.ProposalID)

	sub.err = fmt.Errorf("%w: relayer only", ledger.ErrUnauthorized)
	err = conn.Invoke(ctx, fullMethod(ingestServiceName, "SubmitEvent"),
		&SubmitEventRequest{EventType: "BatchCreate", Payload: []byte(batchCreatePayload)}, &resp)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	err = conn.Invoke(ctx, fullMethod(ingestServiceName, "SubmitEvent"),
		&SubmitEventRequest{EventType: "NoSuchEvent", Payload: []byte(batchCreatePayload)}, &resp)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGateway_ProxiesToGRPC(t *testing.T) {
	sub := &stubSubmitter{res: &core.Result{Sequence: 3}}
	conn := startIngest(t, sub)

	mux := runtime.NewServeMux()
	require.NoError(t, registerRoutes(mux, conn))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/events/BatchCreate", "application/json", strings.NewReader(batchCreatePayload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sub.err = fmt.Errorf("%w: cap", ledger.ErrMintCapExceeded)
	resp2, err := http.Post(ts.URL+"/v1/events/BatchCreate", "application/json", strings.NewReader(batchCreatePayload))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Post(ts.URL+"/v1/events/BatchCreate", "application/json", strings.NewReader("{oops"))
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("batch x: %w", query.ErrNotFound), codes.NotFound},
		{ledger.ErrTimelockActive, codes.FailedPrecondition},
		{ledger.ErrZeroAmount, codes.InvalidArgument},
		{ledger.ErrInsufficientVB, codes.Aborted},
		{ledger.ErrUnauthorized, codes.PermissionDenied},
		{ingestion.ErrRateLimited, codes.ResourceExhausted},
		{fmt.Errorf("%w: gap", core.ErrSequenceViolation), codes.Aborted},
		{core.ErrRunnerStopped, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Unimplemented, "x"), codes.Unimplemented},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, status.Code(toStatus(tc.err)), tc.err.Error())
	}
	require.NoError(t, toStatus(nil))
}

func TestPageSize(t *testing.T) {
	require.Equal(t, 50, pageSize(0, 50, 500))
	require.Equal(t, 50, pageSize(501, 50, 500))
	require.Equal(t, 10, pageSize(10, 50, 500))
}
