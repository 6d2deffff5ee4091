package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when the admin surface is over its budget.
	ErrRateLimited = errors.New("ingest rate limit exceeded")
	// ErrMalformed wraps payloads that cannot be decoded into an event.
	ErrMalformed = errors.New("malformed event")
)

// GRPCIngestService provides admin and relayer command injection via gRPC.
// It is for operator actions and low-volume callers, not for
// high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	submit  Submitter
	limiter *rate.Limiter
	guard   ClockGuard
	metrics *observability.Metrics
}

func NewGRPCIngestService(submit Submitter, perSecond float64, burst int, guard ClockGuard, metrics *observability.Metrics) *GRPCIngestService {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &GRPCIngestService{
		submit:  submit,
		limiter: rate.NewLimiter(limit, burst),
		guard:   guard,
		metrics: metrics,
	}
}

// Inject parses payload as eventType and applies it synchronously. A
// payload without an idempotency_key gets a random one, so admin retries
// must supply their own key to be deduplicated.
func (s *GRPCIngestService) Inject(ctx context.Context, eventType string, payload []byte) (*core.Result, error) {
	if !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.IngestRateLimited.WithLabelValues(eventType).Inc()
		}
		return nil, ErrRateLimited
	}

	payload, err := withDefaultKey(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	evt, err := ParseRawEvent(RawEvent{Data: payload}, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := s.guard.Check(evt); err != nil {
		return nil, err
	}
	return s.submit.Submit(ctx, evt)
}

func withDefaultKey(payload []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if _, ok := fields["idempotency_key"]; ok {
		return payload, nil
	}
	key, _ := json.Marshal("admin-" + uuid.NewString())
	fields["idempotency_key"] = key
	return json.Marshal(fields)
}
