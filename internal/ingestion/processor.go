package ingestion

import (
	"context"
	"errors"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter applies one event on the core goroutine.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Result, error)
}

// Processor drains raw NATS messages into the core. A message is acked
// only once the core has decided on it:
//   - applied, duplicate or rejected by business rules: ack
//   - malformed: term, redelivery cannot help
//   - out of source order or internal failure: nak for redelivery
type Processor struct {
	submit  Submitter
	guard   ClockGuard
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(submit Submitter, guard ClockGuard, metrics *observability.Metrics) *Processor {
	return &Processor{
		submit:  submit,
		guard:   guard,
		metrics: metrics,
		logger:  observability.NewLogger("ingestion"),
	}
}

// Run consumes rawChan until ctx is cancelled or the channel closes.
func (p *Processor) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			p.handle(ctx, raw)
		}
	}
}

func (p *Processor) handle(ctx context.Context, raw RawEvent) {
	eventType := raw.EventType
	if eventType == "" {
		var err error
		if eventType, err = EventTypeFromSubject(raw.Subject); err != nil {
			p.logger.Warn().Err(err).Msg("unroutable message")
			settle(raw.TermFunc, raw.AckFunc)
			return
		}
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		settle(raw.TermFunc, raw.AckFunc)
		return
	}
	if err := p.guard.Check(evt); err != nil {
		p.logger.Warn().Err(err).Msg("event timestamp ahead of wall clock")
		settle(raw.NakFunc)
		return
	}

	_, err = p.submit.Submit(ctx, evt)
	switch {
	case err == nil:
		if p.metrics != nil && !raw.Timestamp.IsZero() {
			p.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(raw.Timestamp).Seconds())
		}
		settle(raw.AckFunc)
	case errors.Is(err, core.ErrSequenceViolation):
		p.logger.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("out of order, requesting redelivery")
		settle(raw.NakFunc)
	case ledger.KindOf(err) != ledger.KindInternal:
		// Rejection already recorded by the core.
		settle(raw.AckFunc)
	default:
		p.logger.Error().Err(err).Str("event_type", eventType).Str("key", evt.IdempotencyKey()).Msg("core failed to process event")
		settle(raw.NakFunc)
	}
}

// settle calls the first non-nil callback.
func settle(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
			return
		}
	}
}
