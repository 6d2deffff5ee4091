package ingestion

import (
	"context"
	"fmt"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// CommandPublisher submits events to a ledger process it does not share
// memory with, by publishing them on the command stream. It satisfies
// Submitter, but the result is always nil: the outcome is only observable
// through the records tables or the outbound event stream.
type CommandPublisher struct {
	js jetstream.JetStream
}

func NewCommandPublisher(js jetstream.JetStream) *CommandPublisher {
	return &CommandPublisher{js: js}
}

// CommandSubject returns the subject evt is published on.
func CommandSubject(evt event.Event) string {
	partition := "global"
	if v := evt.VaultID(); v != nil && *v != "" {
		partition = *v
	}
	return fmt.Sprintf("%s.%s.%s", CommandSubjectPrefix, evt.EventType(), partition)
}

func (p *CommandPublisher) Submit(ctx context.Context, evt event.Event) (*core.Result, error) {
	data, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// JetStream drops republished keys inside its duplicate window; the
	// core's idempotency check covers the rest.
	if _, err := p.js.Publish(ctx, CommandSubject(evt), data, jetstream.WithMsgID(evt.IdempotencyKey())); err != nil {
		return nil, fmt.Errorf("publish %s: %w", evt.EventType(), err)
	}
	return nil, nil
}
