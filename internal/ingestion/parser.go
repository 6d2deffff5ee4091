package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/event"
)

// CommandSubjectPrefix is the root of every inbound command subject:
// vault.ledger.commands.<EventType>.<partition...>
const CommandSubjectPrefix = "vault.ledger.commands"

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates and parses raw events
// before anything reaches the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et := event.ParseEventType(eventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	evt, err := event.Decode(et, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	return evt, nil
}

// EventTypeFromSubject extracts the event type token from a command subject.
func EventTypeFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix+".")
	if !ok {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	token, _, _ := strings.Cut(rest, ".")
	if token == "" {
		return "", fmt.Errorf("subject %q has no event type", subject)
	}
	return token, nil
}

// ErrClockSkew marks events stamped further ahead than ClockGuard allows.
var ErrClockSkew = errors.New("event timestamp ahead of wall clock")

// ClockGuard refuses events stamped too far in the future. The ledger clock
// only moves forward, so one bad timestamp would otherwise unlock every
// pending timelock at once.
type ClockGuard struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (g ClockGuard) Check(evt event.Event) error {
	if g.MaxSkew <= 0 {
		return nil
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	limit := now().Add(g.MaxSkew)
	if evt.OccurredAt().After(limit) {
		return fmt.Errorf("%w: %s %s: timestamp %s is beyond %s", ErrClockSkew,
			evt.EventType(), evt.IdempotencyKey(), evt.OccurredAt().Format(time.RFC3339), limit.Format(time.RFC3339))
	}
	return nil
}
