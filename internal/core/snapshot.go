package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"VaultLedger/internal/event"
	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/router"
	"VaultLedger/internal/settlement"
)

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"`
	StateHash       string                 `json:"state_hash"`
	LastTimestamp   int64                  `json:"last_timestamp"`
	Balances        ledger.BalanceSnapshot `json:"balances"`
	Batches         ledger.BatchSnapshot   `json:"batches"`
	FeeStates       []fees.StateRecord     `json:"fee_states"`
	Holdings        []fees.HoldingRecord   `json:"holdings"`
	Requests        requests.Snapshot      `json:"requests"`
	Proposals       settlement.Snapshot    `json:"proposals"`
	SequenceState   map[string]int64       `json:"sequence_state"`
	IdempotencyKeys []AppliedKey           `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	hash := c.chain.tip
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       hex.EncodeToString(hash[:]),
		LastTimestamp:   c.lastTimestamp,
		Balances:        c.tracker.Snapshot(),
		Batches:         c.batches.Snapshot(),
		FeeStates:       c.fees.Snapshot(),
		Holdings:        c.fees.SnapshotHoldings(),
		Requests:        c.requests.Snapshot(),
		Proposals:       c.settlement.Snapshot(),
		SequenceState:   c.cursors.snapshot(),
		IdempotencyKeys: c.idempotency.Resident(),
	}
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart the snapshot is loaded first, then the log tail replayed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	hashBytes, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(hashBytes) != 32 {
		return fmt.Errorf("restore: bad state hash %q", snap.StateHash)
	}
	if err := c.tracker.Restore(snap.Balances); err != nil {
		return err
	}
	if err := c.batches.Restore(snap.Batches); err != nil {
		return err
	}
	if err := c.fees.Restore(snap.FeeStates); err != nil {
		return err
	}
	if err := c.fees.RestoreHoldings(snap.Holdings); err != nil {
		return err
	}
	if err := c.requests.Restore(snap.Requests); err != nil {
		return err
	}
	if err := c.settlement.Restore(snap.Proposals); err != nil {
		return err
	}
	if err := c.validator.ValidateAll(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	c.chain.rewind(hash)
	c.sequence = snap.Sequence + 1
	c.lastTimestamp = snap.LastTimestamp
	for source, next := range snap.SequenceState {
		c.cursors.raise(source, next)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// RestoreSourceSequences advances source cursors past sequences consumed by
// events that never reached the hash chain (rejections).
func (c *DeterministicCore) RestoreSourceSequences(last map[string]int64) {
	for source, seq := range last {
		c.cursors.consume(source, seq)
	}
}

// ReplayEnvelope re-applies a persisted event during recovery. External
// side effects are suppressed, nothing is re-emitted, and the recomputed
// hash must match the stored one.
func (c *DeterministicCore) ReplayEnvelope(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
	}
	out, err := c.apply(router.WithoutSideEffects(ctx), evt)
	if err != nil {
		return fmt.Errorf("replay seq=%d: event no longer applies: %w", env.Sequence, err)
	}
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq=%d: state hash mismatch: stored %x, computed %x",
			env.Sequence, env.StateHash, out.Envelope.StateHash)
	}
	c.cursors.consume(evt.Source(), evt.SourceSequence())
	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey(), env.Sequence)
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
		c.metrics.CoreSequence.Set(float64(env.Sequence))
	}
	return nil
}

// StateDigest hashes the complete ledger state in canonical order. Two
// cores with equal digests hold identical state.
func (c *DeterministicCore) StateDigest() [32]byte {
	buf := make([]byte, 0, 4096)
	buf = c.tracker.AppendDigest(buf)
	buf = c.batches.AppendDigest(buf)
	buf = c.fees.AppendDigest(buf)
	buf = c.requests.AppendDigest(buf)
	buf = c.settlement.AppendDigest(buf)
	return sha256.Sum256(buf)
}

// VerifyInvariants runs every ledger invariant over the full state.
func (c *DeterministicCore) VerifyInvariants() error {
	return c.validator.ValidateAll()
}
