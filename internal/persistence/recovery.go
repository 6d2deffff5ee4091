package persistence

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// LogSource is the read side of the event log needed for recovery.
type LogSource interface {
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
	LastSourceSequences(ctx context.Context) (map[string]int64, error)
}

// RecoveryReport summarizes a warm or cold start.
type RecoveryReport struct {
	SnapshotSequence int64 // 0 on cold start
	Replayed         int64
	Sequence         int64
	StateHash        [32]byte
}

const replayPageSize = 1000

// Recover rebuilds a freshly constructed core: load the latest verified
// snapshot, replay every later event with hash verification, then restore
// source sequences consumed by rejections. It must run before the core is
// handed to a Runner.
func Recover(ctx context.Context, c *core.DeterministicCore, src LogSource, metrics *observability.Metrics) (*RecoveryReport, error) {
	logger := observability.NewLogger("recovery")
	start := time.Now()
	report := &RecoveryReport{}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot at %d: %w", snap.Sequence, err)
		}
		report.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	replayed, err := replay(ctx, c, src, c.GetSequence()+1, logger)
	if err != nil {
		return nil, err
	}
	report.Replayed = replayed

	last, err := src.LastSourceSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load source sequences: %w", err)
	}
	c.RestoreSourceSequences(last)

	if err := c.VerifyInvariants(); err != nil {
		return nil, fmt.Errorf("post-recovery invariants: %w", err)
	}

	report.Sequence = c.GetSequence()
	report.StateHash = c.GetStateHash()
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(report.Sequence))
	}
	logger.Info().
		Int64("replayed", report.Replayed).
		Int64("sequence", report.Sequence).
		Hex("state_hash", report.StateHash[:]).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return report, nil
}

func replay(ctx context.Context, c *core.DeterministicCore, src LogSource, from int64, logger zerolog.Logger) (int64, error) {
	var total int64
	for {
		rows, err := src.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return total, err
			}
			if err := c.ReplayEnvelope(ctx, env); err != nil {
				return total, err
			}
			total++
		}
		from = rows[len(rows)-1].Sequence + 1
		logger.Debug().Int64("replayed", total).Int64("next", from).Msg("replay progress")
	}
}

// TakeSnapshot captures the core's state on its own goroutine and persists
// it. A snapshot taken from live state is marked verified immediately.
func TakeSnapshot(ctx context.Context, runner *core.Runner, sm *SnapshotManager, metrics *observability.Metrics) (int64, error) {
	start := time.Now()

	var snap *core.SnapshotState
	if err := runner.Do(ctx, func(c *core.DeterministicCore) error {
		snap = c.CreateSnapshotState()
		return nil
	}); err != nil {
		return 0, err
	}
	return saveSnapshot(ctx, snap, sm, metrics, start)
}

// TakeFinalSnapshot snapshots a core whose runner has already exited, once
// the persistence worker has drained.
func TakeFinalSnapshot(ctx context.Context, c *core.DeterministicCore, sm *SnapshotManager, metrics *observability.Metrics) (int64, error) {
	return saveSnapshot(ctx, c.CreateSnapshotState(), sm, metrics, time.Now())
}

func saveSnapshot(ctx context.Context, snap *core.SnapshotState, sm *SnapshotManager, metrics *observability.Metrics, start time.Time) (int64, error) {
	if snap.Sequence == 0 {
		return 0, nil
	}

	size, err := sm.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		return 0, fmt.Errorf("mark snapshot verified: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap.Sequence, nil
}

// RunPeriodicSnapshots snapshots whenever interval events have been
// applied since the last one. The check runs every tick.
func RunPeriodicSnapshots(ctx context.Context, runner *core.Runner, sm *SnapshotManager, interval int64, tick time.Duration, metrics *observability.Metrics) error {
	logger := observability.NewLogger("snapshots")
	if interval <= 0 {
		interval = 100_000
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}

	var last int64
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var current int64
			if err := runner.Do(ctx, func(c *core.DeterministicCore) error {
				current = c.GetSequence()
				return nil
			}); err != nil {
				return err
			}
			if current-last < interval {
				continue
			}
			seq, err := TakeSnapshot(ctx, runner, sm, metrics)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}
