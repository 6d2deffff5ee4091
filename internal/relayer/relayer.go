// Package relayer drives batches through their lifecycle: it closes batches
// once they have been open for the batch interval, proposes settlement for
// closed batches at the custodian's reported total, and executes proposals
// whose cooldown has elapsed.
package relayer

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	loopClose   = "close"
	loopPropose = "propose"
	loopExecute = "execute"
)

type OpenBatch struct {
	ID        ledger.ID
	Vault     string
	Asset     string
	CreatedAt int64
}

type ClosedBatch struct {
	ID    ledger.ID
	Vault string
	Asset string
	// LaterDeposits were pushed into successor batches after this one
	// closed. The custodian's total includes them.
	LaterDeposits *uint256.Int
}

type PendingProposal struct {
	ID        ledger.ID
	BatchID   ledger.ID
	UnlocksAt int64
}

// View is the relayer's read model of the ledger.
type View interface {
	OpenBatches(ctx context.Context) ([]OpenBatch, error)
	// UnproposedBatches lists closed batches with no live proposal whose
	// predecessor has settled.
	UnproposedBatches(ctx context.Context) ([]ClosedBatch, error)
	// PendingProposals lists proposals that are neither rejected nor executed.
	PendingProposals(ctx context.Context) ([]PendingProposal, error)
}

// Submitter applies an event. The result may be nil for asynchronous
// transports.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (*core.Result, error)
}

// Reporter reads the custodian's total for a vault.
type Reporter interface {
	ReportTotalAssets(ctx context.Context, vault, asset string) (*uint256.Int, error)
}

type Config struct {
	// Address is the relayer role the events are submitted as.
	Address       string
	BatchInterval time.Duration
	PollInterval  time.Duration
	Cooldown      time.Duration
}

type Relayer struct {
	cfg     Config
	view    View
	submit  Submitter
	custody Reporter
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, view View, submit Submitter, custody Reporter, metrics *observability.Metrics) *Relayer {
	return &Relayer{
		cfg:     cfg,
		view:    view,
		submit:  submit,
		custody: custody,
		metrics: metrics,
		logger:  observability.NewLogger("relayer"),
		now:     time.Now,
	}
}

// Run ticks every PollInterval until ctx is cancelled.
func (r *Relayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info().
		Str("address", r.cfg.Address).
		Dur("batch_interval", r.cfg.BatchInterval).
		Dur("cooldown", r.cfg.Cooldown).
		Msg("relayer started")

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relayer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs each loop once. Failures are logged and retried on the next tick.
func (r *Relayer) Tick(ctx context.Context) {
	now := r.now().UTC().Truncate(time.Second)
	r.closeDue(ctx, now)
	r.proposeClosed(ctx, now)
	r.executeMatured(ctx, now)
}

func (r *Relayer) closeDue(ctx context.Context, now time.Time) {
	r.tick(loopClose)
	open, err := r.view.OpenBatches(ctx)
	if err != nil {
		r.fail(loopClose, err, "list open batches")
		return
	}
	cutoff := now.Add(-r.cfg.BatchInterval).Unix()
	for _, b := range open {
		if b.CreatedAt > cutoff {
			continue
		}
		evt := &event.BatchClose{
			Header:     r.header(fmt.Sprintf("relayer:close:%s", b.ID), now),
			BatchID:    b.ID,
			CreateNext: true,
		}
		if _, err := r.submit.Submit(ctx, evt); err != nil {
			r.fail(loopClose, err, "close batch "+b.ID.Short())
			continue
		}
		r.logger.Info().Str("batch", b.ID.Short()).Str("vault", b.Vault).Str("asset", b.Asset).Msg("batch closed")
	}
}

func (r *Relayer) proposeClosed(ctx context.Context, now time.Time) {
	r.tick(loopPropose)
	closed, err := r.view.UnproposedBatches(ctx)
	if err != nil {
		r.fail(loopPropose, err, "list closed batches")
		return
	}
	for _, b := range closed {
		reported, err := r.custody.ReportTotalAssets(ctx, b.Vault, b.Asset)
		if err != nil {
			r.fail(loopPropose, err, "report total assets for "+b.Vault)
			continue
		}
		total := fpmath.SaturatingSub(reported, b.LaterDeposits)
		// A rejected proposal is replaced under a new key on a later tick.
		evt := &event.SettlementPropose{
			Header:              r.header(fmt.Sprintf("relayer:propose:%s:%d", b.ID, now.Unix()), now),
			BatchID:             b.ID,
			ProposedTotalAssets: total,
			CooldownSeconds:     int64(r.cfg.Cooldown / time.Second),
		}
		if _, err := r.submit.Submit(ctx, evt); err != nil {
			r.fail(loopPropose, err, "propose batch "+b.ID.Short())
			continue
		}
		r.logger.Info().Str("batch", b.ID.Short()).Str("total_assets", total.Dec()).Msg("settlement proposed")
	}
}

func (r *Relayer) executeMatured(ctx context.Context, now time.Time) {
	r.tick(loopExecute)
	pending, err := r.view.PendingProposals(ctx)
	if err != nil {
		r.fail(loopExecute, err, "list pending proposals")
		return
	}
	for _, p := range pending {
		if now.Unix() < p.UnlocksAt {
			continue
		}
		evt := &event.SettlementExecute{
			Header:     r.header(fmt.Sprintf("relayer:execute:%s", p.ID), now),
			ProposalID: p.ID,
		}
		if _, err := r.submit.Submit(ctx, evt); err != nil {
			r.fail(loopExecute, err, "execute proposal "+p.ID.Short())
			continue
		}
		r.logger.Info().Str("proposal", p.ID.Short()).Str("batch", p.BatchID.Short()).Msg("settlement executed")
	}
}

func (r *Relayer) header(key string, now time.Time) event.Header {
	return event.Header{Key: key, Actor: r.cfg.Address, Timestamp: now}
}

func (r *Relayer) tick(loop string) {
	if r.metrics != nil {
		r.metrics.RelayerTicks.WithLabelValues(loop).Inc()
	}
}

func (r *Relayer) fail(loop string, err error, what string) {
	if r.metrics != nil {
		r.metrics.RelayerErrors.WithLabelValues(loop).Inc()
	}
	ev := r.logger.Error()
	if ledger.KindOf(err) == ledger.KindInvalidState {
		// Usually a race with another relayer or a lagging read model.
		ev = r.logger.Warn()
	}
	ev.Err(err).Str("loop", loop).Msg(what)
}
