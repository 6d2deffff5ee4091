package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/fees"
	"VaultLedger/internal/gateway"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/router"
	"VaultLedger/internal/settlement"

	"github.com/rs/zerolog"
)

// ErrSequenceViolation marks events refused for source ordering. They
// never reach the ledger and must be redelivered in order.
var ErrSequenceViolation = errors.New("source sequence violation")

// Config carries the core's deterministic parameters. Every replica
// replaying the same log must use the same values.
type Config struct {
	// ContextID salts every derived identifier.
	ContextID              string
	Settlement             settlement.Config
	IdempotencyLRUCapacity int
}

// Deps are the collaborators the core is wired to.
type Deps struct {
	Registry  *registry.Registry
	Auth      registry.Authorizer
	Custody   router.CustodyAdapter
	Transfers router.Transferer
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
}

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	cfg           Config
	sequence      int64 // next sequence to assign
	lastTimestamp int64
	chain         *hashChain

	reg        *registry.Registry
	tracker    *ledger.BalanceTracker
	batches    *ledger.BatchManager
	validator  *ledger.InvariantValidator
	router     *router.Router
	fees       *fees.Engine
	requests   *requests.Ledger
	settlement *settlement.Engine
	issuance   *gateway.IssuanceGateway
	staking    *gateway.StakingVault

	idempotency *IdempotencyChecker
	cursors     *sourceCursors
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need for one event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	// Posting is nil when the event moved no value.
	Posting *ledger.Posting
	Changes *Changes
	Outcome *Outcome
	// Rejection is set instead of Envelope when the event was refused.
	Rejection  *Rejection
	StateDelta []byte
}

// Result is returned to the submitter of an event.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Outcome   *Outcome
	// Duplicate results carry the sequence the original was applied at,
	// or zero when unknown.
	Duplicate bool
}

func NewDeterministicCore(
	cfg Config,
	deps Deps,
	persistChan, projectionChan chan<- CoreOutput,
) (*DeterministicCore, error) {
	if deps.Registry == nil || deps.Auth == nil {
		return nil, fmt.Errorf("core: registry and authorizer are required")
	}
	if cfg.IdempotencyLRUCapacity <= 0 {
		cfg.IdempotencyLRUCapacity = 1_000_000
	}

	tracker := ledger.NewBalanceTracker()
	batches := ledger.NewBatchManager(cfg.ContextID, deps.Registry, deps.Auth, tracker)
	rt := router.New(deps.Registry, tracker, batches, deps.Custody, deps.Transfers)
	feeEngine := fees.NewEngine(deps.Registry)
	reqs := requests.NewLedger(cfg.ContextID)

	// The settlement engine is the only holder of both capabilities.
	settler, err := batches.ClaimSettler()
	if err != nil {
		return nil, err
	}
	port, err := rt.ClaimSettlementPort()
	if err != nil {
		return nil, err
	}
	settle := settlement.NewEngine(cfg.Settlement, cfg.ContextID, deps.Registry, deps.Auth, batches, settler, port, feeEngine)

	idem, err := NewIdempotencyChecker(cfg.IdempotencyLRUCapacity, deps.DBChecker, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		cfg:            cfg,
		sequence:       1,
		chain:          newHashChain(cfg.ContextID),
		reg:            deps.Registry,
		tracker:        tracker,
		batches:        batches,
		validator:      ledger.NewInvariantValidator(tracker, batches),
		router:         rt,
		fees:           feeEngine,
		requests:       reqs,
		settlement:     settle,
		issuance:       gateway.NewIssuanceGateway(deps.Registry, deps.Auth, rt, batches, reqs, feeEngine),
		staking:        gateway.NewStakingVault(deps.Registry, rt, batches, reqs, feeEngine),
		idempotency:    idem,
		cursors:        newSourceCursors(deps.Metrics),
		metrics:        deps.Metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline. A returned error means the
// event changed nothing. Business rejections consume their source sequence
// and are emitted as a Rejection so that survives a restart; internal
// failures consume nothing and may be retried.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	appliedAt, isDuplicate := c.idempotency.Lookup(ctx, eventType, idempotencyKey)

	source := evt.Source()
	if err := c.cursors.check(source, evt.SourceSequence(), isDuplicate); err != nil {
		c.recordRejected(eventType, "sequence")
		return nil, err
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		return &Result{Duplicate: true, Sequence: appliedAt}, nil
	}

	output, err := c.apply(ctx, evt)
	if err != nil {
		if ledger.KindOf(err) == ledger.KindInternal {
			// Transient (custody, transport): nothing consumed, retry later.
			c.recordRejected(eventType, "internal")
			c.logger.Error().Err(err).Str("event_type", eventType).Str("key", idempotencyKey).Msg("event failed")
			return nil, err
		}
		c.cursors.consume(source, evt.SourceSequence())
		c.reject(evt, err)
		return nil, err
	}
	c.cursors.consume(source, evt.SourceSequence())

	// Persistence: blocking send, the core stalls until the worker drains.
	if c.persistChan != nil {
		select {
		case c.persistChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- *output
		}
	}
	// Projections: non-blocking, rebuilt from the event log if they fall behind.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey, output.Envelope.Sequence)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(output.Envelope.Sequence))
		c.recordOutcomeMetrics(output)
	}

	return &Result{
		Sequence:  output.Envelope.Sequence,
		StateHash: output.Envelope.StateHash,
		Outcome:   output.Outcome,
	}, nil
}

// apply runs one event inside a Tx. On error every mutation is undone and
// neither the sequence nor the hash chain moves.
func (c *DeterministicCore) apply(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	ts := evt.OccurredAt()
	if ts.IsZero() {
		return nil, fmt.Errorf("%w: event %s has no timestamp", ledger.ErrBounds, evt.IdempotencyKey())
	}
	// Event time never runs backwards across the log.
	now := ts.Unix()
	if now < c.lastTimestamp {
		now = c.lastTimestamp
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, err
	}

	tx := ledger.NewTx()
	outcome, err := c.dispatch(ctx, tx, evt, now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	var posting *ledger.Posting
	if journals := tx.Journals(); len(journals) > 0 {
		posting = ledger.NewPosting(evt.IdempotencyKey(), c.sequence, now, journals)
		if err := c.validator.ValidatePosting(posting); err != nil {
			panic(fmt.Sprintf("FATAL: malformed posting: %v", err))
		}
	}
	refs := tx.Touched()
	tx.Commit()

	if err := c.postCheckInvariants(refs); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	changes := c.collectChanges(refs)
	hashStart := time.Now()
	digest, err := json.Marshal(changes)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode state delta: %v", err))
	}
	prevHash, stateHash := c.chain.extend(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		VaultID:        evt.VaultID(),
		Caller:         evt.Caller(),
		Timestamp:      time.Unix(now, 0).UTC(),
		Source:         evt.Source(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	c.lastTimestamp = now

	c.logger.Debug().
		Int64("sequence", envelope.Sequence).
		Str("event_type", envelope.EventType.String()).
		Str("key", envelope.IdempotencyKey).
		Int("journals", len(tx.Journals())).
		Msg("event applied")

	return &CoreOutput{
		Envelope:   envelope,
		Posting:    posting,
		Changes:    changes,
		Outcome:    outcome,
		StateDelta: digest,
	}, nil
}

func (c *DeterministicCore) dispatch(ctx context.Context, tx *ledger.Tx, evt event.Event, now int64) (*Outcome, error) {
	caller := evt.Caller()
	switch e := evt.(type) {
	case *event.BatchCreate:
		id, err := c.batches.CreateBatch(tx, caller, e.Vault, e.Asset, now)
		return &Outcome{BatchID: id}, err

	case *event.BatchClose:
		next, err := c.batches.CloseBatch(tx, caller, e.BatchID, e.CreateNext, now)
		return &Outcome{BatchID: e.BatchID, NextBatchID: next}, err

	case *event.SettlementPropose:
		id, err := c.settlement.Propose(tx, caller, e.BatchID, e.ProposedTotalAssets, e.CooldownSeconds, now)
		return &Outcome{ProposalID: id, BatchID: e.BatchID}, err

	case *event.SettlementReject:
		p, err := c.settlement.Reject(tx, caller, e.ProposalID, now)
		if err != nil {
			return nil, err
		}
		return &Outcome{ProposalID: p.ID, BatchID: p.BatchID, Proposal: &p}, nil

	case *event.SettlementExecute:
		start := time.Now()
		exec, err := c.settlement.Execute(ctx, tx, caller, e.ProposalID, now)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.SettlementDuration.WithLabelValues(exec.Vault).Observe(time.Since(start).Seconds())
		}
		return &Outcome{ProposalID: exec.ProposalID, BatchID: exec.BatchID, Execution: exec}, nil

	case *event.GatewayDeposit:
		id, err := c.issuance.Deposit(tx, caller, e.Vault, e.Asset, e.Amount, e.Beneficiary, now)
		return &Outcome{RequestID: id}, err

	case *event.GatewayRedeemRequest:
		id, err := c.issuance.RequestRedeem(tx, caller, e.Vault, e.Asset, e.Amount, e.Beneficiary, now)
		return &Outcome{RequestID: id}, err

	case *event.GatewayRedeemFinalize:
		claim, err := c.issuance.FinalizeRedeem(ctx, tx, caller, e.RequestID, now)
		return claimOutcome(claim, err)

	case *event.GatewayMintClaim:
		claim, err := c.issuance.ClaimMint(tx, caller, e.RequestID, now)
		return claimOutcome(claim, err)

	case *event.StakeRequest:
		id, err := c.staking.RequestStake(tx, caller, e.Vault, e.Recipient, e.Amount, now)
		return &Outcome{RequestID: id}, err

	case *event.UnstakeRequest:
		id, err := c.staking.RequestUnstake(tx, caller, e.Vault, e.Recipient, e.Shares, now)
		return &Outcome{RequestID: id}, err

	case *event.StakeClaim:
		claim, err := c.staking.ClaimStake(tx, e.RequestID, now)
		return claimOutcome(claim, err)

	case *event.UnstakeClaim:
		claim, err := c.staking.ClaimUnstake(ctx, tx, e.RequestID, now)
		return claimOutcome(claim, err)

	case *event.RequestCancel:
		r, ok := c.requests.Get(e.RequestID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ledger.ErrRequestNotFound, e.RequestID.Short())
		}
		var cancelled requests.Request
		var err error
		switch r.Kind {
		case requests.KindMint, requests.KindBurn:
			cancelled, err = c.issuance.Cancel(ctx, tx, caller, e.RequestID, now)
		default:
			cancelled, err = c.staking.Cancel(ctx, tx, caller, e.RequestID, now)
		}
		if err != nil {
			return nil, err
		}
		return &Outcome{RequestID: cancelled.ID, BatchID: cancelled.BatchID, Request: &cancelled}, nil

	default:
		return nil, fmt.Errorf("%w: unknown event type %T", ledger.ErrInvalidState, evt)
	}
}

func claimOutcome(claim *gateway.Claim, err error) (*Outcome, error) {
	if err != nil {
		return nil, err
	}
	return &Outcome{RequestID: claim.Request.ID, BatchID: claim.Request.BatchID, Claim: claim}, nil
}

// postCheckInvariants re-verifies reconciliation for every asset and batch
// the event touched. A failure here is a bug, not a bad input.
func (c *DeterministicCore) postCheckInvariants(refs []ledger.Ref) error {
	assets := make(map[string]struct{})
	for _, r := range refs {
		switch r.Kind {
		case ledger.RefCustody:
			assets[r.Key] = struct{}{}
		case ledger.RefBalance:
			if k, err := ledger.ParseBalanceKey(r.Key); err == nil {
				assets[k.Asset] = struct{}{}
			}
		case ledger.RefBatch:
			id, err := ledger.ParseID(r.Key)
			if err != nil {
				return err
			}
			if b, ok := c.batches.Batch(id); ok {
				if err := c.validator.ValidateBatch(b); err != nil {
					return err
				}
			}
		}
	}
	for asset := range assets {
		if err := c.validator.ValidateReconciliation(asset); err != nil {
			return err
		}
	}
	return nil
}

// reject records a refused event. It carries no state change but keeps
// the source sequence it consumed.
func (c *DeterministicCore) reject(evt event.Event, err error) {
	eventType := evt.EventType().String()
	kind := ledger.KindOf(err)
	c.recordRejected(eventType, kind.String())
	if c.metrics != nil {
		if kind == ledger.KindReconciliation {
			c.metrics.ReconciliationFailed.WithLabelValues(eventType).Inc()
		}
		if errors.Is(err, ledger.ErrReentrantCall) {
			c.metrics.ReentrancyBlocked.Inc()
		}
	}

	c.logger.Warn().
		Err(err).
		Str("event_type", eventType).
		Str("key", evt.IdempotencyKey()).
		Str("caller", evt.Caller()).
		Str("kind", kind.String()).
		Msg("event rejected")

	payload, _ := event.Encode(evt)
	out := CoreOutput{Rejection: &Rejection{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Source:         evt.Source(),
		SourceSequence: evt.SourceSequence(),
		Timestamp:      evt.OccurredAt(),
		Kind:           kind,
		Reason:         err.Error(),
		Payload:        payload,
	}}
	if c.persistChan != nil {
		c.persistChan <- out
	}
}

func (c *DeterministicCore) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// GetSequence returns the last applied global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence - 1
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.chain.tip
}

// LastTimestamp is the ledger clock: the latest event time applied.
func (c *DeterministicCore) LastTimestamp() int64 {
	return c.lastTimestamp
}
