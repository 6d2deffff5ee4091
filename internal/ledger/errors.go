package ledger

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by a mutating operation wraps
// exactly one of these.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidState   = errors.New("invalid state")
	ErrBounds         = errors.New("bounds violation")
	ErrReconciliation = errors.New("reconciliation failure")
)

var (
	ErrUnknownVault      = fmt.Errorf("%w: unknown vault", ErrInvalidState)
	ErrUnknownAsset      = fmt.Errorf("%w: unknown asset", ErrInvalidState)
	ErrBatchNotFound     = fmt.Errorf("%w: batch not found", ErrInvalidState)
	ErrBatchNotOpen      = fmt.Errorf("%w: batch not open", ErrInvalidState)
	ErrBatchNotClosed    = fmt.Errorf("%w: batch not closed", ErrInvalidState)
	ErrBatchNotSettled   = fmt.Errorf("%w: batch not settled", ErrInvalidState)
	ErrBatchAlreadyOpen  = fmt.Errorf("%w: batch already open", ErrInvalidState)
	ErrProposalNotFound  = fmt.Errorf("%w: proposal not found", ErrInvalidState)
	ErrProposalExists    = fmt.Errorf("%w: live proposal exists", ErrInvalidState)
	ErrProposalRejected  = fmt.Errorf("%w: proposal rejected", ErrInvalidState)
	ErrProposalExecuted  = fmt.Errorf("%w: proposal already executed", ErrInvalidState)
	ErrTimelockActive    = fmt.Errorf("%w: timelock active", ErrInvalidState)
	ErrTimelockElapsed   = fmt.Errorf("%w: timelock elapsed", ErrInvalidState)
	ErrRequestNotFound   = fmt.Errorf("%w: request not found", ErrInvalidState)
	ErrRequestNotPending = fmt.Errorf("%w: request not pending", ErrInvalidState)
	ErrReentrantCall     = fmt.Errorf("%w: reentrant call", ErrInvalidState)
	ErrHandleClaimed     = fmt.Errorf("%w: capability handle already claimed", ErrInvalidState)

	ErrZeroAmount       = fmt.Errorf("%w: amount must be positive", ErrBounds)
	ErrMintCapExceeded  = fmt.Errorf("%w: mint cap exceeded", ErrBounds)
	ErrRedeemCapExceed  = fmt.Errorf("%w: redeem cap exceeded", ErrBounds)
	ErrCooldownRange    = fmt.Errorf("%w: cooldown out of range", ErrBounds)
	ErrPayoutExceeded   = fmt.Errorf("%w: payout exceeds settled amount", ErrBounds)
	ErrReleaseExceeded  = fmt.Errorf("%w: release exceeds recorded amount", ErrBounds)
	ErrInsufficientFree = fmt.Errorf("%w: insufficient free shares", ErrBounds)
	ErrInsufficientVB   = fmt.Errorf("%w: insufficient virtual balance", ErrReconciliation)
	ErrInsufficientHeld = fmt.Errorf("%w: insufficient custodied balance", ErrReconciliation)
)

// ErrorKind classifies an error for transport status mapping.
type ErrorKind uint8

const (
	KindInternal ErrorKind = iota
	KindUnauthorized
	KindInvalidState
	KindBounds
	KindReconciliation
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidState:
		return "invalid_state"
	case KindBounds:
		return "bounds"
	case KindReconciliation:
		return "reconciliation"
	default:
		return "internal"
	}
}

// KindOf returns the category err belongs to.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrBounds):
		return KindBounds
	case errors.Is(err, ErrReconciliation):
		return KindReconciliation
	default:
		return KindInternal
	}
}
