// Package fees prices vault shares and accrues management and performance
// fees against a high-water mark with a hurdle rate.
package fees

import (
	"fmt"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// State is the fee accrual state of one vault.
type State struct {
	Vault                string
	LastManagementFeeAt  int64
	LastPerformanceFeeAt int64
	Watermark            *uint256.Int
	ManagementFeeBps     uint32
	PerformanceFeeBps    uint32
	HurdleBps            uint32
	HardHurdle           bool
	TotalSupply          *uint256.Int
	FeeRecipient         string
	// Gateway vaults price 1:1 and never accrue fees.
	Gateway bool
}

func (s *State) clone() *State {
	c := *s
	c.Watermark = fpmath.Clone(s.Watermark)
	c.TotalSupply = fpmath.Clone(s.TotalSupply)
	return &c
}

// Accrued holds the unpaid fees at a point in time.
type Accrued struct {
	Management  *uint256.Int
	Performance *uint256.Int
}

// Total returns Management + Performance.
func (a Accrued) Total() (*uint256.Int, error) {
	return fpmath.Add(a.Management, a.Performance)
}

func noFees() Accrued {
	return Accrued{Management: fpmath.Zero(), Performance: fpmath.Zero()}
}

// ComputeAccruedFees is pure: it reads s and totalAssets and returns the
// fees that would be crystallized at now. Fees are never negative.
func ComputeAccruedFees(s State, totalAssets *uint256.Int, now int64) (Accrued, error) {
	if s.Gateway || fpmath.IsZero(s.TotalSupply) {
		return noFees(), nil
	}

	var mgmt *uint256.Int
	if s.LastManagementFeeAt == 0 {
		mgmt = fpmath.Zero()
	} else {
		var err error
		mgmt, err = fpmath.ProRata(totalAssets, s.ManagementFeeBps, now-s.LastManagementFeeAt)
		if err != nil {
			return Accrued{}, fmt.Errorf("management fee: %w", err)
		}
	}

	perf := fpmath.Zero()
	if s.LastPerformanceFeeAt != 0 && s.PerformanceFeeBps != 0 {
		remaining := fpmath.SaturatingSub(totalAssets, mgmt)
		watermarkAssets, err := fpmath.AssetValue(s.TotalSupply, s.Watermark)
		if err != nil {
			return Accrued{}, fmt.Errorf("watermark value: %w", err)
		}
		if remaining.Cmp(watermarkAssets) > 0 {
			profit, _ := fpmath.Sub(remaining, watermarkAssets)
			hurdle, err := fpmath.ProRata(watermarkAssets, s.HurdleBps, now-s.LastPerformanceFeeAt)
			if err != nil {
				return Accrued{}, fmt.Errorf("hurdle return: %w", err)
			}
			if profit.Cmp(hurdle) > 0 {
				applicable := profit
				if s.HardHurdle {
					applicable, _ = fpmath.Sub(profit, hurdle)
				}
				perf, err = fpmath.ApplyBps(applicable, s.PerformanceFeeBps)
				if err != nil {
					return Accrued{}, fmt.Errorf("performance fee: %w", err)
				}
			}
		}
	}

	return Accrued{Management: mgmt, Performance: perf}, nil
}

// Quote is a priced view of a vault.
type Quote struct {
	TotalAssets *uint256.Int
	TotalSupply *uint256.Int
	Gross       *uint256.Int
	Net         *uint256.Int
	Fees        Accrued
}

// QuotePrice returns gross and net share prices for totalAssets at now.
// The net price saturates at zero when accrued fees exceed the gross value.
func QuotePrice(s State, totalAssets *uint256.Int, now int64) (Quote, error) {
	q := Quote{
		TotalAssets: fpmath.Clone(totalAssets),
		TotalSupply: fpmath.Clone(s.TotalSupply),
	}
	if s.Gateway {
		q.Gross = fpmath.Clone(fpmath.PriceScale)
		q.Net = fpmath.Clone(fpmath.PriceScale)
		q.Fees = noFees()
		return q, nil
	}

	gross, err := fpmath.SharePrice(totalAssets, s.TotalSupply)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: gross price: %v", ledger.ErrBounds, err)
	}
	accrued, err := ComputeAccruedFees(s, totalAssets, now)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ledger.ErrBounds, err)
	}
	total, err := accrued.Total()
	if err != nil {
		return Quote{}, fmt.Errorf("%w: fee total: %v", ledger.ErrBounds, err)
	}
	perShare, err := fpmath.PerShare(total, s.TotalSupply)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: fee per share: %v", ledger.ErrBounds, err)
	}

	q.Gross = gross
	q.Net = fpmath.SaturatingSub(gross, perShare)
	q.Fees = accrued
	return q, nil
}
