package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Amounts are unsigned 256-bit integers in the asset's smallest unit.
// Share prices are WAD-scaled: PriceScale == 1.0 asset per share.
const (
	PriceDecimals  = 18
	BpsDenominator = 10_000
	SecondsPerYear = 31_536_000
)

var (
	// PriceScale is 10^18.
	PriceScale = uint256.NewInt(1_000_000_000_000_000_000)

	// VirtualOffset is added to both total assets and total supply when
	// pricing shares, so a donation to an empty vault cannot move the price
	// far enough to round a victim's deposit down to zero shares.
	VirtualOffset = uint256.NewInt(1_000_000)

	bpsDenominator = uint256.NewInt(BpsDenominator)
	secondsPerYear = uint256.NewInt(SecondsPerYear)
)

var ErrOverflow = errors.New("uint256 overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// Zero returns a fresh zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// FromUint64 returns a fresh amount.
func FromUint64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return Zero()
	}
	return new(uint256.Int).Set(x)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return Zero(), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// String renders x in base 10, treating nil as zero.
func String(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// Add returns x + y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(Clone(x), Clone(y))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y, or ok=false when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, bool) {
	z, underflow := new(uint256.Int).SubOverflow(Clone(x), Clone(y))
	if underflow {
		return nil, false
	}
	return z, true
}

// SaturatingSub returns max(x - y, 0).
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	z, ok := Sub(x, y)
	if !ok {
		return Zero()
	}
	return z
}

// MulDiv computes x * y / d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, errors.New("division by zero")
	}
	xv, yv := Clone(x), Clone(y)

	quotient, overflow := new(uint256.Int).MulDivOverflow(xv, yv, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundDown {
		return quotient, nil
	}

	// remainder = x*y mod d
	remainder := new(uint256.Int).MulMod(xv, yv, d)
	if remainder.IsZero() {
		return quotient, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// compare 2*remainder against d without overflowing
		half := new(uint256.Int).Rsh(d, 1)
		cmp := remainder.Cmp(half)
		oddDenominator := d.Uint64()&1 == 1
		switch {
		case cmp > 0:
			roundUp = true
		case cmp == 0 && oddDenominator:
			roundUp = true
		case cmp == 0:
			roundUp = quotient.Uint64()&1 == 1
		}
	}

	if roundUp {
		if _, overflow := quotient.AddOverflow(quotient, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return quotient, nil
}

// ApplyBps computes amount * bps / 10000, rounded down.
func ApplyBps(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(uint64(bps)), bpsDenominator, RoundDown)
}

// ProRata computes amount * bps * elapsed / secondsPerYear / 10000, rounded
// down. Used for both the management fee and the hurdle return.
func ProRata(amount *uint256.Int, bps uint32, elapsedSeconds int64) (*uint256.Int, error) {
	if elapsedSeconds <= 0 || bps == 0 || IsZero(amount) {
		return Zero(), nil
	}
	rate := new(uint256.Int).Mul(uint256.NewInt(uint64(bps)), uint256.NewInt(uint64(elapsedSeconds)))
	denominator := new(uint256.Int).Mul(secondsPerYear, bpsDenominator)
	return MulDiv(amount, rate, denominator, RoundDown)
}

// Min returns the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return Clone(x)
	}
	return Clone(y)
}
