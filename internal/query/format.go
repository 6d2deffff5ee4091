package query

import (
	"fmt"

	fpmath "VaultLedger/internal/math"

	"github.com/shopspring/decimal"
)

// Amount pairs a raw integer amount with its human-readable form.
type Amount struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

// FormatAmount renders a base-unit integer string with decimals places,
// e.g. "1500000" at 6 decimals is "1.5".
func FormatAmount(raw string, decimals uint8) (Amount, error) {
	if raw == "" {
		raw = "0"
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("amount %q: %w", raw, err)
	}
	if !d.IsInteger() {
		return Amount{}, fmt.Errorf("amount %q is not an integer", raw)
	}
	return Amount{Raw: raw, Display: d.Shift(-int32(decimals)).String()}, nil
}

// FormatPrice renders a WAD-scaled share price.
func FormatPrice(raw string) (Amount, error) {
	return FormatAmount(raw, fpmath.PriceDecimals)
}

// PriceChange returns the relative change between two WAD prices in basis
// points, rounded toward zero. A zero base yields zero.
func PriceChange(from, to string) (int64, error) {
	a, err := decimal.NewFromString(from)
	if err != nil {
		return 0, err
	}
	b, err := decimal.NewFromString(to)
	if err != nil {
		return 0, err
	}
	if a.IsZero() {
		return 0, nil
	}
	return b.Sub(a).Mul(decimal.NewFromInt(fpmath.BpsDenominator)).Div(a).Truncate(0).IntPart(), nil
}

func mustAmount(raw string, decimals uint8) Amount {
	a, err := FormatAmount(raw, decimals)
	if err != nil {
		return Amount{Raw: raw}
	}
	return a
}
