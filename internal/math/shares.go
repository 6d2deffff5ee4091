package math

import (
	"errors"

	"github.com/holiman/uint256"
)

var ErrZeroPrice = errors.New("share price is zero")

// SharePrice returns (assets + offset) * PriceScale / (supply + offset).
func SharePrice(totalAssets, totalSupply *uint256.Int) (*uint256.Int, error) {
	numerator, err := Add(totalAssets, VirtualOffset)
	if err != nil {
		return nil, err
	}
	denominator, err := Add(totalSupply, VirtualOffset)
	if err != nil {
		return nil, err
	}
	return MulDiv(numerator, PriceScale, denominator, RoundDown)
}

// PerShare returns the per-share value of amount: amount * PriceScale / (supply + offset).
func PerShare(amount, totalSupply *uint256.Int) (*uint256.Int, error) {
	denominator, err := Add(totalSupply, VirtualOffset)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount, PriceScale, denominator, RoundDown)
}

// AssetsToShares converts at a fixed price, rounding in the vault's favour.
func AssetsToShares(assets, price *uint256.Int) (*uint256.Int, error) {
	if IsZero(price) {
		return nil, ErrZeroPrice
	}
	return MulDiv(assets, PriceScale, price, RoundDown)
}

// SharesToAssets converts at a fixed price, rounding in the vault's favour.
func SharesToAssets(shares, price *uint256.Int) (*uint256.Int, error) {
	return MulDiv(shares, price, PriceScale, RoundDown)
}

// AssetValue returns supply * price / PriceScale, the asset value implied by a price.
func AssetValue(supply, price *uint256.Int) (*uint256.Int, error) {
	return MulDiv(supply, price, PriceScale, RoundDown)
}
