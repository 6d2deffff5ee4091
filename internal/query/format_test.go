package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	a, err := FormatAmount("1500000", 6)
	require.NoError(t, err)
	require.Equal(t, "1500000", a.Raw)
	require.Equal(t, "1.5", a.Display)

	a, err = FormatAmount("", 18)
	require.NoError(t, err)
	require.Equal(t, "0", a.Display)

	a, err = FormatAmount("123456789012345678901234567890", 18)
	require.NoError(t, err)
	require.Equal(t, "123456789012.34567890123456789", a.Display)

	_, err = FormatAmount("12.5", 2)
	require.Error(t, err)
	_, err = FormatAmount("abc", 2)
	require.Error(t, err)
}

func TestFormatPrice(t *testing.T) {
	p, err := FormatPrice("1050000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1.05", p.Display)
}

func TestPriceChange(t *testing.T) {
	bps, err := PriceChange("1000000000000000000", "1050000000000000000")
	require.NoError(t, err)
	require.Equal(t, int64(500), bps)

	bps, err = PriceChange("1000000000000000000", "990000000000000000")
	require.NoError(t, err)
	require.Equal(t, int64(-100), bps)

	bps, err = PriceChange("0", "1")
	require.NoError(t, err)
	require.Zero(t, bps)
}

func TestLikePrefix(t *testing.T) {
	require.Equal(t, "vault:a\\_b:%", likePrefix("vault:a_b:"))
	require.Equal(t, "100\\%%", likePrefix("100%"))
}
