package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	id, err := r.AddSymbol("BTC-USD", ScaleSpec{PriceScale: 2})
	require.NoError(t, err)
	require.Equal(t, SymbolID(1), id)

	id2, err := r.AddSymbol("ETH-USD", ScaleSpec{PriceScale: 2})
	require.NoError(t, err)
	require.Equal(t, SymbolID(2), id2)

	_, err = r.AddSymbol("BTC-USD", ScaleSpec{})
	require.Error(t, err)
	_, err = r.AddSymbol("", ScaleSpec{})
	require.Error(t, err)

	sym, ok := r.Symbol(2)
	require.True(t, ok)
	assert.Equal(t, "ETH-USD", sym.Name)

	_, ok = r.Symbol(0)
	assert.False(t, ok)
	_, ok = r.Symbol(3)
	assert.False(t, ok)
	assert.True(t, r.Has(1))
	assert.False(t, r.Has(9))

	got, ok := r.SymbolIDByName("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, 2, r.SymbolCount())

	all, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, []SymbolID{1, 2}, all)
	some, err := r.Resolve([]string{"ETH-USD"})
	require.NoError(t, err)
	assert.Equal(t, []SymbolID{2}, some)
	_, err = r.Resolve([]string{"DOGE-USD"})
	assert.Error(t, err)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in    string
		scale Scale
		want  Price
		err   bool
	}{
		{in: "100", scale: 2, want: 10000},
		{in: "100.25", scale: 2, want: 10025},
		{in: "0.5", scale: 1, want: 5},
		{in: "100.255", scale: 2, err: true},
		{in: "abc", scale: 2, err: true},
		{in: "-1.5", scale: 1, want: -15},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePrice(tc.in, tc.scale)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "100.25", FormatPrice(10025, 2))
	assert.Equal(t, "7", FormatPrice(7, 0))
	assert.Equal(t, "0.05", FormatPrice(5, 2))
}

func TestParseQuantity(t *testing.T) {
	q, err := ParseQuantity("42")
	require.NoError(t, err)
	assert.Equal(t, Quantity(42), q)

	_, err = ParseQuantity("1.5")
	require.Error(t, err)
	_, err = ParseQuantity("-1")
	require.Error(t, err)
	_, err = ParseQuantity("4294967296")
	require.Error(t, err)
}

func TestEnumAvailability(t *testing.T) {
	assert.True(t, OrderSideBuy.IsAvailable())
	assert.False(t, OrderSideUnknown.IsAvailable())
	assert.False(t, OrderSide(9).IsAvailable())
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.True(t, RequestCancel.IsAvailable())
	assert.False(t, RequestType(3).IsAvailable())
	assert.True(t, UpdateSnapshotEnd.IsAvailable())
	assert.Equal(t, "CANCEL_REJECTED", ResponseCancelRejected.String())
	assert.Equal(t, "OUT_OF_SEQUENCE", ReasonOutOfSequence.String())
}
