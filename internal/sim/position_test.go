package sim

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/codec"
	"exchange/internal/schema"
)

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func filled(symbol schema.SymbolID, side schema.OrderSide, price schema.Price, qty schema.Quantity) schema.ClientResponse {
	return schema.ClientResponse{Type: schema.ResponseFilled, SymbolID: symbol, Side: side, Price: price, ExecQty: qty}
}

func TestPositionsOpenCloseAndFlip(t *testing.T) {
	k := NewPositions()

	k.OnFill(filled(1, schema.OrderSideBuy, 100, 10))
	k.OnFill(filled(1, schema.OrderSideBuy, 110, 10))
	p := k.Position(1)
	assert.Equal(t, int64(20), p.Net)
	requireDecimal(t, "105", p.EntryPrice())
	requireDecimal(t, "100", p.Unrealized)

	k.OnFill(filled(1, schema.OrderSideSell, 120, 5))
	p = k.Position(1)
	assert.Equal(t, int64(15), p.Net)
	requireDecimal(t, "75", p.Realized)
	requireDecimal(t, "225", p.Unrealized)
	requireDecimal(t, "105", p.EntryPrice())

	k.OnQuote(1, 100, 102)
	p = k.Position(1)
	requireDecimal(t, "-60", p.Unrealized)
	requireDecimal(t, "15", p.Total())

	// selling through the long flips it short at the fill price
	k.OnFill(filled(1, schema.OrderSideSell, 90, 25))
	p = k.Position(1)
	assert.Equal(t, int64(-10), p.Net)
	requireDecimal(t, "-150", p.Realized)
	requireDecimal(t, "90", p.EntryPrice())
	requireDecimal(t, "0", p.Unrealized)

	k.OnFill(filled(1, schema.OrderSideBuy, 80, 10))
	p = k.Position(1)
	assert.Equal(t, int64(0), p.Net)
	assert.Equal(t, schema.Quantity(60), p.Volume)
	requireDecimal(t, "-50", p.Realized)
	requireDecimal(t, "0", p.Unrealized)
	requireDecimal(t, "0", p.EntryPrice())

	// a flat position ignores quotes
	k.OnQuote(1, 1, 2)
	requireDecimal(t, "0", k.Position(1).Unrealized)
}

func TestPositionsIgnoresOtherResponses(t *testing.T) {
	k := NewPositions()
	k.OnFill(schema.ClientResponse{Type: schema.ResponseAccepted, SymbolID: 1, Side: schema.OrderSideBuy, Price: 10, LeavesQty: 5})
	k.OnFill(schema.ClientResponse{Type: schema.ResponseFilled, SymbolID: 1, Price: 10, ExecQty: 5})
	assert.Equal(t, Position{Symbol: 1}, k.Position(1))

	k.OnFill(filled(1, schema.OrderSideSell, 50, 2))
	k.OnFill(filled(2, schema.OrderSideBuy, 7, 3))
	// one-sided quotes do not mark
	k.OnQuote(1, 0, 40)
	requireDecimal(t, "0", k.Position(1).Unrealized)

	pnl, volume := k.Total()
	requireDecimal(t, "0", pnl)
	assert.Equal(t, schema.Quantity(5), volume)
	assert.Contains(t, k.String(), "symbol 1: pos -2")
	assert.Contains(t, k.String(), "symbol 2: pos 3")
}

func TestDriverBooksFills(t *testing.T) {
	g, err := NewGenerator(Config{Symbols: []schema.SymbolID{1}})
	require.NoError(t, err)
	d := NewDriver(DriverConfig{}, g, &fakeOrders{})

	ch := make(chan codec.ResponseFrame, 4)
	ch <- codec.ResponseFrame{Response: filled(1, schema.OrderSideBuy, 100, 4)}
	ch <- codec.ResponseFrame{Response: filled(1, schema.OrderSideSell, 103, 1)}
	close(ch)
	d.Consume(t.Context(), ch)

	p := d.Positions().Position(1)
	assert.Equal(t, int64(3), p.Net)
	requireDecimal(t, "3", p.Realized)
	requireDecimal(t, "9", p.Unrealized)
}

type fakeQuotes map[schema.OrderSide][2]int64

func (q fakeQuotes) BestBid(schema.SymbolID) (schema.Price, schema.Quantity, bool) {
	v, ok := q[schema.OrderSideBuy]
	return schema.Price(v[0]), schema.Quantity(v[1]), ok
}

func (q fakeQuotes) BestAsk(schema.SymbolID) (schema.Price, schema.Quantity, bool) {
	v, ok := q[schema.OrderSideSell]
	return schema.Price(v[0]), schema.Quantity(v[1]), ok
}

func update(typ schema.UpdateType, side schema.OrderSide, qty schema.Quantity) schema.SequencedUpdate {
	return schema.SequencedUpdate{Update: schema.MarketUpdate{Type: typ, SymbolID: 1, Side: side, Qty: qty}}
}

func TestFeatures(t *testing.T) {
	quotes := fakeQuotes{schema.OrderSideBuy: {100, 30}}
	f := NewFeatures(quotes)

	f.OnUpdate(update(schema.UpdateAdd, schema.OrderSideBuy, 30))
	f.OnUpdate(update(schema.UpdateTrade, schema.OrderSideSell, 5))
	assert.Equal(t, Signal{}, f.Signal(1), "one-sided book has no features")

	quotes[schema.OrderSideSell] = [2]int64{102, 10}
	f.OnUpdate(update(schema.UpdateAdd, schema.OrderSideSell, 10))
	s := f.Signal(1)
	require.True(t, s.HasFair)
	requireDecimal(t, "101.5", s.FairPrice)
	assert.False(t, s.HasRatio)

	f.OnUpdate(update(schema.UpdateTrade, schema.OrderSideBuy, 4))
	requireDecimal(t, "0.4", f.Signal(1).AggressiveRatio)
	f.OnUpdate(update(schema.UpdateTrade, schema.OrderSideSell, 15))
	requireDecimal(t, "0.5", f.Signal(1).AggressiveRatio)

	// a trade does not move the fair price
	quotes[schema.OrderSideSell] = [2]int64{104, 30}
	f.OnUpdate(update(schema.UpdateTrade, schema.OrderSideBuy, 3))
	requireDecimal(t, "101.5", f.Signal(1).FairPrice)
	requireDecimal(t, "0.1", f.Signal(1).AggressiveRatio)
	f.OnUpdate(update(schema.UpdateModify, schema.OrderSideSell, 30))
	requireDecimal(t, "102", f.Signal(1).FairPrice)
}
