package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/bus"
	"exchange/internal/obs"
	"exchange/internal/risk"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
)

type engineFixture struct {
	engine    *Engine
	requests  *bus.Ring[schema.ClientRequest]
	responses *bus.Ring[schema.ClientResponse]
	updates   *bus.Ring[schema.MarketUpdate]
	metrics   *obs.Metrics
}

func newEngineFixture(t *testing.T, rc risk.Config) *engineFixture {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.AddSymbol("AAA", schema.ScaleSpec{PriceScale: 2})
	require.NoError(t, err)
	_, err = reg.AddSymbol("BBB", schema.ScaleSpec{PriceScale: 2})
	require.NoError(t, err)

	f := &engineFixture{
		requests:  bus.NewRing[schema.ClientRequest](64),
		responses: bus.NewRing[schema.ClientResponse](256),
		updates:   bus.NewRing[schema.MarketUpdate](256),
		metrics:   obs.NewMetrics(),
	}
	f.engine, err = NewEngine(Config{CPU: affinity.NoCPU}, reg, risk.NewEngine(rc), f.metrics, f.requests, f.responses, f.updates)
	require.NoError(t, err)
	return f
}

func (f *engineFixture) drain() ([]schema.ClientResponse, []schema.MarketUpdate) {
	var rsps []schema.ClientResponse
	var upds []schema.MarketUpdate
	f.responses.Drain(func(r *schema.ClientResponse) { rsps = append(rsps, *r) })
	f.updates.Drain(func(u *schema.MarketUpdate) { upds = append(upds, *u) })
	return rsps, upds
}

func newOrder(client schema.ClientID, id schema.OrderID, side schema.OrderSide, price schema.Price, qty schema.Quantity) *schema.ClientRequest {
	return &schema.ClientRequest{Type: schema.RequestNew, ClientID: client, OrderID: id, SymbolID: 1, Side: side, Price: price, Qty: qty}
}

func TestEngineRejectsInvalidNew(t *testing.T) {
	tests := []struct {
		name   string
		req    *schema.ClientRequest
		reason schema.RejectReason
	}{
		{name: "unknown symbol", req: &schema.ClientRequest{Type: schema.RequestNew, ClientID: 1, OrderID: 1, SymbolID: 9, Side: schema.OrderSideBuy, Price: 1, Qty: 1}, reason: schema.ReasonUnknownSymbol},
		{name: "zero symbol", req: &schema.ClientRequest{Type: schema.RequestNew, ClientID: 1, OrderID: 1, Side: schema.OrderSideBuy, Price: 1, Qty: 1}, reason: schema.ReasonUnknownSymbol},
		{name: "bad side", req: newOrder(1, 1, schema.OrderSideUnknown, 1, 1), reason: schema.ReasonInvalidSide},
		{name: "zero price", req: newOrder(1, 1, schema.OrderSideBuy, 0, 1), reason: schema.ReasonInvalidPrice},
		{name: "negative price", req: newOrder(1, 1, schema.OrderSideBuy, -5, 1), reason: schema.ReasonInvalidPrice},
		{name: "zero qty", req: newOrder(1, 1, schema.OrderSideBuy, 1, 0), reason: schema.ReasonInvalidQty},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t, risk.Config{})
			f.engine.Process(tc.req)
			rsps, upds := f.drain()
			require.Len(t, rsps, 1)
			assert.Equal(t, schema.ResponseRejected, rsps[0].Type)
			assert.Equal(t, tc.reason, rsps[0].Reason)
			assert.Empty(t, upds)
		})
	}
}

func TestEngineDuplicateAndRiskReject(t *testing.T) {
	f := newEngineFixture(t, risk.Config{Default: risk.Limits{MaxOrderQty: 100}})
	f.engine.Process(newOrder(1, 1, schema.OrderSideBuy, 100, 10))
	f.drain()

	f.engine.Process(newOrder(1, 1, schema.OrderSideBuy, 100, 10))
	rsps, _ := f.drain()
	require.Len(t, rsps, 1)
	assert.Equal(t, schema.ReasonDuplicateOrder, rsps[0].Reason)

	f.engine.Process(newOrder(1, 2, schema.OrderSideBuy, 100, 101))
	rsps, upds := f.drain()
	require.Len(t, rsps, 1)
	assert.Equal(t, schema.ReasonMaxQty, rsps[0].Reason)
	assert.Empty(t, upds)

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Reasons["DUPLICATE_ORDER"])
	assert.Equal(t, uint64(1), snap.Reasons["MAX_QTY"])
}

func TestEngineAssignsMarketOrderIDsAcrossSymbols(t *testing.T) {
	f := newEngineFixture(t, risk.Config{})
	f.engine.Process(newOrder(1, 1, schema.OrderSideBuy, 100, 1))
	other := newOrder(1, 1, schema.OrderSideBuy, 100, 1)
	other.SymbolID = 2
	f.engine.Process(other)

	rsps, _ := f.drain()
	require.Len(t, rsps, 2)
	assert.Equal(t, schema.OrderID(1), rsps[0].MarketOrderID)
	assert.Equal(t, schema.OrderID(2), rsps[1].MarketOrderID)
}

func TestEngineCancelUnknownSymbol(t *testing.T) {
	f := newEngineFixture(t, risk.Config{})
	f.engine.Process(&schema.ClientRequest{Type: schema.RequestCancel, ClientID: 1, OrderID: 3, SymbolID: 42})
	rsps, _ := f.drain()
	require.Len(t, rsps, 1)
	assert.Equal(t, schema.ResponseCancelRejected, rsps[0].Type)
}

func TestEngineTracksLastTradeAndPositions(t *testing.T) {
	f := newEngineFixture(t, risk.Config{Default: risk.Limits{MaxPriceDeviationBps: 1000}})
	f.engine.Process(newOrder(1, 1, schema.OrderSideSell, 100, 5))
	f.engine.Process(newOrder(2, 1, schema.OrderSideBuy, 100, 5))
	f.drain()
	assert.Equal(t, schema.Price(100), f.engine.LastTrade(1))
	assert.Equal(t, schema.Quantity(5), f.engine.risk.Position(2, 1))
	assert.Equal(t, schema.Quantity(-5), f.engine.risk.Position(1, 1))

	f.engine.Process(newOrder(2, 2, schema.OrderSideBuy, 200, 1))
	rsps, _ := f.drain()
	require.Len(t, rsps, 1)
	assert.Equal(t, schema.ReasonPriceBand, rsps[0].Reason)
}

func TestEngineOverflowHook(t *testing.T) {
	reg := schema.NewRegistry()
	_, _ = reg.AddSymbol("AAA", schema.ScaleSpec{})
	responses := bus.NewRing[schema.ClientResponse](1)
	e, err := NewEngine(Config{CPU: affinity.NoCPU}, reg, nil, nil,
		bus.NewRing[schema.ClientRequest](4), responses, bus.NewRing[schema.MarketUpdate](4))
	require.NoError(t, err)

	var overflowed []string
	e.OnOverflow = func(q string) { overflowed = append(overflowed, q) }

	e.Process(newOrder(1, 1, schema.OrderSideBuy, 0, 1))
	e.Process(newOrder(1, 2, schema.OrderSideBuy, 0, 1))
	assert.Equal(t, []string{"responses"}, overflowed)
	assert.Equal(t, 1, responses.Len())
}

func TestEngineThreadDrainsOnStop(t *testing.T) {
	f := newEngineFixture(t, risk.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.Start(ctx)
	require.NoError(t, f.requests.TryPush(*newOrder(1, 1, schema.OrderSideSell, 100, 5)))
	require.NoError(t, f.requests.TryPush(*newOrder(2, 1, schema.OrderSideBuy, 100, 5)))

	require.Eventually(t, func() bool { return f.requests.Empty() }, time.Second, time.Millisecond)
	f.engine.Stop()
	f.engine.Wait()

	rsps, upds := f.drain()
	assert.Len(t, rsps, 4)
	require.NotEmpty(t, upds)
	assert.Equal(t, schema.UpdateTrade, upds[1].Type)
}
