package matcher

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/schema"
)

type recorder struct {
	responses []schema.ClientResponse
	updates   []schema.MarketUpdate
	seq       []string
}

func (r *recorder) OnResponse(rsp *schema.ClientResponse) {
	r.responses = append(r.responses, *rsp)
	r.seq = append(r.seq, "R:"+rsp.Type.String())
}

func (r *recorder) OnUpdate(u *schema.MarketUpdate) {
	r.updates = append(r.updates, *u)
	r.seq = append(r.seq, "U:"+u.Type.String())
}

func (r *recorder) reset() {
	r.responses, r.updates, r.seq = nil, nil, nil
}

func newTestBook() (*OrderBook, *recorder) {
	rec := &recorder{}
	return NewOrderBook(1, rec, 16), rec
}

func TestFullFill(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideSell, 100, 10)
	rec.reset()

	leaves := b.Add(2, 1, 2, schema.OrderSideBuy, 100, 10)
	require.Zero(t, leaves)

	require.Equal(t, []string{"R:ACCEPTED", "R:FILLED", "R:FILLED", "U:TRADE", "U:CANCEL"}, rec.seq)

	aggressor := rec.responses[1]
	assert.Equal(t, schema.ClientID(2), aggressor.ClientID)
	assert.Equal(t, schema.Quantity(10), aggressor.ExecQty)
	assert.Equal(t, schema.Quantity(0), aggressor.LeavesQty)
	assert.Equal(t, schema.Price(100), aggressor.Price)

	resting := rec.responses[2]
	assert.Equal(t, schema.ClientID(1), resting.ClientID)
	assert.Equal(t, schema.OrderID(1), resting.MarketOrderID)
	assert.Equal(t, schema.Quantity(0), resting.LeavesQty)

	trade := rec.updates[0]
	assert.Equal(t, schema.Price(100), trade.Price)
	assert.Equal(t, schema.Quantity(10), trade.Qty)
	assert.Equal(t, schema.OrderSideBuy, trade.Side)

	assert.Equal(t, schema.OrderID(1), rec.updates[1].OrderID)
	assert.Zero(t, b.Len())
	_, ok := b.BestAsk()
	assert.False(t, ok)
}

func TestCancelAndDoubleCancel(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 7, 1, schema.OrderSideBuy, 99, 5)
	rec.reset()

	require.True(t, b.Cancel(1, 7))
	require.Equal(t, []string{"U:CANCEL", "R:CANCELED"}, rec.seq)
	assert.Equal(t, schema.Quantity(5), rec.responses[0].LeavesQty)
	assert.Equal(t, schema.OrderID(1), rec.updates[0].OrderID)
	assert.Zero(t, b.Len())

	rec.reset()
	require.False(t, b.Cancel(1, 7))
	require.Equal(t, []string{"R:CANCEL_REJECTED"}, rec.seq)
	assert.Empty(t, rec.updates)
	assert.Equal(t, schema.OrderID(7), rec.responses[0].ClientOrderID)
}

func TestCancelOtherClientsOrderRejected(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 7, 1, schema.OrderSideBuy, 99, 5)
	rec.reset()

	require.False(t, b.Cancel(2, 7))
	require.Equal(t, 1, b.Len())
}

func TestPartialFillThenRest(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideSell, 101, 4)
	rec.reset()

	leaves := b.Add(2, 1, 2, schema.OrderSideBuy, 102, 10)
	require.Equal(t, schema.Quantity(6), leaves)
	require.Equal(t, []string{"R:ACCEPTED", "R:FILLED", "R:FILLED", "U:TRADE", "U:CANCEL", "U:ADD"}, rec.seq)

	assert.Equal(t, schema.Price(101), rec.updates[0].Price)
	add := rec.updates[2]
	assert.Equal(t, schema.OrderID(2), add.OrderID)
	assert.Equal(t, schema.Price(102), add.Price)
	assert.Equal(t, schema.Quantity(6), add.Qty)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, Level{Price: 102, Qty: 6, Orders: 1}, bid)
}

func TestRestingReducedEmitsModify(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideBuy, 100, 10)
	rec.reset()

	b.Add(2, 1, 2, schema.OrderSideSell, 90, 3)
	require.Equal(t, []string{"R:ACCEPTED", "R:FILLED", "R:FILLED", "U:TRADE", "U:MODIFY"}, rec.seq)
	mod := rec.updates[1]
	assert.Equal(t, schema.Quantity(7), mod.Qty)
	assert.Equal(t, schema.Priority(1), mod.Priority)
	assert.Equal(t, schema.Price(100), rec.updates[0].Price)
}

func TestPriceTimePriority(t *testing.T) {
	b, rec := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideSell, 101, 5)
	b.Add(1, 2, 2, schema.OrderSideSell, 100, 5)
	b.Add(2, 3, 3, schema.OrderSideSell, 100, 5)
	rec.reset()

	b.Add(3, 1, 4, schema.OrderSideBuy, 101, 12)

	var makers []schema.OrderID
	for i, rsp := range rec.responses {
		if rsp.Type == schema.ResponseFilled && i%2 == 0 {
			makers = append(makers, rsp.MarketOrderID)
		}
	}
	require.Equal(t, []schema.OrderID{2, 3, 1}, makers)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, Level{Price: 101, Qty: 3, Orders: 1}, ask)
}

func TestPriorityWithinLevel(t *testing.T) {
	b, _ := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideBuy, 100, 1)
	b.Add(1, 2, 2, schema.OrderSideBuy, 100, 1)
	b.Add(1, 3, 3, schema.OrderSideBuy, 99, 1)

	var prios []schema.Priority
	b.Orders(func(o Order) { prios = append(prios, o.Priority) })
	assert.Equal(t, []schema.Priority{1, 2, 1}, prios)
}

func TestDepthAndArenaReuse(t *testing.T) {
	b, _ := newTestBook()
	b.Add(1, 1, 1, schema.OrderSideBuy, 100, 1)
	b.Add(1, 2, 2, schema.OrderSideBuy, 100, 2)
	b.Add(1, 3, 3, schema.OrderSideBuy, 98, 1)
	b.Add(1, 4, 4, schema.OrderSideSell, 103, 5)
	b.Add(1, 5, 5, schema.OrderSideSell, 105, 5)

	bids, asks := b.Depth(5)
	assert.Equal(t, []Level{{Price: 100, Qty: 3, Orders: 2}, {Price: 98, Qty: 1, Orders: 1}}, bids)
	assert.Equal(t, []Level{{Price: 103, Qty: 5, Orders: 1}, {Price: 105, Qty: 5, Orders: 1}}, asks)

	bids, asks = b.Depth(1)
	assert.Equal(t, []Level{{Price: 100, Qty: 3, Orders: 2}}, bids)
	assert.Equal(t, []Level{{Price: 103, Qty: 5, Orders: 1}}, asks)
	for _, n := range []int{0, -1, math.MinInt} {
		bids, asks = b.Depth(n)
		assert.Empty(t, bids, "depth %d", n)
		assert.Empty(t, asks, "depth %d", n)
	}

	slots := len(b.arena.orders)
	require.True(t, b.Cancel(1, 1))
	b.Add(1, 6, 6, schema.OrderSideBuy, 97, 1)
	assert.Equal(t, slots, len(b.arena.orders))
	assert.Contains(t, b.String(), "BID 100 x 2 (1)")
}

// TestRandomFlowInvariants drives a random order stream and checks after each
// request that the book is uncrossed, trades print at the resting price and
// quantity is conserved.
func TestRandomFlowInvariants(t *testing.T) {
	b, rec := newTestBook()
	rng := rand.New(rand.NewSource(42))
	var nextID schema.OrderID = 1

	live := map[orderKey]bool{}
	var submitted, filled, canceled, resting int64

	for i := 0; i < 5000; i++ {
		rec.reset()
		client := schema.ClientID(rng.Intn(4) + 1)
		coid := schema.OrderID(i + 1)

		if rng.Intn(4) == 0 && len(live) > 0 {
			for k := range live {
				b.Cancel(k.client, k.order)
				delete(live, k)
				break
			}
		} else {
			side := schema.OrderSideBuy
			if rng.Intn(2) == 0 {
				side = schema.OrderSideSell
			}
			price := schema.Price(95 + rng.Intn(11))
			qty := schema.Quantity(rng.Intn(20) + 1)
			submitted += int64(qty)

			restingBefore := map[schema.OrderID]schema.Price{}
			b.Orders(func(o Order) { restingBefore[o.MarketOrderID] = o.Price })

			if b.Add(client, coid, nextID, side, price, qty) > 0 {
				live[orderKey{client: client, order: coid}] = true
			}
			nextID++

			for j := 1; j+1 < len(rec.responses); j += 2 {
				aggr, maker := rec.responses[j], rec.responses[j+1]
				require.Equal(t, aggr.ExecQty, maker.ExecQty)
				require.Equal(t, restingBefore[maker.MarketOrderID], aggr.Price)
				if side == schema.OrderSideBuy {
					require.LessOrEqual(t, aggr.Price, price)
				} else {
					require.GreaterOrEqual(t, aggr.Price, price)
				}
			}
		}

		for _, rsp := range rec.responses {
			switch rsp.Type {
			case schema.ResponseFilled:
				filled += int64(rsp.ExecQty)
			case schema.ResponseCanceled:
				canceled += int64(rsp.LeavesQty)
			}
		}
		for k := range live {
			if !b.Has(k.client, k.order) {
				delete(live, k)
			}
		}

		bid, okBid := b.BestBid()
		ask, okAsk := b.BestAsk()
		if okBid && okAsk {
			require.Less(t, bid.Price, ask.Price)
		}
	}

	resting = 0
	b.Orders(func(o Order) { resting += int64(o.Qty) })
	// every fill is reported twice, once per side
	require.Equal(t, submitted, filled+canceled+resting)
}

func BenchmarkAddCancel(b *testing.B) {
	book := NewOrderBook(1, &discard{}, 1024)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		id := schema.OrderID(i)
		book.Add(1, id, id, schema.OrderSideBuy, schema.Price(100+i%16), 1)
		book.Cancel(1, id)
	}
}

type discard struct{}

func (discard) OnResponse(*schema.ClientResponse) {}
func (discard) OnUpdate(*schema.MarketUpdate)     {}
