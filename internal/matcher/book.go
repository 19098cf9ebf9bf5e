package matcher

import (
	"fmt"
	"strings"

	"exchange/internal/schema"
)

// Emitter receives the output of an order book in emission order.
type Emitter interface {
	OnResponse(rsp *schema.ClientResponse)
	OnUpdate(u *schema.MarketUpdate)
}

type orderKey struct {
	client schema.ClientID
	order  schema.OrderID
}

// Level is an aggregated view of one price level.
type Level struct {
	Price  schema.Price
	Qty    schema.Quantity
	Orders int
}

// Order is a read-only view of a resting order.
type Order struct {
	MarketOrderID schema.OrderID
	ClientOrderID schema.OrderID
	ClientID      schema.ClientID
	Side          schema.OrderSide
	Price         schema.Price
	Qty           schema.Quantity
	Priority      schema.Priority
}

// OrderBook is a price-time priority limit order book for one symbol.
// It is not safe for concurrent use.
type OrderBook struct {
	symbol schema.SymbolID
	out    Emitter

	arena *arena
	bids  sideBook
	asks  sideBook
	byKey map[orderKey]int32

	rsp schema.ClientResponse
	upd schema.MarketUpdate
}

// NewOrderBook creates an empty book. capacity presizes the order arena.
func NewOrderBook(symbol schema.SymbolID, out Emitter, capacity int) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		out:    out,
		arena:  newArena(capacity),
		bids:   sideBook{side: schema.OrderSideBuy},
		asks:   sideBook{side: schema.OrderSideSell},
		byKey:  make(map[orderKey]int32, capacity),
	}
}

// Symbol returns the book's symbol.
func (b *OrderBook) Symbol() schema.SymbolID {
	return b.symbol
}

// Has reports whether the client has a live order with that client order id.
func (b *OrderBook) Has(client schema.ClientID, clientOrderID schema.OrderID) bool {
	_, ok := b.byKey[orderKey{client: client, order: clientOrderID}]
	return ok
}

// Add accepts a validated NEW order, matches it against the contra side and
// rests any remainder. It returns the quantity left on the book.
func (b *OrderBook) Add(client schema.ClientID, clientOrderID, marketOrderID schema.OrderID, side schema.OrderSide, price schema.Price, qty schema.Quantity) schema.Quantity {
	b.rsp = schema.ClientResponse{
		Type:          schema.ResponseAccepted,
		Side:          side,
		ClientID:      client,
		SymbolID:      b.symbol,
		ClientOrderID: clientOrderID,
		MarketOrderID: marketOrderID,
		Price:         price,
		LeavesQty:     qty,
	}
	b.out.OnResponse(&b.rsp)

	leaves := b.match(client, clientOrderID, marketOrderID, side, price, qty)
	if leaves == 0 {
		return 0
	}

	own := b.sideOf(side)
	lvl := own.getOrCreate(price)
	lvl.lastPrio++

	idx := b.arena.alloc()
	o := b.arena.at(idx)
	*o = restingOrder{
		marketOrderID: marketOrderID,
		clientOrderID: clientOrderID,
		clientID:      client,
		side:          side,
		price:         price,
		qty:           leaves,
		priority:      lvl.lastPrio,
		prev:          lvl.tail,
		next:          nilIndex,
	}
	if lvl.tail == nilIndex {
		lvl.head = idx
	} else {
		b.arena.at(lvl.tail).next = idx
	}
	lvl.tail = idx
	lvl.count++
	b.byKey[orderKey{client: client, order: clientOrderID}] = idx

	b.upd = schema.MarketUpdate{
		Type:     schema.UpdateAdd,
		Side:     side,
		SymbolID: b.symbol,
		OrderID:  marketOrderID,
		Price:    price,
		Qty:      leaves,
		Priority: o.priority,
	}
	b.out.OnUpdate(&b.upd)
	return leaves
}

func (b *OrderBook) match(client schema.ClientID, clientOrderID, marketOrderID schema.OrderID, side schema.OrderSide, price schema.Price, qty schema.Quantity) schema.Quantity {
	contra := b.sideOf(side.Opposite())
	leaves := qty
	for leaves > 0 {
		lvl := contra.best()
		if lvl == nil {
			break
		}
		if side == schema.OrderSideBuy && price < lvl.price {
			break
		}
		if side == schema.OrderSideSell && price > lvl.price {
			break
		}

		idx := lvl.head
		o := b.arena.at(idx)
		before := o.qty
		fill := min(leaves, o.qty)
		leaves -= fill
		o.qty -= fill

		b.rsp = schema.ClientResponse{
			Type:          schema.ResponseFilled,
			Side:          side,
			ClientID:      client,
			SymbolID:      b.symbol,
			ClientOrderID: clientOrderID,
			MarketOrderID: marketOrderID,
			Price:         o.price,
			ExecQty:       fill,
			LeavesQty:     leaves,
		}
		b.out.OnResponse(&b.rsp)

		b.rsp = schema.ClientResponse{
			Type:          schema.ResponseFilled,
			Side:          o.side,
			ClientID:      o.clientID,
			SymbolID:      b.symbol,
			ClientOrderID: o.clientOrderID,
			MarketOrderID: o.marketOrderID,
			Price:         o.price,
			ExecQty:       fill,
			LeavesQty:     o.qty,
		}
		b.out.OnResponse(&b.rsp)

		b.upd = schema.MarketUpdate{
			Type:     schema.UpdateTrade,
			Side:     side,
			SymbolID: b.symbol,
			Price:    o.price,
			Qty:      fill,
		}
		b.out.OnUpdate(&b.upd)

		if o.qty == 0 {
			b.upd = schema.MarketUpdate{
				Type:     schema.UpdateCancel,
				Side:     o.side,
				SymbolID: b.symbol,
				OrderID:  o.marketOrderID,
				Price:    o.price,
				Qty:      before,
			}
			b.out.OnUpdate(&b.upd)
			b.unlink(idx)
		} else {
			b.upd = schema.MarketUpdate{
				Type:     schema.UpdateModify,
				Side:     o.side,
				SymbolID: b.symbol,
				OrderID:  o.marketOrderID,
				Price:    o.price,
				Qty:      o.qty,
				Priority: o.priority,
			}
			b.out.OnUpdate(&b.upd)
		}
	}
	return leaves
}

// Cancel removes the client's order. A missing order yields CANCEL_REJECTED.
func (b *OrderBook) Cancel(client schema.ClientID, clientOrderID schema.OrderID) bool {
	idx, ok := b.byKey[orderKey{client: client, order: clientOrderID}]
	if !ok {
		b.rsp = schema.ClientResponse{
			Type:          schema.ResponseCancelRejected,
			Reason:        schema.ReasonUnknownOrder,
			ClientID:      client,
			SymbolID:      b.symbol,
			ClientOrderID: clientOrderID,
		}
		b.out.OnResponse(&b.rsp)
		return false
	}

	o := b.arena.at(idx)
	b.upd = schema.MarketUpdate{
		Type:     schema.UpdateCancel,
		Side:     o.side,
		SymbolID: b.symbol,
		OrderID:  o.marketOrderID,
		Price:    o.price,
		Priority: o.priority,
	}
	b.rsp = schema.ClientResponse{
		Type:          schema.ResponseCanceled,
		Side:          o.side,
		ClientID:      client,
		SymbolID:      b.symbol,
		ClientOrderID: clientOrderID,
		MarketOrderID: o.marketOrderID,
		Price:         o.price,
		LeavesQty:     o.qty,
	}
	b.unlink(idx)
	b.out.OnUpdate(&b.upd)
	b.out.OnResponse(&b.rsp)
	return true
}

func (b *OrderBook) unlink(idx int32) {
	o := b.arena.at(idx)
	own := b.sideOf(o.side)
	lvl, _ := own.find(o.price)

	if o.prev == nilIndex {
		lvl.head = o.next
	} else {
		b.arena.at(o.prev).next = o.next
	}
	if o.next == nilIndex {
		lvl.tail = o.prev
	} else {
		b.arena.at(o.next).prev = o.prev
	}
	lvl.count--
	if lvl.count == 0 {
		own.remove(o.price)
	}

	delete(b.byKey, orderKey{client: o.clientID, order: o.clientOrderID})
	b.arena.release(idx)
}

func (b *OrderBook) sideOf(side schema.OrderSide) *sideBook {
	if side == schema.OrderSideBuy {
		return &b.bids
	}
	return &b.asks
}

// BestBid returns the highest bid level.
func (b *OrderBook) BestBid() (Level, bool) {
	return b.levelView(b.bids.best())
}

// BestAsk returns the lowest ask level.
func (b *OrderBook) BestAsk() (Level, bool) {
	return b.levelView(b.asks.best())
}

func (b *OrderBook) levelView(lvl *priceLevel) (Level, bool) {
	if lvl == nil {
		return Level{}, false
	}
	out := Level{Price: lvl.price, Orders: lvl.count}
	for idx := lvl.head; idx != nilIndex; {
		o := b.arena.at(idx)
		out.Qty += o.qty
		idx = o.next
	}
	return out, true
}

// Depth returns up to n aggregated levels per side, best first.
func (b *OrderBook) Depth(n int) (bids, asks []Level) {
	n = max(n, 0)
	collect := func(s *sideBook) []Level {
		out := make([]Level, 0, min(n, len(s.levels)))
		for i := len(s.levels) - 1; i >= 0 && len(out) < n; i-- {
			lvl, _ := b.levelView(s.levels[i])
			out = append(out, lvl)
		}
		return out
	}
	return collect(&b.bids), collect(&b.asks)
}

// Orders visits every resting order, bids then asks, best level first and
// FIFO within a level.
func (b *OrderBook) Orders(fn func(Order)) {
	for _, s := range []*sideBook{&b.bids, &b.asks} {
		for i := len(s.levels) - 1; i >= 0; i-- {
			for idx := s.levels[i].head; idx != nilIndex; {
				o := b.arena.at(idx)
				fn(Order{
					MarketOrderID: o.marketOrderID,
					ClientOrderID: o.clientOrderID,
					ClientID:      o.clientID,
					Side:          o.side,
					Price:         o.price,
					Qty:           o.qty,
					Priority:      o.priority,
				})
				idx = o.next
			}
		}
	}
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return b.arena.live()
}

func (b *OrderBook) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "symbol %d orders %d\n", b.symbol, b.Len())
	for i := 0; i < len(b.asks.levels); i++ {
		lvl, _ := b.levelView(b.asks.levels[i])
		fmt.Fprintf(&sb, "  ASK %d x %d (%d)\n", lvl.Price, lvl.Qty, lvl.Orders)
	}
	for i := len(b.bids.levels) - 1; i >= 0; i-- {
		lvl, _ := b.levelView(b.bids.levels[i])
		fmt.Fprintf(&sb, "  BID %d x %d (%d)\n", lvl.Price, lvl.Qty, lvl.Orders)
	}
	return sb.String()
}
