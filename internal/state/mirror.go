package state

import (
	"sort"

	"github.com/yanun0323/errors"

	"exchange/internal/schema"
	"exchange/pkg/exception"
)

// Order is one resting order as seen on the public feed.
type Order struct {
	SymbolID schema.SymbolID  `json:"symbolId"`
	OrderID  schema.OrderID   `json:"orderId"`
	Side     schema.OrderSide `json:"side"`
	Price    schema.Price     `json:"price"`
	Qty      schema.Quantity  `json:"qty"`
	Priority schema.Priority  `json:"priority"`
}

func (o Order) update() schema.MarketUpdate {
	return schema.MarketUpdate{
		Type:     schema.UpdateAdd,
		Side:     o.Side,
		SymbolID: o.SymbolID,
		OrderID:  o.OrderID,
		Price:    o.Price,
		Qty:      o.Qty,
		Priority: o.Priority,
	}
}

// Mirror is the set of resting orders rebuilt from market updates, keyed by
// symbol and market order id. It is not safe for concurrent use.
type Mirror struct {
	books   map[schema.SymbolID]map[schema.OrderID]*Order
	lastSeq uint64
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{books: make(map[schema.SymbolID]map[schema.OrderID]*Order)}
}

// LastSeq returns the sequence number of the last update applied.
func (m *Mirror) LastSeq() uint64 {
	return m.lastSeq
}

// SetLastSeq moves the sequence cursor, used after loading a snapshot.
func (m *Mirror) SetLastSeq(seq uint64) {
	m.lastSeq = seq
}

// Apply folds one incremental update. The update is always applied; a
// returned error reports that it did not directly follow the previous one.
func (m *Mirror) Apply(u schema.SequencedUpdate) error {
	expected := m.lastSeq + 1
	m.Fold(u.Update)
	m.lastSeq = u.Seq
	if u.Seq != expected {
		return errors.Wrap(exception.ErrMarketDataSequenceGap, "apply").With("expected", expected).With("got", u.Seq)
	}
	return nil
}

// Fold applies one update without sequence tracking. ADD inserts, MODIFY
// replaces price and quantity, CANCEL removes and CLEAR empties the symbol.
// TRADE and snapshot markers leave the mirror untouched.
func (m *Mirror) Fold(u schema.MarketUpdate) {
	switch u.Type {
	case schema.UpdateAdd:
		book := m.books[u.SymbolID]
		if book == nil {
			book = make(map[schema.OrderID]*Order)
			m.books[u.SymbolID] = book
		}
		book[u.OrderID] = &Order{
			SymbolID: u.SymbolID,
			OrderID:  u.OrderID,
			Side:     u.Side,
			Price:    u.Price,
			Qty:      u.Qty,
			Priority: u.Priority,
		}
	case schema.UpdateModify:
		if o := m.books[u.SymbolID][u.OrderID]; o != nil {
			o.Price = u.Price
			o.Qty = u.Qty
		}
	case schema.UpdateCancel:
		delete(m.books[u.SymbolID], u.OrderID)
	case schema.UpdateClear:
		delete(m.books, u.SymbolID)
	}
}

// Reset drops every order and the sequence cursor.
func (m *Mirror) Reset() {
	clear(m.books)
	m.lastSeq = 0
}

// Len returns the number of resting orders across all symbols.
func (m *Mirror) Len() int {
	n := 0
	for _, book := range m.books {
		n += len(book)
	}
	return n
}

// Get returns a resting order.
func (m *Mirror) Get(symbol schema.SymbolID, id schema.OrderID) (Order, bool) {
	o := m.books[symbol][id]
	if o == nil {
		return Order{}, false
	}
	return *o, true
}

// Symbols returns the symbols with at least one resting order, ascending.
func (m *Mirror) Symbols() []schema.SymbolID {
	ids := make([]schema.SymbolID, 0, len(m.books))
	for id, book := range m.books {
		if len(book) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Orders returns the resting orders of a symbol in book order: bids best
// first, then asks best first, each price level in priority order.
func (m *Mirror) Orders(symbol schema.SymbolID) []Order {
	book := m.books[symbol]
	out := make([]Order, 0, len(book))
	for _, o := range book {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// BestBid returns the highest bid price and the quantity resting there.
func (m *Mirror) BestBid(symbol schema.SymbolID) (schema.Price, schema.Quantity, bool) {
	return m.best(symbol, schema.OrderSideBuy)
}

// BestAsk returns the lowest ask price and the quantity resting there.
func (m *Mirror) BestAsk(symbol schema.SymbolID) (schema.Price, schema.Quantity, bool) {
	return m.best(symbol, schema.OrderSideSell)
}

func (m *Mirror) best(symbol schema.SymbolID, side schema.OrderSide) (schema.Price, schema.Quantity, bool) {
	var (
		price schema.Price
		qty   schema.Quantity
		found bool
	)
	for _, o := range m.books[symbol] {
		if o.Side != side {
			continue
		}
		switch {
		case !found || better(side, o.Price, price):
			price, qty, found = o.Price, o.Qty, true
		case o.Price == price:
			qty += o.Qty
		}
	}
	return price, qty, found
}

func better(side schema.OrderSide, a, b schema.Price) bool {
	if side == schema.OrderSideBuy {
		return a > b
	}
	return a < b
}

func less(a, b Order) bool {
	if a.Side != b.Side {
		return a.Side == schema.OrderSideBuy
	}
	if a.Price != b.Price {
		return better(a.Side, a.Price, b.Price)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.OrderID < b.OrderID
}
