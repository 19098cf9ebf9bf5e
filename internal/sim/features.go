package sim

import (
	"github.com/shopspring/decimal"

	"exchange/internal/schema"
)

// Quotes reads the top of a book.
type Quotes interface {
	BestBid(symbol schema.SymbolID) (schema.Price, schema.Quantity, bool)
	BestAsk(symbol schema.SymbolID) (schema.Price, schema.Quantity, bool)
}

// Signal holds the latest features of one symbol.
type Signal struct {
	// FairPrice is the mid weighted by the opposite side's size.
	FairPrice decimal.Decimal
	HasFair   bool
	// AggressiveRatio is the last trade's quantity over the quantity it
	// traded against at the top of book.
	AggressiveRatio decimal.Decimal
	HasRatio        bool
}

// Features computes signals from market data applied to a book.
type Features struct {
	quotes  Quotes
	signals map[schema.SymbolID]*Signal
}

func NewFeatures(quotes Quotes) *Features {
	return &Features{quotes: quotes, signals: make(map[schema.SymbolID]*Signal)}
}

// OnUpdate must be called after u was applied to the book behind Quotes.
// A TRADE is published before the resting order shrinks, so the ratio sees
// the liquidity the trade took from.
func (f *Features) OnUpdate(u schema.SequencedUpdate) {
	m := u.Update
	switch m.Type {
	case schema.UpdateTrade:
		f.onTrade(m)
	case schema.UpdateAdd, schema.UpdateModify, schema.UpdateCancel, schema.UpdateClear:
		f.onBook(m.SymbolID)
	}
}

// Signal returns a copy of a symbol's features.
func (f *Features) Signal(symbol schema.SymbolID) Signal {
	if s, ok := f.signals[symbol]; ok {
		return *s
	}
	return Signal{}
}

func (f *Features) onBook(symbol schema.SymbolID) {
	bid, bidQty, okBid := f.quotes.BestBid(symbol)
	ask, askQty, okAsk := f.quotes.BestAsk(symbol)
	if !okBid || !okAsk || bidQty+askQty <= 0 {
		return
	}
	num := decimal.NewFromInt(int64(bid)).Mul(decimal.NewFromInt(int64(askQty))).
		Add(decimal.NewFromInt(int64(ask)).Mul(decimal.NewFromInt(int64(bidQty))))
	s := f.get(symbol)
	s.FairPrice = num.Div(decimal.NewFromInt(int64(bidQty + askQty)))
	s.HasFair = true
}

func (f *Features) onTrade(m schema.MarketUpdate) {
	_, bidQty, okBid := f.quotes.BestBid(m.SymbolID)
	_, askQty, okAsk := f.quotes.BestAsk(m.SymbolID)
	if !okBid || !okAsk {
		return
	}
	against := bidQty
	if m.Side == schema.OrderSideBuy {
		against = askQty
	}
	if against <= 0 {
		return
	}
	s := f.get(m.SymbolID)
	s.AggressiveRatio = decimal.NewFromInt(int64(m.Qty)).Div(decimal.NewFromInt(int64(against)))
	s.HasRatio = true
}

func (f *Features) get(symbol schema.SymbolID) *Signal {
	s, ok := f.signals[symbol]
	if !ok {
		s = &Signal{}
		f.signals[symbol] = s
	}
	return s
}
