package tape

import (
	"context"
	"time"

	"exchange/internal/schema"
)

// Trade is one execution seen on the incremental feed.
type Trade struct {
	Seq        uint64    `json:"seq"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Price      string    `json:"price"`
	PriceTicks int64     `json:"priceTicks"`
	Qty        int64     `json:"qty"`
	Time       time.Time `json:"time"`
}

// Quote is the top of book of one symbol. A missing side has an empty
// price and zero quantity.
type Quote struct {
	Seq      uint64    `json:"seq"`
	Symbol   string    `json:"symbol"`
	BidPrice string    `json:"bidPrice,omitempty"`
	BidQty   int64     `json:"bidQty"`
	AskPrice string    `json:"askPrice,omitempty"`
	AskQty   int64     `json:"askQty"`
	Time     time.Time `json:"time"`
}

// Sink receives batches from the bridge. Batches are never empty.
type Sink interface {
	Name() string
	WriteTrades(ctx context.Context, trades []Trade) error
	WriteQuotes(ctx context.Context, quotes []Quote) error
	Close() error
}

func formatPrice(registry *schema.Registry, symbol schema.SymbolID, p schema.Price) string {
	sym, ok := registry.Symbol(symbol)
	if !ok {
		return schema.FormatPrice(p, 0)
	}
	return schema.FormatPrice(p, sym.Scale.PriceScale)
}

func symbolName(registry *schema.Registry, symbol schema.SymbolID) string {
	if sym, ok := registry.Symbol(symbol); ok {
		return sym.Name
	}
	return "UNKNOWN"
}
