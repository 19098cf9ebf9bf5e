package sim

import (
	"math/rand"
	"time"

	"github.com/yanun0323/errors"

	"exchange/internal/schema"
)

// Config shapes the random order flow.
type Config struct {
	// Seed makes a run reproducible. Zero picks one from the clock.
	Seed    int64
	Symbols []schema.SymbolID
	// Each symbol gets a base price drawn from [MinBase, MaxBase].
	MinBase schema.Price
	MaxBase schema.Price
	// Limit prices are base plus an offset in [1, MaxOffset].
	MaxOffset schema.Price
	// Quantities are drawn from [1, MaxQty].
	MaxQty schema.Quantity
	// CancelRate is the chance of cancelling a random earlier order after
	// each new one.
	CancelRate float64
}

func (c Config) withDefaults() Config {
	if c.MinBase <= 0 {
		c.MinBase = 100
	}
	if c.MaxBase < c.MinBase {
		c.MaxBase = c.MinBase + 99
	}
	if c.MaxOffset <= 0 {
		c.MaxOffset = 10
	}
	if c.MaxQty <= 0 {
		c.MaxQty = 100
	}
	return c
}

// Validate checks the flow parameters.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("sim: no symbols")
	}
	if c.CancelRate < 0 || c.CancelRate > 1 {
		return errors.Errorf("sim: cancel rate %f must be within [0, 1]", c.CancelRate)
	}
	if c.MaxQty > schema.MaxQuantity {
		return errors.Errorf("sim: max qty %d exceeds %d", c.MaxQty, schema.MaxQuantity)
	}
	return nil
}

// Order is a generated NEW request.
type Order struct {
	Symbol schema.SymbolID
	Side   schema.OrderSide
	Price  schema.Price
	Qty    schema.Quantity
}

// Ref names an order already sent.
type Ref struct {
	Symbol schema.SymbolID
	ID     schema.OrderID
}

// Generator draws random limit orders around a fixed base price per symbol
// and picks earlier orders to cancel. It is not safe for concurrent use.
type Generator struct {
	cfg  Config
	rng  *rand.Rand
	base map[schema.SymbolID]schema.Price
	sent []Ref
}

// NewGenerator creates a generator and draws the base prices.
func NewGenerator(cfg Config) (*Generator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		base: make(map[schema.SymbolID]schema.Price, len(cfg.Symbols)),
	}
	for _, id := range cfg.Symbols {
		g.base[id] = cfg.MinBase + schema.Price(g.rng.Int63n(int64(cfg.MaxBase-cfg.MinBase)+1))
	}
	return g, nil
}

// Base returns the base price of a symbol.
func (g *Generator) Base(symbol schema.SymbolID) schema.Price {
	return g.base[symbol]
}

// Next draws a new order.
func (g *Generator) Next() Order {
	symbol := g.cfg.Symbols[g.rng.Intn(len(g.cfg.Symbols))]
	side := schema.OrderSideBuy
	if g.rng.Intn(2) == 1 {
		side = schema.OrderSideSell
	}
	return Order{
		Symbol: symbol,
		Side:   side,
		Price:  g.base[symbol] + 1 + schema.Price(g.rng.Int63n(int64(g.cfg.MaxOffset))),
		Qty:    1 + schema.Quantity(g.rng.Int63n(int64(g.cfg.MaxQty))),
	}
}

// Sent records the client order id used for a generated order.
func (g *Generator) Sent(symbol schema.SymbolID, id schema.OrderID) {
	g.sent = append(g.sent, Ref{Symbol: symbol, ID: id})
}

// Cancel maybe picks an earlier order to cancel. The pick may already be
// filled or cancelled; the exchange answers CANCEL_REJECTED then.
func (g *Generator) Cancel() (Ref, bool) {
	if len(g.sent) == 0 || g.cfg.CancelRate == 0 {
		return Ref{}, false
	}
	if g.cfg.CancelRate < 1 && g.rng.Float64() >= g.cfg.CancelRate {
		return Ref{}, false
	}
	return g.sent[g.rng.Intn(len(g.sent))], true
}
