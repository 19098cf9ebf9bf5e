package risk

import (
	"sync/atomic"
	"time"

	"exchange/internal/schema"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Limits are the per-symbol pre-trade limits. Zero disables a check.
type Limits struct {
	MaxOrderQty          schema.Quantity `json:"maxOrderQty"`
	MaxOrderNotional     schema.Notional `json:"maxOrderNotional"`
	MaxPosition          schema.Quantity `json:"maxPosition"`
	MaxPriceDeviationBps int64           `json:"maxPriceDeviationBps"`
}

// Config defines risk limits for the matching engine.
type Config struct {
	KillSwitch      bool                       `json:"killSwitch"`
	Default         Limits                     `json:"default"`
	Symbols         map[schema.SymbolID]Limits `json:"-"`
	OrderRateLimit  int                        `json:"orderRateLimit"`
	OrderRateWindow time.Duration              `json:"orderRateWindow"`
}

// Check is a NEW order under evaluation.
type Check struct {
	ClientID       schema.ClientID
	SymbolID       schema.SymbolID
	Side           schema.OrderSide
	Price          schema.Price
	Qty            schema.Quantity
	ReferencePrice schema.Price
	Now            int64
}

type rateWindow struct {
	start int64
	count int
}

type positionKey struct {
	client schema.ClientID
	symbol schema.SymbolID
}

// Engine evaluates pre-trade risk. Evaluate and OnFill must be called from
// the matching engine goroutine; the kill switch may be flipped from anywhere.
type Engine struct {
	cfg        Config
	killSwitch atomic.Bool
	rates      map[schema.ClientID]*rateWindow
	positions  map[positionKey]schema.Quantity
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		rates:     make(map[schema.ClientID]*rateWindow),
		positions: make(map[positionKey]schema.Quantity),
	}
	e.killSwitch.Store(cfg.KillSwitch)
	return e
}

// SetKillSwitch enables or disables the kill switch.
func (e *Engine) SetKillSwitch(on bool) {
	e.killSwitch.Store(on)
}

// KillSwitch reports the kill switch state.
func (e *Engine) KillSwitch() bool {
	return e.killSwitch.Load()
}

func (e *Engine) limits(symbol schema.SymbolID) Limits {
	if l, ok := e.cfg.Symbols[symbol]; ok {
		return l
	}
	return e.cfg.Default
}

// Evaluate returns ReasonNone when the order may proceed.
func (e *Engine) Evaluate(c Check) schema.RejectReason {
	if e.killSwitch.Load() {
		return schema.ReasonKillSwitch
	}

	now := c.Now
	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		window := int64(e.cfg.OrderRateWindow)
		w := e.rates[c.ClientID]
		if w == nil {
			w = &rateWindow{}
			e.rates[c.ClientID] = w
		}
		if w.start == 0 || now-w.start >= window {
			w.start = now
			w.count = 0
		}
		w.count++
		if w.count > e.cfg.OrderRateLimit {
			return schema.ReasonRateLimit
		}
	}

	l := e.limits(c.SymbolID)

	if l.MaxOrderQty > 0 && c.Qty > l.MaxOrderQty {
		return schema.ReasonMaxQty
	}

	if l.MaxPriceDeviationBps > 0 && c.Price > 0 {
		ref := int64(c.ReferencePrice)
		if ref > 0 {
			diff := absInt64(int64(c.Price) - ref)
			if exceedsDeviation(diff, ref, l.MaxPriceDeviationBps) {
				return schema.ReasonPriceBand
			}
		}
	}

	notional, overflow := mulNotional(c.Price, c.Qty)
	if overflow {
		return schema.ReasonMaxNotional
	}
	if l.MaxOrderNotional > 0 && notional > l.MaxOrderNotional {
		return schema.ReasonMaxNotional
	}

	if l.MaxPosition > 0 {
		pos := e.positions[positionKey{client: c.ClientID, symbol: c.SymbolID}]
		if absQuantity(applySide(pos, c.Side, c.Qty)) > l.MaxPosition {
			return schema.ReasonPositionLimit
		}
	}

	return schema.ReasonNone
}

// OnFill updates the client's net position.
func (e *Engine) OnFill(client schema.ClientID, symbol schema.SymbolID, side schema.OrderSide, qty schema.Quantity) {
	key := positionKey{client: client, symbol: symbol}
	e.positions[key] = applySide(e.positions[key], side, qty)
}

// Position returns the client's net position in a symbol.
func (e *Engine) Position(client schema.ClientID, symbol schema.SymbolID) schema.Quantity {
	return e.positions[positionKey{client: client, symbol: symbol}]
}

// Notional returns price times quantity, reporting overflow.
func Notional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	return mulNotional(price, qty)
}

func mulNotional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p == 0 || q == 0 {
		return 0, false
	}
	if p < 0 {
		p = -p
	}
	if q < 0 {
		q = -q
	}
	if p > maxInt64/q {
		return 0, true
	}
	return schema.Notional(int64(price) * int64(qty)), false
}

func applySide(pos schema.Quantity, side schema.OrderSide, qty schema.Quantity) schema.Quantity {
	switch side {
	case schema.OrderSideBuy:
		return pos + qty
	case schema.OrderSideSell:
		return pos - qty
	default:
		return pos
	}
}

func absQuantity(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func exceedsDeviation(diff int64, ref int64, bps int64) bool {
	if diff <= 0 || ref <= 0 || bps <= 0 {
		return false
	}
	if diff > maxInt64/10000 {
		return true
	}
	lhs := diff * 10000
	if ref > maxInt64/bps {
		return true
	}
	rhs := ref * bps
	return lhs > rhs
}
