package sim

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"exchange/internal/schema"
)

// Position is one symbol's net position. PnL is in raw price units times
// quantity; divide by the symbol's price scale to display it.
type Position struct {
	Symbol     schema.SymbolID
	Net        int64
	Volume     schema.Quantity
	Realized   decimal.Decimal
	Unrealized decimal.Decimal

	// cost of the open position at its entry prices
	openCost decimal.Decimal
}

// Total returns realized plus unrealized PnL.
func (p Position) Total() decimal.Decimal {
	return p.Realized.Add(p.Unrealized)
}

// EntryPrice returns the volume weighted entry price of the open position,
// zero when flat.
func (p Position) EntryPrice() decimal.Decimal {
	if p.Net == 0 {
		return decimal.Zero
	}
	return p.openCost.Div(decimal.NewFromInt(abs(p.Net)))
}

func (p Position) String() string {
	return fmt.Sprintf("symbol %d: pos %d vol %d entry %s r-pnl %s u-pnl %s t-pnl %s",
		p.Symbol, p.Net, p.Volume, p.EntryPrice().StringFixed(2),
		p.Realized.StringFixed(2), p.Unrealized.StringFixed(2), p.Total().StringFixed(2))
}

// fill books an execution of qty at price. side is the client's side.
func (p *Position) fill(side schema.OrderSide, price schema.Price, qty schema.Quantity) {
	sign := int64(1)
	if side == schema.OrderSideSell {
		sign = -1
	}
	old := p.Net
	p.Net += sign * int64(qty)
	p.Volume += qty
	px := decimal.NewFromInt(int64(price))

	if old*sign >= 0 {
		p.openCost = p.openCost.Add(px.Mul(decimal.NewFromInt(int64(qty))))
	} else {
		entry := p.openCost.Div(decimal.NewFromInt(abs(old)))
		closed := min(int64(qty), abs(old))
		// a buy closes a short: entry minus exit, and the reverse for a sell
		p.Realized = p.Realized.Add(entry.Sub(px).Mul(decimal.NewFromInt(closed * sign)))
		switch {
		case p.Net == 0:
			p.openCost = decimal.Zero
		case p.Net*old < 0:
			p.openCost = px.Mul(decimal.NewFromInt(abs(p.Net)))
		default:
			p.openCost = entry.Mul(decimal.NewFromInt(abs(p.Net)))
		}
	}
	p.mark(px)
}

// mark revalues the open position at price.
func (p *Position) mark(price decimal.Decimal) {
	switch {
	case p.Net == 0:
		p.Unrealized = decimal.Zero
	case p.Net > 0:
		p.Unrealized = price.Mul(decimal.NewFromInt(p.Net)).Sub(p.openCost)
	default:
		p.Unrealized = p.openCost.Sub(price.Mul(decimal.NewFromInt(-p.Net)))
	}
}

// Positions keeps positions and PnL per symbol from fills and quotes. It is
// safe for concurrent use.
type Positions struct {
	mu       sync.Mutex
	bySymbol map[schema.SymbolID]*Position
}

func NewPositions() *Positions {
	return &Positions{bySymbol: make(map[schema.SymbolID]*Position)}
}

// OnFill books a FILLED response. Other responses are ignored.
func (k *Positions) OnFill(rsp schema.ClientResponse) {
	if rsp.Type != schema.ResponseFilled || rsp.ExecQty <= 0 || !rsp.Side.IsAvailable() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.get(rsp.SymbolID).fill(rsp.Side, rsp.Price, rsp.ExecQty)
}

// OnQuote marks an open position to the mid of bid and ask. One-sided
// quotes leave it unchanged.
func (k *Positions) OnQuote(symbol schema.SymbolID, bid, ask schema.Price) {
	if bid <= 0 || ask <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.bySymbol[symbol]
	if !ok || p.Net == 0 {
		return
	}
	mid := decimal.NewFromInt(int64(bid)).Add(decimal.NewFromInt(int64(ask))).Div(decimal.NewFromInt(2))
	p.mark(mid)
}

// Position returns a copy of a symbol's position.
func (k *Positions) Position(symbol schema.SymbolID) Position {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p, ok := k.bySymbol[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// Total sums PnL and volume over every symbol.
func (k *Positions) Total() (decimal.Decimal, schema.Quantity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pnl := decimal.Zero
	var volume schema.Quantity
	for _, p := range k.bySymbol {
		pnl = pnl.Add(p.Total())
		volume += p.Volume
	}
	return pnl, volume
}

func (k *Positions) String() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	symbols := make([]schema.SymbolID, 0, len(k.bySymbol))
	for s := range k.bySymbol {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	var sb strings.Builder
	for _, s := range symbols {
		sb.WriteString(k.bySymbol[s].String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (k *Positions) get(symbol schema.SymbolID) *Position {
	p, ok := k.bySymbol[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		k.bySymbol[symbol] = p
	}
	return p
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
