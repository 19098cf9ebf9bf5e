package sim

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
	"exchange/internal/schema"
)

// Orders is the order entry side of a gateway client.
type Orders interface {
	NewOrder(symbol schema.SymbolID, side schema.OrderSide, price schema.Price, qty schema.Quantity) (schema.OrderID, error)
	Cancel(symbol schema.SymbolID, id schema.OrderID) error
}

// DriverConfig paces a run.
type DriverConfig struct {
	// Count is the number of NEW orders to send. Zero runs until ctx ends.
	Count int
	// Interval sleeps between requests.
	Interval time.Duration
	// MaxSilence ends the run early when no response arrived for this long.
	MaxSilence time.Duration
}

// Stats counts requests sent and responses received.
type Stats struct {
	New            uint64          `json:"new"`
	Cancel         uint64          `json:"cancel"`
	Accepted       uint64          `json:"accepted"`
	Filled         uint64          `json:"filled"`
	FilledQty      schema.Quantity `json:"filledQty"`
	Canceled       uint64          `json:"canceled"`
	CancelRejected uint64          `json:"cancelRejected"`
	Rejected       uint64          `json:"rejected"`
}

// ErrSilent ends a run whose exchange stopped answering.
var ErrSilent = errors.New("sim: exchange silent")

// Driver sends generated orders through Orders and tallies the responses
// fed to Observe.
type Driver struct {
	cfg DriverConfig
	gen *Generator
	out Orders
	now func() time.Time

	positions *Positions

	mu       sync.Mutex
	stats    Stats
	lastSeen time.Time
}

func NewDriver(cfg DriverConfig, gen *Generator, out Orders) *Driver {
	return &Driver{cfg: cfg, gen: gen, out: out, now: time.Now, positions: NewPositions()}
}

// Positions returns the positions built from observed fills.
func (d *Driver) Positions() *Positions {
	return d.positions
}

// Observe records one response. Safe to call from another goroutine.
func (d *Driver) Observe(rsp schema.ClientResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = d.now()
	switch rsp.Type {
	case schema.ResponseAccepted:
		d.stats.Accepted++
	case schema.ResponseFilled:
		d.stats.Filled++
		d.stats.FilledQty += rsp.ExecQty
		d.positions.OnFill(rsp)
	case schema.ResponseCanceled:
		d.stats.Canceled++
	case schema.ResponseCancelRejected:
		d.stats.CancelRejected++
	case schema.ResponseRejected:
		d.stats.Rejected++
	}
}

// Consume feeds every frame from responses to Observe until the channel
// closes or ctx ends.
func (d *Driver) Consume(ctx context.Context, responses <-chan codec.ResponseFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-responses:
			if !ok {
				return
			}
			d.Observe(f.Response)
		}
	}
}

// Stats returns the counters so far.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run sends orders until Count is reached, ctx ends or the exchange goes
// silent. Each NEW may be followed by a CANCEL of a random earlier order.
func (d *Driver) Run(ctx context.Context) error {
	d.mu.Lock()
	d.lastSeen = d.now()
	d.mu.Unlock()

	for i := 0; d.cfg.Count == 0 || i < d.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if d.silent() {
			logs.Warnf("sim: no response for %s, stopping after %d orders", d.cfg.MaxSilence, i)
			return ErrSilent
		}

		o := d.gen.Next()
		id, err := d.out.NewOrder(o.Symbol, o.Side, o.Price, o.Qty)
		if err != nil {
			return errors.Wrap(err, "send new").With("symbol", o.Symbol)
		}
		d.gen.Sent(o.Symbol, id)
		d.count(func(s *Stats) { s.New++ })
		if !d.pause(ctx) {
			return nil
		}

		if ref, ok := d.gen.Cancel(); ok {
			if err := d.out.Cancel(ref.Symbol, ref.ID); err != nil {
				return errors.Wrap(err, "send cancel").With("order", ref.ID)
			}
			d.count(func(s *Stats) { s.Cancel++ })
			if !d.pause(ctx) {
				return nil
			}
		}
	}
	logs.Infof("sim: run finished, %+v", d.Stats())
	return nil
}

func (d *Driver) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Driver) silent() bool {
	if d.cfg.MaxSilence <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Sub(d.lastSeen) > d.cfg.MaxSilence
}

func (d *Driver) pause(ctx context.Context) bool {
	if d.cfg.Interval <= 0 {
		return true
	}
	t := time.NewTimer(d.cfg.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
