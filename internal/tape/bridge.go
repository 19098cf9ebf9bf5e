package tape

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/schema"
	"exchange/internal/state"
	"exchange/pkg/exception"
)

// BridgeConfig controls batching.
type BridgeConfig struct {
	FlushInterval time.Duration
	// MaxBatch flushes early once this many trades are pending.
	MaxBatch int
	// WriteTimeout bounds one flush across all sinks.
	WriteTimeout time.Duration
}

// Bridge turns the sequenced feed into trade prints and top-of-book quotes
// and fans them out to sinks in batches. OnUpdate is meant to be the
// consumer handler; Run flushes on a timer.
type Bridge struct {
	cfg      BridgeConfig
	registry *schema.Registry
	sinks    []Sink
	now      func() time.Time

	mu     sync.Mutex
	mirror *state.Mirror
	trades []Trade
	dirty  map[schema.SymbolID]uint64
	kick   chan struct{}

	failures map[string]uint64
}

// NewBridge creates a bridge writing to every sink.
func NewBridge(cfg BridgeConfig, registry *schema.Registry, sinks ...Sink) (*Bridge, error) {
	if registry == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "new tape bridge")
	}
	if len(sinks) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "new tape bridge: no sinks")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 512
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Bridge{
		cfg:      cfg,
		registry: registry,
		sinks:    sinks,
		now:      time.Now,
		mirror:   state.NewMirror(),
		dirty:    make(map[schema.SymbolID]uint64),
		kick:     make(chan struct{}, 1),
		failures: make(map[string]uint64),
	}, nil
}

// OnUpdate folds one feed update. Snapshot contents replayed after a
// recovery arrive here as CLEAR and ADD updates and rebuild the book.
func (b *Bridge) OnUpdate(u schema.SequencedUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch u.Update.Type {
	case schema.UpdateTrade:
		b.trades = append(b.trades, Trade{
			Seq:        u.Seq,
			Symbol:     symbolName(b.registry, u.Update.SymbolID),
			Side:       u.Update.Side.String(),
			Price:      formatPrice(b.registry, u.Update.SymbolID, u.Update.Price),
			PriceTicks: int64(u.Update.Price),
			Qty:        int64(u.Update.Qty),
			Time:       b.now(),
		})
		if len(b.trades) >= b.cfg.MaxBatch {
			select {
			case b.kick <- struct{}{}:
			default:
			}
		}
	case schema.UpdateAdd, schema.UpdateModify, schema.UpdateCancel, schema.UpdateClear:
		b.mirror.Fold(u.Update)
		b.dirty[u.Update.SymbolID] = u.Seq
	}
}

// Run flushes pending batches until ctx is done, then flushes once more.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
			b.Flush(final)
			cancel()
			return nil
		case <-ticker.C:
		case <-b.kick:
		}
		flushCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
		b.Flush(flushCtx)
		cancel()
	}
}

// Flush writes pending trades and the quotes of every symbol whose book
// changed since the last flush. A failing sink is logged and skipped;
// its batch is not retried.
func (b *Bridge) Flush(ctx context.Context) {
	trades, quotes := b.take()
	if len(trades) == 0 && len(quotes) == 0 {
		return
	}
	for _, sink := range b.sinks {
		if len(trades) > 0 {
			if err := sink.WriteTrades(ctx, trades); err != nil {
				b.fail(sink, "trades", len(trades), err)
			}
		}
		if len(quotes) > 0 {
			if err := sink.WriteQuotes(ctx, quotes); err != nil {
				b.fail(sink, "quotes", len(quotes), err)
			}
		}
	}
}

// Failures returns the number of failed batch writes per sink.
func (b *Bridge) Failures() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.failures))
	for k, v := range b.failures {
		out[k] = v
	}
	return out
}

// Close closes every sink.
func (b *Bridge) Close() error {
	var first error
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "close sink").With("sink", sink.Name())
		}
	}
	return first
}

func (b *Bridge) take() ([]Trade, []Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trades := b.trades
	b.trades = nil

	if len(b.dirty) == 0 {
		return trades, nil
	}
	symbols := make([]schema.SymbolID, 0, len(b.dirty))
	for id := range b.dirty {
		symbols = append(symbols, id)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	now := b.now()
	quotes := make([]Quote, 0, len(symbols))
	for _, id := range symbols {
		q := Quote{Seq: b.dirty[id], Symbol: symbolName(b.registry, id), Time: now}
		if p, qty, ok := b.mirror.BestBid(id); ok {
			q.BidPrice = formatPrice(b.registry, id, p)
			q.BidQty = int64(qty)
		}
		if p, qty, ok := b.mirror.BestAsk(id); ok {
			q.AskPrice = formatPrice(b.registry, id, p)
			q.AskQty = int64(qty)
		}
		quotes = append(quotes, q)
		delete(b.dirty, id)
	}
	return trades, quotes
}

func (b *Bridge) fail(sink Sink, what string, n int, err error) {
	b.mu.Lock()
	b.failures[sink.Name()]++
	b.mu.Unlock()
	logs.Errorf("tape: %s write %d %s, err: %+v", sink.Name(), n, what, err)
}
