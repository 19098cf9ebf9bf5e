package matcher

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/obs"
	"exchange/internal/risk"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
	"exchange/pkg/exception"
)

// Config tunes the matching engine thread.
type Config struct {
	CPU           int
	BusyPoll      bool
	DrainTimeout  time.Duration
	OrdersPerBook int
}

// Engine owns every order book and is the only consumer of the request ring
// and the only producer of the response and update rings.
type Engine struct {
	cfg       Config
	registry  *schema.Registry
	risk      *risk.Engine
	metrics   *obs.Metrics
	requests  *bus.Ring[schema.ClientRequest]
	responses *bus.Ring[schema.ClientResponse]
	updates   *bus.Ring[schema.MarketUpdate]

	books     []*OrderBook
	lastTrade []schema.Price
	nextID    schema.OrderID
	now       int64

	// OnOverflow handles a full output ring. Defaults to bus.AbortOnOverflow.
	OnOverflow bus.OverflowFunc

	running atomic.Bool
	done    chan struct{}
}

// NewEngine builds one order book per registered symbol.
func NewEngine(cfg Config, registry *schema.Registry, rk *risk.Engine, metrics *obs.Metrics,
	requests *bus.Ring[schema.ClientRequest], responses *bus.Ring[schema.ClientResponse], updates *bus.Ring[schema.MarketUpdate]) (*Engine, error) {
	if registry == nil || requests == nil || responses == nil || updates == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "new matching engine")
	}
	if rk == nil {
		rk = risk.NewEngine(risk.Config{})
	}
	if cfg.OrdersPerBook <= 0 {
		cfg.OrdersPerBook = 1 << 12
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}

	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		risk:       rk,
		metrics:    metrics,
		requests:   requests,
		responses:  responses,
		updates:    updates,
		books:      make([]*OrderBook, registry.SymbolCount()+1),
		lastTrade:  make([]schema.Price, registry.SymbolCount()+1),
		nextID:     1,
		OnOverflow: bus.AbortOnOverflow,
		done:       make(chan struct{}),
	}
	for i := 0; i < registry.SymbolCount(); i++ {
		sym, _ := registry.SymbolAt(i)
		e.books[sym.ID] = NewOrderBook(sym.ID, e, cfg.OrdersPerBook)
	}
	return e, nil
}

// Start launches the engine thread.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	go e.run(ctx)
}

// Stop asks the engine thread to drain and exit.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Wait blocks until the engine thread has exited.
func (e *Engine) Wait() {
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	unlock, err := affinity.Lock(e.cfg.CPU)
	defer unlock()
	if err != nil {
		logs.Warnf("matching engine: pin cpu %d, err: %+v", e.cfg.CPU, err)
	}
	logs.Infof("matching engine started, symbols: %d", e.registry.SymbolCount())

	for e.running.Load() && ctx.Err() == nil {
		if e.requests.Drain(e.Process) == 0 && !e.cfg.BusyPoll {
			runtime.Gosched()
		}
	}

	deadline := time.Now().Add(e.cfg.DrainTimeout)
	for !e.requests.Empty() && time.Now().Before(deadline) {
		e.requests.Drain(e.Process)
	}
	if n := e.requests.Len(); n > 0 {
		logs.Warnf("matching engine: drain timeout, %d requests left", n)
	}
	for _, b := range e.books {
		if b != nil && b.Len() > 0 {
			logs.Infof("matching engine: final book\n%s", b.String())
		}
	}
	logs.Info("matching engine stopped")
}

// Process handles one request. It must only be called from the engine thread,
// or directly by a caller that owns the engine exclusively.
func (e *Engine) Process(req *schema.ClientRequest) {
	e.metrics.IncRequest(req.Type)
	e.now = time.Now().UnixNano()
	if req.TsRecv > 0 {
		defer func() { e.metrics.ObserveMatch(time.Duration(time.Now().UnixNano() - req.TsRecv)) }()
	}

	switch req.Type {
	case schema.RequestNew:
		e.processNew(req)
	case schema.RequestCancel:
		book := e.Book(req.SymbolID)
		if book == nil {
			e.OnResponse(&schema.ClientResponse{
				Type:          schema.ResponseCancelRejected,
				Reason:        schema.ReasonUnknownSymbol,
				ClientID:      req.ClientID,
				SymbolID:      req.SymbolID,
				ClientOrderID: req.OrderID,
			})
			return
		}
		book.Cancel(req.ClientID, req.OrderID)
	default:
		logs.Errorf("matching engine: unexpected request type %d from client %d", req.Type, req.ClientID)
		e.reject(req, schema.ReasonUnknownOrder)
	}
}

func (e *Engine) processNew(req *schema.ClientRequest) {
	book := e.Book(req.SymbolID)
	switch {
	case book == nil:
		e.reject(req, schema.ReasonUnknownSymbol)
		return
	case !req.Side.IsAvailable():
		e.reject(req, schema.ReasonInvalidSide)
		return
	case req.Price <= 0:
		e.reject(req, schema.ReasonInvalidPrice)
		return
	case req.Qty <= 0 || req.Qty > schema.MaxQuantity:
		e.reject(req, schema.ReasonInvalidQty)
		return
	case book.Has(req.ClientID, req.OrderID):
		e.reject(req, schema.ReasonDuplicateOrder)
		return
	}

	reason := e.risk.Evaluate(risk.Check{
		ClientID:       req.ClientID,
		SymbolID:       req.SymbolID,
		Side:           req.Side,
		Price:          req.Price,
		Qty:            req.Qty,
		ReferencePrice: e.lastTrade[req.SymbolID],
		Now:            e.now,
	})
	if reason != schema.ReasonNone {
		e.reject(req, reason)
		return
	}

	id := e.nextID
	e.nextID++
	book.Add(req.ClientID, req.OrderID, id, req.Side, req.Price, req.Qty)
}

func (e *Engine) reject(req *schema.ClientRequest, reason schema.RejectReason) {
	e.OnResponse(&schema.ClientResponse{
		Type:          schema.ResponseRejected,
		Side:          req.Side,
		Reason:        reason,
		ClientID:      req.ClientID,
		SymbolID:      req.SymbolID,
		ClientOrderID: req.OrderID,
		Price:         req.Price,
		LeavesQty:     req.Qty,
	})
}

// Book returns the order book for a symbol, or nil.
func (e *Engine) Book(symbol schema.SymbolID) *OrderBook {
	if int(symbol) <= 0 || int(symbol) >= len(e.books) {
		return nil
	}
	return e.books[symbol]
}

// LastTrade returns the last traded price of a symbol, zero before the first trade.
func (e *Engine) LastTrade(symbol schema.SymbolID) schema.Price {
	if int(symbol) <= 0 || int(symbol) >= len(e.lastTrade) {
		return 0
	}
	return e.lastTrade[symbol]
}

// OnResponse implements Emitter by writing to the response ring.
func (e *Engine) OnResponse(rsp *schema.ClientResponse) {
	if rsp.Type == schema.ResponseFilled {
		e.risk.OnFill(rsp.ClientID, rsp.SymbolID, rsp.Side, rsp.ExecQty)
	}
	e.metrics.IncResponse(rsp)

	slot := e.responses.Write()
	if slot == nil {
		e.metrics.IncQueueDrop(obs.QueueResponses)
		e.OnOverflow(obs.QueueResponses.String())
		return
	}
	*slot = *rsp
	e.responses.Commit()
}

// OnUpdate implements Emitter by writing to the market update ring.
func (e *Engine) OnUpdate(u *schema.MarketUpdate) {
	if u.Type == schema.UpdateTrade {
		e.lastTrade[u.SymbolID] = u.Price
	}
	e.metrics.IncUpdate(u)

	slot := e.updates.Write()
	if slot == nil {
		e.metrics.IncQueueDrop(obs.QueueUpdates)
		e.OnOverflow(obs.QueueUpdates.String())
		return
	}
	*slot = *u
	e.updates.Commit()
}
