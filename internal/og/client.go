package og

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
	"exchange/internal/schema"
	"exchange/pkg/exception"
)

// Client speaks the gateway wire protocol for one client id and tracks its
// orders through a StateMachine.
type Client struct {
	id   schema.ClientID
	addr string
	conn net.Conn

	mu      sync.Mutex
	nextSeq uint64
	nextOID schema.OrderID
	state   *StateMachine
	buf     []byte

	responses chan codec.ResponseFrame
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Resume carries a client's counters across connections. The gateway keeps
// the next expected seq of every client id for its whole life.
type Resume struct {
	NextSeq     uint64
	NextOrderID schema.OrderID
}

// Dial connects to a gateway as a fresh client. Responses are delivered on
// Responses until the connection ends; buffer sizes that channel.
func Dial(ctx context.Context, addr string, id schema.ClientID, buffer int) (*Client, error) {
	return DialFrom(ctx, addr, id, buffer, Resume{})
}

// DialFrom connects to a gateway continuing from the given counters. Zero
// fields start at 1.
func DialFrom(ctx context.Context, addr string, id schema.ClientID, buffer int, from Resume) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial gateway").With("addr", addr)
	}
	if buffer <= 0 {
		buffer = 1024
	}
	c := &Client{
		id:        id,
		addr:      addr,
		conn:      conn,
		nextSeq:   max(from.NextSeq, 1),
		nextOID:   max(from.NextOrderID, 1),
		state:     NewStateMachine(),
		buf:       make([]byte, 0, codec.RequestFrameSize),
		responses: make(chan codec.ResponseFrame, buffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() schema.ClientID {
	return c.id
}

// Resume returns the counters the next connection of this client must continue from.
func (c *Client) Resume() Resume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Resume{NextSeq: c.nextSeq, NextOrderID: c.nextOID}
}

// Reconnect closes c and dials its gateway again as the same client. The new
// client continues the request sequence and keeps tracking c's orders.
func (c *Client) Reconnect(ctx context.Context, b Backoff) (*Client, error) {
	if err := c.Close(); err != nil {
		logs.Debugf("client %d: close before reconnect, err: %+v", c.id, err)
	}
	nc, err := DialRetryFrom(ctx, c.addr, c.id, cap(c.responses), c.Resume(), b)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	nc.mu.Lock()
	nc.state = state
	nc.mu.Unlock()
	return nc, nil
}

// NewOrder sends a NEW request and returns the client order id it used.
func (c *Client) NewOrder(symbol schema.SymbolID, side schema.OrderSide, price schema.Price, qty schema.Quantity) (schema.OrderID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := schema.ClientRequest{
		Type:     schema.RequestNew,
		Side:     side,
		ClientID: c.id,
		OrderID:  c.nextOID,
		SymbolID: symbol,
		Price:    price,
		Qty:      qty,
	}
	if _, err := c.state.ApplyNew(req); err != nil {
		return 0, errors.Wrapf(err, "order id: %d", req.OrderID)
	}
	c.nextOID++
	return req.OrderID, c.writeLocked(c.nextSeq, req)
}

// Cancel sends a CANCEL request for a client order id.
func (c *Client) Cancel(symbol schema.SymbolID, id schema.OrderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(c.nextSeq, schema.ClientRequest{
		Type:     schema.RequestCancel,
		ClientID: c.id,
		OrderID:  id,
		SymbolID: symbol,
	})
}

// SendFrame writes a raw frame without sequencing or order tracking.
func (c *Client) SendFrame(f codec.RequestFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = codec.EncodeRequest(c.buf, f)
	if _, err := c.conn.Write(c.buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Client) writeLocked(seq uint64, req schema.ClientRequest) error {
	c.buf = codec.EncodeRequest(c.buf, codec.RequestFrame{Seq: seq, Request: req})
	if _, err := c.conn.Write(c.buf); err != nil {
		return errors.Wrap(err, "write request")
	}
	c.nextSeq++
	return nil
}

// Order returns a copy of the tracked order.
func (c *Client) Order(id schema.OrderID) (Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.state.Order(id)
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OpenOrders returns the number of orders not yet in a terminal state.
func (c *Client) OpenOrders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Open()
}

// Responses delivers response frames in arrival order. It is closed when the
// connection ends.
func (c *Client) Responses() <-chan codec.ResponseFrame {
	return c.responses
}

// Close closes the connection and waits for the reader to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	<-c.done
	if err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.responses)

	br := bufio.NewReaderSize(c.conn, 64*codec.ResponseFrameSize)
	buf := make([]byte, codec.ResponseFrameSize)
	expected := uint64(0)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			if err != io.EOF && !stderrors.Is(err, net.ErrClosed) {
				logs.Warnf("client %d: read, err: %+v", c.id, err)
			}
			return
		}
		f, _ := codec.DecodeResponse(buf)
		if expected != 0 && f.Seq != expected {
			logs.Warnf("client %d: %+v, expected: %d, received: %d", c.id, exception.ErrMarketDataSequenceGap, expected, f.Seq)
		}
		expected = f.Seq + 1

		c.mu.Lock()
		if _, err := c.state.ApplyResponse(f.Response); err != nil && f.Response.Reason != schema.ReasonOutOfSequence {
			logs.Debugf("client %d: apply %s for order %d, err: %+v", c.id, f.Response.Type, f.Response.ClientOrderID, err)
		}
		c.mu.Unlock()

		select {
		case c.responses <- f:
		case <-c.closing:
			return
		}
	}
}
