package og

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/bus"
	"exchange/internal/codec"
	"exchange/internal/matcher"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
)

type gatewayFixture struct {
	server  *Server
	engine  *matcher.Engine
	metrics *obs.Metrics
	addr    string
}

func startGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.AddSymbol("AAA", schema.ScaleSpec{PriceScale: 2})
	require.NoError(t, err)

	metrics := obs.NewMetrics()
	requests := bus.NewRing[schema.ClientRequest](256)
	responses := bus.NewRing[schema.ClientResponse](256)
	updates := bus.NewRing[schema.MarketUpdate](1024)

	engine, err := matcher.NewEngine(matcher.Config{CPU: affinity.NoCPU}, reg, nil, metrics, requests, responses, updates)
	require.NoError(t, err)
	server, err := NewServer(Config{Addr: "127.0.0.1:0", CPU: affinity.NoCPU, DrainTimeout: 100 * time.Millisecond}, requests, responses, metrics)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	require.NoError(t, server.Start(ctx))

	t.Cleanup(func() {
		server.Stop()
		server.Wait()
		engine.Stop()
		engine.Wait()
		cancel()
	})
	return &gatewayFixture{server: server, engine: engine, metrics: metrics, addr: server.Addr().String()}
}

func (f *gatewayFixture) dial(t *testing.T, id schema.ClientID) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.addr, id, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextResponse(t *testing.T, c *Client) codec.ResponseFrame {
	t.Helper()
	select {
	case f, ok := <-c.Responses():
		require.True(t, ok, "response stream closed")
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("client %d: no response", c.ID())
	}
	return codec.ResponseFrame{}
}

func TestGatewayFullFill(t *testing.T) {
	f := startGateway(t)
	seller := f.dial(t, 1)
	buyer := f.dial(t, 2)

	sellID, err := seller.NewOrder(1, schema.OrderSideSell, 100, 10)
	require.NoError(t, err)
	ack := nextResponse(t, seller)
	require.Equal(t, uint64(1), ack.Seq)
	require.Equal(t, schema.ResponseAccepted, ack.Response.Type)

	buyID, err := buyer.NewOrder(1, schema.OrderSideBuy, 100, 10)
	require.NoError(t, err)

	b1 := nextResponse(t, buyer)
	b2 := nextResponse(t, buyer)
	assert.Equal(t, schema.ResponseAccepted, b1.Response.Type)
	assert.Equal(t, schema.ResponseFilled, b2.Response.Type)
	assert.Equal(t, []uint64{1, 2}, []uint64{b1.Seq, b2.Seq})
	assert.Equal(t, schema.Quantity(10), b2.Response.ExecQty)

	s2 := nextResponse(t, seller)
	assert.Equal(t, uint64(2), s2.Seq)
	assert.Equal(t, schema.ResponseFilled, s2.Response.Type)
	assert.Equal(t, schema.Price(100), s2.Response.Price)

	so, ok := seller.Order(sellID)
	require.True(t, ok)
	assert.Equal(t, OrderStateFilled, so.State)
	bo, ok := buyer.Order(buyID)
	require.True(t, ok)
	assert.Equal(t, OrderStateFilled, bo.State)
}

func TestGatewayCancelAndDoubleCancel(t *testing.T) {
	f := startGateway(t)
	c := f.dial(t, 1)

	id, err := c.NewOrder(1, schema.OrderSideBuy, 99, 5)
	require.NoError(t, err)
	require.Equal(t, schema.ResponseAccepted, nextResponse(t, c).Response.Type)

	require.NoError(t, c.Cancel(1, id))
	canceled := nextResponse(t, c)
	assert.Equal(t, schema.ResponseCanceled, canceled.Response.Type)
	assert.Equal(t, schema.Quantity(5), canceled.Response.LeavesQty)

	require.NoError(t, c.Cancel(1, id))
	rejected := nextResponse(t, c)
	assert.Equal(t, schema.ResponseCancelRejected, rejected.Response.Type)
	assert.Equal(t, uint64(3), rejected.Seq)
}

func TestGatewayRejectsOutOfSequence(t *testing.T) {
	f := startGateway(t)
	c := f.dial(t, 1)

	require.NoError(t, c.SendFrame(codec.RequestFrame{
		Seq:     5,
		Request: schema.ClientRequest{Type: schema.RequestNew, ClientID: 1, OrderID: 1, SymbolID: 1, Side: schema.OrderSideBuy, Price: 1, Qty: 1},
	}))
	rsp := nextResponse(t, c)
	assert.Equal(t, schema.ResponseRejected, rsp.Response.Type)
	assert.Equal(t, schema.ReasonOutOfSequence, rsp.Response.Reason)

	_, err := c.NewOrder(1, schema.OrderSideBuy, 1, 1)
	require.NoError(t, err)
	ack := nextResponse(t, c)
	assert.Equal(t, schema.ResponseAccepted, ack.Response.Type)
	assert.Equal(t, uint64(2), ack.Seq)
	assert.GreaterOrEqual(t, f.metrics.Snapshot().ProtocolErrors, uint64(1))
}

func TestGatewayIgnoresForeignClient(t *testing.T) {
	f := startGateway(t)
	owner := f.dial(t, 1)
	intruder := f.dial(t, 2)

	_, err := owner.NewOrder(1, schema.OrderSideBuy, 10, 1)
	require.NoError(t, err)
	nextResponse(t, owner)

	require.NoError(t, intruder.SendFrame(codec.RequestFrame{
		Seq:     2,
		Request: schema.ClientRequest{Type: schema.RequestNew, ClientID: 1, OrderID: 2, SymbolID: 1, Side: schema.OrderSideBuy, Price: 10, Qty: 1},
	}))
	require.Eventually(t, func() bool { return f.metrics.Snapshot().ProtocolErrors == 1 }, 3*time.Second, 5*time.Millisecond)

	// the owner's sequence did not advance
	_, err = owner.NewOrder(1, schema.OrderSideBuy, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, schema.ResponseAccepted, nextResponse(t, owner).Response.Type)

	select {
	case f := <-intruder.Responses():
		t.Fatalf("intruder received %+v", f)
	default:
	}
}

func TestGatewayMalformedFrameClosesSession(t *testing.T) {
	f := startGateway(t)
	c := f.dial(t, 1)

	require.NoError(t, c.SendFrame(codec.RequestFrame{Seq: 1, Request: schema.ClientRequest{Type: 9, ClientID: 1}}))
	select {
	case _, ok := <-c.Responses():
		require.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed")
	}
}

func TestGatewayReconnectKeepsSequencesAndOrders(t *testing.T) {
	f := startGateway(t)
	first := f.dial(t, 1)

	_, err := first.NewOrder(1, schema.OrderSideSell, 100, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nextResponse(t, first).Seq)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.metrics.Snapshot().Sessions == 0 }, 3*time.Second, 5*time.Millisecond)

	// the resting order survives the disconnect
	taker := f.dial(t, 2)
	_, err = taker.NewOrder(1, schema.OrderSideBuy, 100, 3)
	require.NoError(t, err)
	nextResponse(t, taker)
	fill := nextResponse(t, taker)
	assert.Equal(t, schema.ResponseFilled, fill.Response.Type)
	assert.Equal(t, schema.Quantity(3), fill.Response.ExecQty)
	require.Eventually(t, func() bool { return f.metrics.Snapshot().DroppedResponses >= 1 }, 3*time.Second, 5*time.Millisecond)

	// a new session restarting at seq 1 is out of sequence; outgoing seq continues past the dropped fill
	again := f.dial(t, 1)
	_, err = again.NewOrder(1, schema.OrderSideBuy, 1, 1)
	require.NoError(t, err)
	rsp := nextResponse(t, again)
	assert.Equal(t, schema.ReasonOutOfSequence, rsp.Response.Reason)
	assert.Equal(t, uint64(3), rsp.Seq)
}

func TestGatewayResumedClientContinuesSequence(t *testing.T) {
	f := startGateway(t)
	first := f.dial(t, 1)

	sellID, err := first.NewOrder(1, schema.OrderSideSell, 100, 3)
	require.NoError(t, err)
	require.Equal(t, schema.ResponseAccepted, nextResponse(t, first).Response.Type)
	assert.Equal(t, Resume{NextSeq: 2, NextOrderID: 2}, first.Resume())
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.metrics.Snapshot().Sessions == 0 }, 3*time.Second, 5*time.Millisecond)

	second, err := first.Reconnect(context.Background(), Backoff{Min: time.Millisecond, Attempts: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	buyID, err := second.NewOrder(1, schema.OrderSideBuy, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderID(2), buyID)
	ack := nextResponse(t, second)
	assert.Equal(t, schema.ResponseAccepted, ack.Response.Type)
	assert.Equal(t, uint64(2), ack.Seq)

	// fills of orders placed before the reconnect reach the resumed client
	taker := f.dial(t, 2)
	_, err = taker.NewOrder(1, schema.OrderSideBuy, 100, 3)
	require.NoError(t, err)
	fill := nextResponse(t, second)
	assert.Equal(t, schema.ResponseFilled, fill.Response.Type)
	assert.Equal(t, sellID, fill.Response.ClientOrderID)
	o, ok := second.Order(sellID)
	require.True(t, ok)
	assert.Equal(t, OrderStateFilled, o.State)
}

func TestGatewayStopDeliversInFlightResponses(t *testing.T) {
	requests := bus.NewRing[schema.ClientRequest](16)
	responses := bus.NewRing[schema.ClientResponse](16)
	server, err := NewServer(Config{Addr: "127.0.0.1:0", CPU: affinity.NoCPU, DrainTimeout: time.Second}, requests, responses, obs.NewMetrics())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.Start(ctx))

	c, err := Dial(context.Background(), server.Addr().String(), 1, 8)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	id, err := c.NewOrder(1, schema.OrderSideBuy, 10, 1)
	require.NoError(t, err)

	// a slow engine: takes the request, then answers after the gateway was told to stop
	taken := make(chan schema.ClientRequest, 1)
	go func() {
		var req *schema.ClientRequest
		for req = requests.Read(); req == nil; req = requests.Read() {
			time.Sleep(time.Millisecond)
		}
		r := *req
		requests.Release()
		taken <- r
		time.Sleep(20 * time.Millisecond)
		slot := responses.Write()
		*slot = schema.ClientResponse{Type: schema.ResponseAccepted, Side: r.Side, ClientID: 1, SymbolID: 1, ClientOrderID: r.OrderID, MarketOrderID: 1, Price: 10, LeavesQty: 1}
		responses.Commit()
	}()
	select {
	case req := <-taken:
		require.Equal(t, id, req.OrderID)
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the request ring")
	}

	server.Stop()
	server.Wait()

	rsp := nextResponse(t, c)
	assert.Equal(t, schema.ResponseAccepted, rsp.Response.Type)
	assert.Equal(t, id, rsp.Response.ClientOrderID)
}
