package og

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/schema"
)

func TestStateMachineFillLifecycle(t *testing.T) {
	m := NewStateMachine()
	_, err := m.ApplyNew(schema.ClientRequest{OrderID: 1, SymbolID: 1, Side: schema.OrderSideBuy, Price: 100, Qty: 10})
	require.NoError(t, err)
	_, err = m.ApplyNew(schema.ClientRequest{OrderID: 1, Qty: 1})
	require.ErrorIs(t, err, ErrDuplicateOrder)

	o, err := m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseAccepted, ClientOrderID: 1, MarketOrderID: 55, LeavesQty: 10})
	require.NoError(t, err)
	assert.Equal(t, OrderStateAccepted, o.State)
	assert.Equal(t, schema.OrderID(55), o.MarketOrderID)

	o, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseFilled, ClientOrderID: 1, ExecQty: 4, LeavesQty: 6})
	require.NoError(t, err)
	assert.Equal(t, OrderStatePartFilled, o.State)

	_, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseFilled, ClientOrderID: 1, ExecQty: 7, LeavesQty: 0})
	require.ErrorIs(t, err, ErrInvalidFill)

	o, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseFilled, ClientOrderID: 1, ExecQty: 6, LeavesQty: 0})
	require.NoError(t, err)
	assert.Equal(t, OrderStateFilled, o.State)
	assert.Equal(t, schema.Quantity(10), o.FilledQty)
	assert.Zero(t, m.Open())

	o, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseCancelRejected, ClientOrderID: 1})
	require.NoError(t, err)
	assert.Equal(t, OrderStateFilled, o.State)

	_, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseCanceled, ClientOrderID: 1})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStateMachineRejectAndCancel(t *testing.T) {
	m := NewStateMachine()
	_, _ = m.ApplyNew(schema.ClientRequest{OrderID: 1, Qty: 5})
	_, _ = m.ApplyNew(schema.ClientRequest{OrderID: 2, Qty: 5})
	require.Equal(t, 2, m.Open())

	o, err := m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseRejected, ClientOrderID: 1, Reason: schema.ReasonMaxQty})
	require.NoError(t, err)
	assert.Equal(t, OrderStateRejected, o.State)
	assert.Equal(t, schema.ReasonMaxQty, o.Reason)

	// a rejected id may be reused
	_, err = m.ApplyNew(schema.ClientRequest{OrderID: 1, Qty: 5})
	require.NoError(t, err)

	_, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseAccepted, ClientOrderID: 2, LeavesQty: 5})
	require.NoError(t, err)
	o, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseCanceled, ClientOrderID: 2})
	require.NoError(t, err)
	assert.Equal(t, OrderStateCanceled, o.State)

	_, err = m.ApplyResponse(schema.ClientResponse{Type: schema.ResponseAccepted, ClientOrderID: 9})
	require.ErrorIs(t, err, ErrUnknownOrder)
}
