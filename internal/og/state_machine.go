package og

import (
	"errors"

	"exchange/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// OrderState tracks the lifecycle of an order as seen by a client.
type OrderState uint16

const (
	OrderStateUnknown OrderState = iota
	OrderStateSent
	OrderStateAccepted
	OrderStatePartFilled
	OrderStateFilled
	OrderStateCanceled
	OrderStateRejected
)

func (s OrderState) String() string {
	switch s {
	case OrderStateSent:
		return "SENT"
	case OrderStateAccepted:
		return "ACCEPTED"
	case OrderStatePartFilled:
		return "PART_FILLED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCanceled:
		return "CANCELED"
	case OrderStateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Order holds the client's view of an order.
type Order struct {
	ID            schema.OrderID
	MarketOrderID schema.OrderID
	SymbolID      schema.SymbolID
	Side          schema.OrderSide
	Price         schema.Price
	Qty           schema.Quantity
	LeavesQty     schema.Quantity
	FilledQty     schema.Quantity
	Reason        schema.RejectReason
	State         OrderState
}

// StateMachine updates orders from sent requests and received responses.
type StateMachine struct {
	orders map[schema.OrderID]*Order
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[schema.OrderID]*Order)}
}

// Order returns the current order state.
func (m *StateMachine) Order(id schema.OrderID) (*Order, bool) {
	o, ok := m.orders[id]
	return o, ok
}

// Open returns the number of orders not in a terminal state.
func (m *StateMachine) Open() int {
	n := 0
	for _, o := range m.orders {
		if !isTerminal(o.State) {
			n++
		}
	}
	return n
}

// ApplyNew records a NEW request in Sent state.
func (m *StateMachine) ApplyNew(req schema.ClientRequest) (*Order, error) {
	if req.OrderID == 0 {
		return nil, ErrUnknownOrder
	}
	if o, ok := m.orders[req.OrderID]; ok && !isTerminal(o.State) {
		return nil, ErrDuplicateOrder
	}
	o := &Order{
		ID:        req.OrderID,
		SymbolID:  req.SymbolID,
		Side:      req.Side,
		Price:     req.Price,
		Qty:       req.Qty,
		LeavesQty: req.Qty,
		State:     OrderStateSent,
	}
	m.orders[o.ID] = o
	return o, nil
}

// ApplyResponse updates an order from an execution report.
func (m *StateMachine) ApplyResponse(rsp schema.ClientResponse) (*Order, error) {
	o, ok := m.orders[rsp.ClientOrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}

	switch rsp.Type {
	case schema.ResponseCancelRejected:
		// the order keeps whatever state it reached
		return o, nil
	case schema.ResponseRejected:
		if o.State != OrderStateSent {
			return o, ErrInvalidTransition
		}
		o.State = OrderStateRejected
		o.Reason = rsp.Reason
		o.LeavesQty = 0
		return o, nil
	}

	if isTerminal(o.State) {
		return o, ErrInvalidTransition
	}

	switch rsp.Type {
	case schema.ResponseAccepted:
		if o.State != OrderStateSent {
			return o, ErrInvalidTransition
		}
		o.MarketOrderID = rsp.MarketOrderID
		o.LeavesQty = rsp.LeavesQty
		o.State = OrderStateAccepted
	case schema.ResponseFilled:
		if rsp.ExecQty <= 0 || rsp.ExecQty > o.LeavesQty {
			return o, ErrInvalidFill
		}
		o.FilledQty += rsp.ExecQty
		o.LeavesQty = rsp.LeavesQty
		if o.LeavesQty == 0 {
			o.State = OrderStateFilled
		} else {
			o.State = OrderStatePartFilled
		}
	case schema.ResponseCanceled:
		o.LeavesQty = 0
		o.State = OrderStateCanceled
	default:
		return o, ErrInvalidTransition
	}
	return o, nil
}

func isTerminal(state OrderState) bool {
	switch state {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}
