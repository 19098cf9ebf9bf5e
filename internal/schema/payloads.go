package schema

// Price is a scaled integer. The scale is defined per symbol by the registry.
type Price int64

// Quantity is a whole number of units. The wire carries it as uint32.
type Quantity int64

// Notional is price times quantity in price scale.
type Notional int64

// ClientID identifies a trading client on the order gateway.
type ClientID uint32

// OrderID identifies an order. Client order ids are chosen by the client,
// market order ids are assigned by the matching engine.
type OrderID uint64

// Priority is the arrival rank of a resting order within its book.
type Priority uint64

// MaxQuantity is the largest quantity representable on the wire.
const MaxQuantity = Quantity(^uint32(0))

// OrderSide describes order direction.
type OrderSide uint16

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

// OrderSideUnknown is the zero side.
const OrderSideUnknown = _order_side_beg

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

// Opposite returns the contra side.
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case OrderSideBuy:
		return OrderSideSell
	case OrderSideSell:
		return OrderSideBuy
	default:
		return OrderSideUnknown
	}
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// RequestType is the kind of client request.
type RequestType uint16

const (
	_request_type_beg RequestType = iota
	RequestNew
	RequestCancel
	_request_type_end
)

// RequestUnknown is the zero request type.
const RequestUnknown = _request_type_beg

func (t RequestType) IsAvailable() bool {
	return t > _request_type_beg && t < _request_type_end
}

func (t RequestType) String() string {
	switch t {
	case RequestNew:
		return "NEW"
	case RequestCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// ClientRequest is produced by the order gateway and consumed once by the matching engine.
type ClientRequest struct {
	Type     RequestType
	Side     OrderSide
	ClientID ClientID
	OrderID  OrderID
	SymbolID SymbolID
	Price    Price
	Qty      Quantity
	TsRecv   int64
}

// ResponseType is the kind of client response.
type ResponseType uint16

const (
	_response_type_beg ResponseType = iota
	ResponseAccepted
	ResponseCanceled
	ResponseFilled
	ResponseCancelRejected
	ResponseRejected
	_response_type_end
)

// ResponseUnknown is the zero response type.
const ResponseUnknown = _response_type_beg

func (t ResponseType) IsAvailable() bool {
	return t > _response_type_beg && t < _response_type_end
}

// IsTerminal reports whether no further responses follow for the order.
// FILLED is terminal only when nothing is left.
func (t ResponseType) IsTerminal() bool {
	switch t {
	case ResponseCanceled, ResponseCancelRejected, ResponseRejected:
		return true
	default:
		return false
	}
}

func (t ResponseType) String() string {
	switch t {
	case ResponseAccepted:
		return "ACCEPTED"
	case ResponseCanceled:
		return "CANCELED"
	case ResponseFilled:
		return "FILLED"
	case ResponseCancelRejected:
		return "CANCEL_REJECTED"
	case ResponseRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// RejectReason explains a REJECTED or CANCEL_REJECTED response.
type RejectReason uint16

const (
	ReasonNone RejectReason = iota
	ReasonUnknownSymbol
	ReasonInvalidSide
	ReasonInvalidPrice
	ReasonInvalidQty
	ReasonDuplicateOrder
	ReasonUnknownOrder
	ReasonKillSwitch
	ReasonMaxQty
	ReasonMaxNotional
	ReasonPriceBand
	ReasonRateLimit
	ReasonPositionLimit
	ReasonOutOfSequence
	_reason_end
)

// ReasonCount is the number of defined reasons.
const ReasonCount = int(_reason_end)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "NONE"
	case ReasonUnknownSymbol:
		return "UNKNOWN_SYMBOL"
	case ReasonInvalidSide:
		return "INVALID_SIDE"
	case ReasonInvalidPrice:
		return "INVALID_PRICE"
	case ReasonInvalidQty:
		return "INVALID_QTY"
	case ReasonDuplicateOrder:
		return "DUPLICATE_ORDER"
	case ReasonUnknownOrder:
		return "UNKNOWN_ORDER"
	case ReasonKillSwitch:
		return "KILL_SWITCH"
	case ReasonMaxQty:
		return "MAX_QTY"
	case ReasonMaxNotional:
		return "MAX_NOTIONAL"
	case ReasonPriceBand:
		return "PRICE_BAND"
	case ReasonRateLimit:
		return "RATE_LIMIT"
	case ReasonPositionLimit:
		return "POSITION_LIMIT"
	case ReasonOutOfSequence:
		return "OUT_OF_SEQUENCE"
	default:
		return "UNKNOWN"
	}
}

// ClientResponse is produced by the matching engine and routed by the
// order gateway to the session owning ClientID.
type ClientResponse struct {
	Type          ResponseType
	Side          OrderSide
	Reason        RejectReason
	ClientID      ClientID
	SymbolID      SymbolID
	ClientOrderID OrderID
	MarketOrderID OrderID
	Price         Price
	ExecQty       Quantity
	LeavesQty     Quantity
}

// UpdateType is the kind of market update.
type UpdateType uint16

const (
	_update_type_beg UpdateType = iota
	UpdateClear
	UpdateAdd
	UpdateModify
	UpdateCancel
	UpdateTrade
	UpdateSnapshotStart
	UpdateSnapshotEnd
	_update_type_end
)

// UpdateUnknown is the zero update type.
const UpdateUnknown = _update_type_beg

// UpdateTypeCount is the number of update types including the zero value.
const UpdateTypeCount = int(_update_type_end)

func (t UpdateType) IsAvailable() bool {
	return t > _update_type_beg && t < _update_type_end
}

func (t UpdateType) String() string {
	switch t {
	case UpdateClear:
		return "CLEAR"
	case UpdateAdd:
		return "ADD"
	case UpdateModify:
		return "MODIFY"
	case UpdateCancel:
		return "CANCEL"
	case UpdateTrade:
		return "TRADE"
	case UpdateSnapshotStart:
		return "SNAPSHOT_START"
	case UpdateSnapshotEnd:
		return "SNAPSHOT_END"
	default:
		return "UNKNOWN"
	}
}

// MarketUpdate is emitted by the matching engine for every book mutation and trade.
//
// For SNAPSHOT_START and SNAPSHOT_END, OrderID carries the last incremental
// sequence number folded into the snapshot.
type MarketUpdate struct {
	Type     UpdateType
	Side     OrderSide
	SymbolID SymbolID
	OrderID  OrderID
	Price    Price
	Qty      Quantity
	Priority Priority
}

// SequencedUpdate is a market update stamped with its stream sequence number.
type SequencedUpdate struct {
	Seq    uint64
	Update MarketUpdate
}
