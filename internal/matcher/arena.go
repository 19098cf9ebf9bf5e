package matcher

import "exchange/internal/schema"

const nilIndex int32 = -1

// restingOrder is an arena slot. prev and next link orders within one price level.
type restingOrder struct {
	marketOrderID schema.OrderID
	clientOrderID schema.OrderID
	clientID      schema.ClientID
	side          schema.OrderSide
	price         schema.Price
	qty           schema.Quantity
	priority      schema.Priority
	prev, next    int32
}

// arena hands out order slots by index and recycles released ones.
type arena struct {
	orders []restingOrder
	free   []int32
}

func newArena(capacity int) *arena {
	return &arena{
		orders: make([]restingOrder, 0, capacity),
		free:   make([]int32, 0, capacity),
	}
}

func (a *arena) alloc() int32 {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		return idx
	}
	a.orders = append(a.orders, restingOrder{})
	return int32(len(a.orders) - 1)
}

func (a *arena) release(idx int32) {
	a.orders[idx] = restingOrder{prev: nilIndex, next: nilIndex}
	a.free = append(a.free, idx)
}

func (a *arena) at(idx int32) *restingOrder {
	return &a.orders[idx]
}

// live returns the number of slots in use.
func (a *arena) live() int {
	return len(a.orders) - len(a.free)
}
