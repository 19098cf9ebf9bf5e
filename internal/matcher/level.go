package matcher

import (
	"sort"

	"exchange/internal/schema"
)

// priceLevel is a FIFO of orders at one price.
type priceLevel struct {
	price    schema.Price
	head     int32
	tail     int32
	count    int
	lastPrio schema.Priority
}

// sideBook keeps price levels sorted so that the best level is last.
// Bids are ascending and asks descending, which makes popping the best
// level after it empties a slice truncation.
type sideBook struct {
	side   schema.OrderSide
	levels []*priceLevel
	pool   []*priceLevel
}

// search returns the insertion point for price in the sorted slice.
func (s *sideBook) search(price schema.Price) int {
	if s.side == schema.OrderSideBuy {
		return sort.Search(len(s.levels), func(i int) bool { return s.levels[i].price >= price })
	}
	return sort.Search(len(s.levels), func(i int) bool { return s.levels[i].price <= price })
}

func (s *sideBook) find(price schema.Price) (*priceLevel, int) {
	i := s.search(price)
	if i < len(s.levels) && s.levels[i].price == price {
		return s.levels[i], i
	}
	return nil, i
}

func (s *sideBook) getOrCreate(price schema.Price) *priceLevel {
	lvl, i := s.find(price)
	if lvl != nil {
		return lvl
	}
	if n := len(s.pool); n > 0 {
		lvl = s.pool[n-1]
		s.pool = s.pool[:n-1]
	} else {
		lvl = &priceLevel{}
	}
	*lvl = priceLevel{price: price, head: nilIndex, tail: nilIndex}

	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
	return lvl
}

func (s *sideBook) remove(price schema.Price) {
	lvl, i := s.find(price)
	if lvl == nil {
		return
	}
	copy(s.levels[i:], s.levels[i+1:])
	s.levels[len(s.levels)-1] = nil
	s.levels = s.levels[:len(s.levels)-1]
	s.pool = append(s.pool, lvl)
}

func (s *sideBook) best() *priceLevel {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[len(s.levels)-1]
}
