package chaos

import (
	"math/rand"
	"time"

	"github.com/yanun0323/errors"
)

// Config controls fault injection on an outgoing datagram stream.
type Config struct {
	Seed          int64   `json:"seed"`
	DropRate      float64 `json:"dropRate"`
	DuplicateRate float64 `json:"duplicateRate"`
	ReorderWindow int     `json:"reorderWindow"`
}

// Enabled reports whether the config injects any fault.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.Errorf("chaos: drop rate %f must be within [0, 1]", c.DropRate)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Errorf("chaos: duplicate rate %f must be within [0, 1]", c.DuplicateRate)
	}
	if c.ReorderWindow < 0 {
		return errors.Errorf("chaos: reorder window %d must be >= 0", c.ReorderWindow)
	}
	return nil
}

// Stats counts injected faults.
type Stats struct {
	Dropped    uint64 `json:"dropped"`
	Duplicated uint64 `json:"duplicated"`
	Reordered  uint64 `json:"reordered"`
}

// Engine drops, duplicates and reorders datagrams. A nil engine passes
// everything through. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending [][]byte
	free    [][]byte
	stats   Stats
}

// NewEngine creates a chaos engine. A zero seed picks one from the clock.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Process feeds one datagram and calls emit for every datagram released.
// Emitted slices are only valid during the call.
func (e *Engine) Process(datagram []byte, emit func([]byte)) {
	if e == nil {
		emit(datagram)
		return
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		e.stats.Dropped++
		return
	}
	if e.cfg.ReorderWindow <= 1 {
		e.release(datagram, emit)
		return
	}

	e.pending = append(e.pending, e.hold(datagram))
	if len(e.pending) < e.cfg.ReorderWindow {
		return
	}
	e.releaseOne(emit)
}

// Flush releases every held datagram in random order.
func (e *Engine) Flush(emit func([]byte)) {
	if e == nil {
		return
	}
	for len(e.pending) > 0 {
		e.releaseOne(emit)
	}
}

// Stats returns fault counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return e.stats
}

func (e *Engine) releaseOne(emit func([]byte)) {
	idx := e.rng.Intn(len(e.pending))
	if idx != 0 {
		e.stats.Reordered++
	}
	buf := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	e.release(buf, emit)
	e.free = append(e.free, buf[:0])
}

func (e *Engine) release(datagram []byte, emit func([]byte)) {
	emit(datagram)
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.stats.Duplicated++
		emit(datagram)
	}
}

func (e *Engine) hold(datagram []byte) []byte {
	var buf []byte
	if n := len(e.free); n > 0 {
		buf = e.free[n-1]
		e.free = e.free[:n-1]
	}
	return append(buf, datagram...)
}
