package mdg

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/codec"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/internal/state"
	"exchange/pkg/affinity"
	"exchange/pkg/exception"
)

// SynthesizerConfig tunes the snapshot synthesizer thread.
type SynthesizerConfig struct {
	CPU          int
	BusyPoll     bool
	DrainTimeout time.Duration
	Interval     time.Duration
	// SnapshotPath, when set, receives the mirror as JSON after every cycle.
	SnapshotPath string
}

// Synthesizer folds the sequenced incremental stream into a book mirror and
// periodically publishes the whole mirror on the snapshot transport:
// SNAPSHOT_START, then per symbol CLEAR and one ADD per resting order, then
// SNAPSHOT_END. Both markers carry the last incremental sequence folded in
// as OrderID. Snapshot datagrams are numbered from 0 within each cycle.
type Synthesizer struct {
	cfg      SynthesizerConfig
	registry *schema.Registry
	in       *bus.Ring[schema.SequencedUpdate]
	out      Transport
	metrics  *obs.Metrics
	mirror   *state.Mirror

	buf      [codec.MarketUpdateSize]byte
	snapSeq  uint64
	sendErrs uint64

	running atomic.Bool
	done    chan struct{}
}

// NewSynthesizer creates a synthesizer over every registered symbol.
func NewSynthesizer(cfg SynthesizerConfig, registry *schema.Registry, in *bus.Ring[schema.SequencedUpdate],
	out Transport, metrics *obs.Metrics) (*Synthesizer, error) {
	if registry == nil || in == nil || out == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "new snapshot synthesizer")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	return &Synthesizer{
		cfg:      cfg,
		registry: registry,
		in:       in,
		out:      out,
		metrics:  metrics,
		mirror:   state.NewMirror(),
		done:     make(chan struct{}),
	}, nil
}

// Mirror exposes the synthesizer's book mirror. Only safe once the thread
// has exited or when driving the synthesizer directly.
func (s *Synthesizer) Mirror() *state.Mirror {
	return s.mirror
}

// Start launches the synthesizer thread.
func (s *Synthesizer) Start(ctx context.Context) {
	s.running.Store(true)
	go s.run(ctx)
}

// Stop asks the synthesizer thread to drain and exit.
func (s *Synthesizer) Stop() {
	s.running.Store(false)
}

// Wait blocks until the synthesizer thread has exited.
func (s *Synthesizer) Wait() {
	<-s.done
}

func (s *Synthesizer) run(ctx context.Context) {
	defer close(s.done)

	unlock, err := affinity.Lock(s.cfg.CPU)
	defer unlock()
	if err != nil {
		logs.Warnf("snapshot synthesizer: pin cpu %d, err: %+v", s.cfg.CPU, err)
	}
	logs.Infof("snapshot synthesizer started, interval %s", s.cfg.Interval)

	last := time.Now()
	for s.running.Load() && ctx.Err() == nil {
		n := s.in.Drain(s.Apply)
		if now := time.Now(); now.Sub(last) >= s.cfg.Interval {
			last = now
			s.PublishSnapshot()
			continue
		}
		if n == 0 && !s.cfg.BusyPoll {
			runtime.Gosched()
		}
	}

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for !s.in.Empty() && time.Now().Before(deadline) {
		s.in.Drain(s.Apply)
	}
	if n := s.in.Len(); n > 0 {
		logs.Warnf("snapshot synthesizer: drain timeout, %d updates left", n)
	}
	s.writeSnapshotFile()
	logs.Infof("snapshot synthesizer stopped, last seq %d, orders %d", s.mirror.LastSeq(), s.mirror.Len())
}

// Apply folds one sequenced update into the mirror. A break in the
// incremental sequence is an alarm; the update is still applied.
func (s *Synthesizer) Apply(u *schema.SequencedUpdate) {
	if err := s.mirror.Apply(*u); err != nil {
		s.metrics.IncSequenceGap()
		logs.Errorf("snapshot synthesizer: incremental stream not contiguous, err: %+v", err)
	}
}

// PublishSnapshot sends one full snapshot cycle.
func (s *Synthesizer) PublishSnapshot() {
	s.snapSeq = 0
	last := schema.OrderID(s.mirror.LastSeq())

	s.emit(schema.MarketUpdate{Type: schema.UpdateSnapshotStart, OrderID: last})
	orders := 0
	for i := 0; i < s.registry.SymbolCount(); i++ {
		sym, _ := s.registry.SymbolAt(i)
		s.emit(schema.MarketUpdate{Type: schema.UpdateClear, SymbolID: sym.ID})
		for _, o := range s.mirror.Orders(sym.ID) {
			s.emit(schema.MarketUpdate{
				Type:     schema.UpdateAdd,
				Side:     o.Side,
				SymbolID: o.SymbolID,
				OrderID:  o.OrderID,
				Price:    o.Price,
				Qty:      o.Qty,
				Priority: o.Priority,
			})
			orders++
		}
	}
	s.emit(schema.MarketUpdate{Type: schema.UpdateSnapshotEnd, OrderID: last})

	s.metrics.IncSnapshot()
	logs.Debugf("snapshot synthesizer: published snapshot at seq %d, %d orders, %d datagrams", last, orders, s.snapSeq)
	s.writeSnapshotFile()
}

func (s *Synthesizer) emit(u schema.MarketUpdate) {
	datagram := codec.EncodeMarketUpdate(s.buf[:0], schema.SequencedUpdate{Seq: s.snapSeq, Update: u})
	s.snapSeq++
	if err := s.out.Send(datagram); err != nil {
		s.metrics.IncSendError()
		s.sendErrs++
		if s.sendErrs%sendLogEvery == 1 {
			logs.Warnf("snapshot synthesizer: send (%d failures), err: %+v", s.sendErrs, err)
		}
	}
}

func (s *Synthesizer) writeSnapshotFile() {
	if s.cfg.SnapshotPath == "" {
		return
	}
	if err := state.WriteSnapshot(s.cfg.SnapshotPath, s.mirror.Snapshot()); err != nil {
		logs.Warnf("snapshot synthesizer: write %s, err: %+v", s.cfg.SnapshotPath, err)
	}
}
