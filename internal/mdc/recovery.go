package mdc

import (
	"github.com/yanun0323/logs"

	"exchange/internal/schema"
	"exchange/internal/state"
)

// Stats counts recovery activity.
type Stats struct {
	Applied    uint64 `json:"applied"`
	Duplicates uint64 `json:"duplicates"`
	Gaps       uint64 `json:"gaps"`
	Recoveries uint64 `json:"recoveries"`
	Discarded  uint64 `json:"discarded"`
	// OutOfRange counts snapshot datagrams whose seq exceeds the cycle bound.
	OutOfRange uint64 `json:"outOfRange"`
}

// DefaultMaxSnapshotDatagrams bounds the datagrams of one snapshot cycle.
const DefaultMaxSnapshotDatagrams = 1 << 20

// Recovery keeps a book mirror in step with the incremental stream and
// rebuilds it from the snapshot stream after a gap. It does no I/O.
//
// While recovering, incremental and snapshot datagrams are queued until the
// queue holds a complete snapshot cycle (START at snapshot seq 0 through END
// with no holes) and every incremental after the cycle's sync point up to
// the newest one queued. The mirror is then rebuilt and the snapshot orders
// followed by those incrementals are passed to the handler.
type Recovery struct {
	mirror  *state.Mirror
	handler func(schema.SequencedUpdate)

	// OnRecovering is called with true when a gap is first seen and with
	// false once the mirror has been rebuilt.
	OnRecovering func(bool)

	// MaxSnapshotDatagrams drops snapshot datagrams with a seq at or above
	// it. Zero means DefaultMaxSnapshotDatagrams.
	MaxSnapshotDatagrams int

	nextSeq    uint64
	recovering bool

	snap       []schema.MarketUpdate
	snapHave   []bool
	snapCount  int
	snapContig int

	incs   map[uint64]schema.MarketUpdate
	maxInc uint64

	stats Stats
}

// NewRecovery expects the incremental stream to start at sequence 1.
// handler may be nil.
func NewRecovery(handler func(schema.SequencedUpdate)) *Recovery {
	if handler == nil {
		handler = func(schema.SequencedUpdate) {}
	}
	return &Recovery{
		mirror:               state.NewMirror(),
		handler:              handler,
		MaxSnapshotDatagrams: DefaultMaxSnapshotDatagrams,
		nextSeq:              1,
		incs:                 make(map[uint64]schema.MarketUpdate),
	}
}

// Mirror returns the rebuilt book.
func (r *Recovery) Mirror() *state.Mirror {
	return r.mirror
}

// Recovering reports whether a gap is being repaired.
func (r *Recovery) Recovering() bool {
	return r.recovering
}

// NextSeq returns the next expected incremental sequence number.
func (r *Recovery) NextSeq() uint64 {
	return r.nextSeq
}

// Stats returns recovery counters.
func (r *Recovery) Stats() Stats {
	return r.stats
}

// OnIncremental handles one datagram from the incremental stream.
func (r *Recovery) OnIncremental(u schema.SequencedUpdate) {
	if !r.recovering {
		switch {
		case u.Seq == r.nextSeq:
			r.apply(u)
			return
		case u.Seq < r.nextSeq:
			r.stats.Duplicates++
			return
		}
		r.stats.Gaps++
		logs.Warnf("market data consumer: incremental gap, expected %d received %d", r.nextSeq, u.Seq)
		r.recovering = true
		r.resetSnapshot()
		clear(r.incs)
		r.maxInc = 0
		if r.OnRecovering != nil {
			r.OnRecovering(true)
		}
	}

	r.incs[u.Seq] = u.Update
	if u.Seq > r.maxInc {
		r.maxInc = u.Seq
	}
	r.check()
}

// OnSnapshot handles one datagram from the snapshot stream. Snapshot
// datagrams are ignored unless a gap is being repaired.
func (r *Recovery) OnSnapshot(u schema.SequencedUpdate) {
	if !r.recovering {
		r.stats.Discarded++
		return
	}

	limit := r.MaxSnapshotDatagrams
	if limit <= 0 {
		limit = DefaultMaxSnapshotDatagrams
	}
	if u.Seq >= uint64(limit) {
		r.stats.OutOfRange++
		logs.Debugf("market data consumer: snapshot seq %d out of range, limit %d", u.Seq, limit)
		return
	}
	idx := int(u.Seq)
	if idx < len(r.snapHave) && r.snapHave[idx] {
		// a sequence number seen twice means the previous cycle was incomplete
		logs.Debugf("market data consumer: snapshot seq %d seen again, restarting cycle", u.Seq)
		r.resetSnapshot()
	}
	for len(r.snap) <= idx {
		r.snap = append(r.snap, schema.MarketUpdate{})
		r.snapHave = append(r.snapHave, false)
	}
	r.snap[idx] = u.Update
	r.snapHave[idx] = true
	r.snapCount++
	for r.snapContig < len(r.snapHave) && r.snapHave[r.snapContig] {
		r.snapContig++
	}
	r.check()
}

func (r *Recovery) apply(u schema.SequencedUpdate) {
	if err := r.mirror.Apply(u); err != nil {
		logs.Errorf("market data consumer: %+v", err)
	}
	r.nextSeq = u.Seq + 1
	r.stats.Applied++
	r.handler(u)
}

func (r *Recovery) resetSnapshot() {
	r.snap = r.snap[:0]
	r.snapHave = r.snapHave[:0]
	r.snapCount = 0
	r.snapContig = 0
}

func (r *Recovery) check() {
	if r.snapCount == 0 {
		return
	}
	if !r.snapHave[0] || r.snap[0].Type != schema.UpdateSnapshotStart {
		// joined mid-cycle, wait for the next START
		r.resetSnapshot()
		return
	}
	if r.snapContig < r.snapCount {
		logs.Debugf("market data consumer: hole in snapshot cycle at %d", r.snapContig)
		r.resetSnapshot()
		return
	}
	end := r.snap[r.snapContig-1]
	if end.Type != schema.UpdateSnapshotEnd {
		return
	}

	sync := uint64(end.OrderID)
	for seq := sync + 1; seq <= r.maxInc; seq++ {
		if _, ok := r.incs[seq]; !ok {
			logs.Debugf("market data consumer: incremental %d missing after sync point %d", seq, sync)
			r.resetSnapshot()
			return
		}
	}

	r.mirror.Reset()
	for _, u := range r.snap[1 : r.snapContig-1] {
		r.mirror.Fold(u)
		r.handler(schema.SequencedUpdate{Seq: sync, Update: u})
	}
	r.mirror.SetLastSeq(sync)
	r.nextSeq = sync + 1
	recovered := 0
	for seq := sync + 1; seq <= r.maxInc; seq++ {
		r.apply(schema.SequencedUpdate{Seq: seq, Update: r.incs[seq]})
		recovered++
	}

	logs.Infof("market data consumer: recovered %d snapshot orders at seq %d and %d incrementals", r.snapContig-2, sync, recovered)
	r.stats.Recoveries++
	r.recovering = false
	r.resetSnapshot()
	clear(r.incs)
	r.maxInc = 0
	if r.OnRecovering != nil {
		r.OnRecovering(false)
	}
}
