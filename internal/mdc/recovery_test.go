package mdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/schema"
	"exchange/internal/state"
)

func add(seq uint64, symbol schema.SymbolID, id schema.OrderID, side schema.OrderSide, price schema.Price, qty schema.Quantity) schema.SequencedUpdate {
	return schema.SequencedUpdate{Seq: seq, Update: schema.MarketUpdate{
		Type: schema.UpdateAdd, SymbolID: symbol, OrderID: id, Side: side, Price: price, Qty: qty, Priority: schema.Priority(id),
	}}
}

// stream builds n incrementals alternating between resting bids and asks.
func stream(n int) []schema.SequencedUpdate {
	out := make([]schema.SequencedUpdate, 0, n)
	for i := 1; i <= n; i++ {
		side := schema.OrderSideBuy
		price := schema.Price(100 - i%5)
		if i%2 == 0 {
			side = schema.OrderSideSell
			price = schema.Price(101 + i%5)
		}
		out = append(out, add(uint64(i), schema.SymbolID(1+i%2), schema.OrderID(i), side, price, schema.Quantity(i)))
	}
	return out
}

// snapshotOf renders a snapshot cycle of src the way the synthesizer does.
func snapshotOf(src *state.Mirror, symbols ...schema.SymbolID) []schema.SequencedUpdate {
	last := schema.OrderID(src.LastSeq())
	var out []schema.SequencedUpdate
	emit := func(u schema.MarketUpdate) {
		out = append(out, schema.SequencedUpdate{Seq: uint64(len(out)), Update: u})
	}
	emit(schema.MarketUpdate{Type: schema.UpdateSnapshotStart, OrderID: last})
	for _, symbol := range symbols {
		emit(schema.MarketUpdate{Type: schema.UpdateClear, SymbolID: symbol})
		for _, o := range src.Orders(symbol) {
			emit(schema.MarketUpdate{Type: schema.UpdateAdd, Side: o.Side, SymbolID: o.SymbolID, OrderID: o.OrderID, Price: o.Price, Qty: o.Qty, Priority: o.Priority})
		}
	}
	emit(schema.MarketUpdate{Type: schema.UpdateSnapshotEnd, OrderID: last})
	return out
}

func mirrorUpTo(updates []schema.SequencedUpdate, seq uint64) *state.Mirror {
	m := state.NewMirror()
	for _, u := range updates {
		if u.Seq > seq {
			break
		}
		_ = m.Apply(u)
	}
	return m
}

func TestRecoveryInOrder(t *testing.T) {
	var got []uint64
	r := NewRecovery(func(u schema.SequencedUpdate) { got = append(got, u.Seq) })
	updates := stream(5)
	for _, u := range updates {
		r.OnIncremental(u)
	}
	r.OnIncremental(updates[2])
	r.OnSnapshot(schema.SequencedUpdate{Seq: 0, Update: schema.MarketUpdate{Type: schema.UpdateSnapshotStart}})

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.False(t, r.Recovering())
	assert.Equal(t, uint64(6), r.NextSeq())
	assert.Equal(t, Stats{Applied: 5, Duplicates: 1, Discarded: 1}, r.Stats())
	assert.Equal(t, 5, r.Mirror().Len())
}

func TestRecoveryFromSnapshot(t *testing.T) {
	updates := stream(20)
	var recovering []bool
	var got []schema.SequencedUpdate
	r := NewRecovery(func(u schema.SequencedUpdate) { got = append(got, u) })
	r.OnRecovering = func(on bool) { recovering = append(recovering, on) }

	for _, u := range updates[:5] {
		r.OnIncremental(u)
	}
	// seq 6 lost
	for _, u := range updates[6:12] {
		r.OnIncremental(u)
	}
	require.True(t, r.Recovering())
	require.Equal(t, []bool{true}, recovering)

	cycle := snapshotOf(mirrorUpTo(updates, 9), 1, 2)
	// the tail of a cycle already in flight is ignored
	r.OnSnapshot(cycle[len(cycle)-1])
	got = got[:0]
	for _, u := range cycle {
		r.OnSnapshot(u)
	}

	require.False(t, r.Recovering())
	assert.Equal(t, []bool{true, false}, recovering)
	assert.Equal(t, uint64(13), r.NextSeq())
	require.NoError(t, state.CompareSnapshots(mirrorUpTo(updates, 12).Snapshot(), r.Mirror().Snapshot()))

	// snapshot contents without the markers, then incrementals 10..12
	require.Len(t, got, len(cycle)-2+3)
	assert.Equal(t, schema.UpdateClear, got[0].Update.Type)
	assert.Equal(t, uint64(9), got[0].Seq)
	assert.Equal(t, []uint64{10, 11, 12}, []uint64{got[len(got)-3].Seq, got[len(got)-2].Seq, got[len(got)-1].Seq})

	r.OnIncremental(updates[12])
	assert.Equal(t, uint64(14), r.NextSeq())
	assert.Equal(t, uint64(1), r.Stats().Recoveries)
	assert.Equal(t, uint64(1), r.Stats().Gaps)
}

func TestRecoveryWaitsForCompleteCycle(t *testing.T) {
	updates := stream(12)
	r := NewRecovery(nil)
	r.OnIncremental(updates[0])
	for _, u := range updates[2:8] {
		r.OnIncremental(u)
	}
	require.True(t, r.Recovering())

	// a hole in the snapshot cycle discards it
	cycle := snapshotOf(mirrorUpTo(updates, 4), 1, 2)
	for i, u := range cycle {
		if i == 2 {
			continue
		}
		r.OnSnapshot(u)
	}
	require.True(t, r.Recovering())

	// a sync point older than the queued incrementals can not be bridged
	stale := snapshotOf(mirrorUpTo(updates, 1), 1, 2)
	for _, u := range stale {
		r.OnSnapshot(u)
	}
	require.True(t, r.Recovering())

	for _, u := range cycle {
		r.OnSnapshot(u)
	}
	require.False(t, r.Recovering())
	assert.Equal(t, uint64(9), r.NextSeq())
	require.NoError(t, state.CompareSnapshots(mirrorUpTo(updates, 8).Snapshot(), r.Mirror().Snapshot()))
}

func TestRecoveryIncrementalHoleAfterSyncPoint(t *testing.T) {
	updates := stream(12)
	r := NewRecovery(nil)
	r.OnIncremental(updates[0])
	r.OnIncremental(updates[2])
	r.OnIncremental(updates[4])
	require.True(t, r.Recovering())

	// sync at 2 needs 3..5, and 4 is missing
	for _, u := range snapshotOf(mirrorUpTo(updates, 2), 1, 2) {
		r.OnSnapshot(u)
	}
	require.True(t, r.Recovering())

	r.OnIncremental(updates[3])
	for _, u := range snapshotOf(mirrorUpTo(updates, 2), 1, 2) {
		r.OnSnapshot(u)
	}
	require.False(t, r.Recovering())
	assert.Equal(t, uint64(6), r.NextSeq())
	assert.Equal(t, 5, r.Mirror().Len())
}

func TestRecoveryDuplicateSnapshotSeqRestartsCycle(t *testing.T) {
	updates := stream(6)
	r := NewRecovery(nil)
	r.OnIncremental(updates[0])
	r.OnIncremental(updates[2])

	cycle := snapshotOf(mirrorUpTo(updates, 3), 1, 2)
	r.OnSnapshot(cycle[0])
	r.OnSnapshot(cycle[1])
	for _, u := range cycle {
		r.OnSnapshot(u)
	}
	require.False(t, r.Recovering())
	assert.Equal(t, uint64(4), r.NextSeq())
}

func TestRecoveryDropsOutOfRangeSnapshotSeq(t *testing.T) {
	updates := stream(6)
	r := NewRecovery(nil)
	r.OnIncremental(updates[0])
	r.OnIncremental(updates[2])
	require.True(t, r.Recovering())

	assert.NotPanics(t, func() {
		r.OnSnapshot(schema.SequencedUpdate{Seq: 1 << 63, Update: schema.MarketUpdate{Type: schema.UpdateSnapshotStart}})
		r.OnSnapshot(schema.SequencedUpdate{Seq: 1 << 40, Update: schema.MarketUpdate{Type: schema.UpdateAdd}})
		r.OnSnapshot(schema.SequencedUpdate{Seq: DefaultMaxSnapshotDatagrams, Update: schema.MarketUpdate{Type: schema.UpdateAdd}})
	})
	assert.Equal(t, uint64(3), r.Stats().OutOfRange)
	assert.Empty(t, r.snap)

	// a genuine cycle still completes afterwards
	for _, u := range snapshotOf(mirrorUpTo(updates, 3), 1, 2) {
		r.OnSnapshot(u)
	}
	require.False(t, r.Recovering())
	assert.Equal(t, uint64(4), r.NextSeq())
}

func TestRecoveryCustomSnapshotBound(t *testing.T) {
	updates := stream(6)
	r := NewRecovery(nil)
	r.MaxSnapshotDatagrams = 3
	r.OnIncremental(updates[0])
	r.OnIncremental(updates[2])

	// two symbols with orders need more than three datagrams
	for _, u := range snapshotOf(mirrorUpTo(updates, 3), 1, 2) {
		r.OnSnapshot(u)
	}
	assert.True(t, r.Recovering())
	assert.NotZero(t, r.Stats().OutOfRange)
}
