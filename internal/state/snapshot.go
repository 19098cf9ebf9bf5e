package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/errors"

	"exchange/internal/schema"
)

// Snapshot captures the mirror at a sequence number.
type Snapshot struct {
	Timestamp int64   `json:"timestamp"`
	LastSeq   uint64  `json:"lastSeq"`
	Orders    []Order `json:"orders"`
}

// Snapshot returns the mirror contents ordered by symbol and book order.
func (m *Mirror) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		LastSeq:   m.lastSeq,
		Orders:    make([]Order, 0, m.Len()),
	}
	for _, symbol := range m.Symbols() {
		snap.Orders = append(snap.Orders, m.Orders(symbol)...)
	}
	return snap
}

// Restore replaces the mirror contents with a snapshot.
func (m *Mirror) Restore(snap Snapshot) {
	m.Reset()
	for _, o := range snap.Orders {
		m.Fold(o.update())
	}
	m.lastSeq = snap.LastSeq
}

// WriteSnapshot writes a snapshot as JSON. The file is replaced atomically.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir").With("dir", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename snapshot").With("path", path)
	}
	return nil
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "read snapshot").With("path", path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot").With("path", path)
	}
	return snap, nil
}

// CompareSnapshots reports the first difference between two snapshots.
// Timestamps are ignored.
func CompareSnapshots(expected, actual Snapshot) error {
	if expected.LastSeq != actual.LastSeq {
		return errors.Errorf("last seq mismatch: expected=%d actual=%d", expected.LastSeq, actual.LastSeq)
	}
	type key struct {
		symbol schema.SymbolID
		order  schema.OrderID
	}
	want := make(map[key]Order, len(expected.Orders))
	for _, o := range expected.Orders {
		want[key{o.SymbolID, o.OrderID}] = o
	}
	for _, o := range actual.Orders {
		w, ok := want[key{o.SymbolID, o.OrderID}]
		if !ok {
			return errors.Errorf("unexpected order: symbol=%d order=%d", o.SymbolID, o.OrderID)
		}
		if w != o {
			return errors.Errorf("order mismatch: expected=%+v actual=%+v", w, o)
		}
		delete(want, key{o.SymbolID, o.OrderID})
	}
	for k := range want {
		return errors.Errorf("missing order: symbol=%d order=%d", k.symbol, k.order)
	}
	return nil
}
