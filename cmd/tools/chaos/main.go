package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"exchange/internal/bus"
	"exchange/internal/chaos"
	"exchange/internal/codec"
	"exchange/internal/mdc"
	"exchange/internal/mdg"
	"exchange/internal/obs"
	"exchange/internal/ops"
	"exchange/internal/recorder"
	"exchange/internal/schema"
	"exchange/internal/state"
)

// sendFunc adapts a function to mdg.Transport.
type sendFunc func([]byte) error

func (f sendFunc) Send(b []byte) error { return f(b) }

type report struct {
	Updates   int         `json:"updates"`
	Snapshots int         `json:"snapshots"`
	Faults    chaos.Stats `json:"faults"`
	Consumer  mdc.Stats   `json:"consumer"`
	LastSeq   uint64      `json:"lastSeq"`
	Reached   uint64      `json:"reached"`
	Match     bool        `json:"match"`
	Diff      string      `json:"diff,omitempty"`
}

// Replays a recording through fault injection into a recovering consumer,
// interleaving snapshot cycles, and checks the consumer ends with the
// publisher's book.
func main() {
	configPath := flag.String("config", "", "Path to JSON config (symbols must match the recording)")
	dir := flag.String("dir", "", "Recording directory of one feed session")
	prefix := flag.String("prefix", "", "Segment file prefix (default: wal)")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0.01, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	every := flag.Int("snapshot-every", 100, "Publish a snapshot cycle every N updates")
	flag.Parse()

	if *dir == "" {
		log.Fatalf("-dir is required")
	}
	if *every <= 0 {
		log.Fatalf("snapshot-every must be > 0")
	}
	loaded, err := ops.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	faults, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}
	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{Dir: *dir, FilePrefix: *prefix})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	consumer := mdc.NewRecovery(nil)
	deliver := func(d []byte, fn func(schema.SequencedUpdate)) {
		if u, ok := codec.DecodeMarketUpdate(d); ok {
			fn(u)
		}
	}
	toSnapshot := sendFunc(func(d []byte) error {
		deliver(d, consumer.OnSnapshot)
		return nil
	})
	toIncremental := func(d []byte) { deliver(d, consumer.OnIncremental) }

	synth, err := mdg.NewSynthesizer(mdg.SynthesizerConfig{}, loaded.Registry,
		bus.NewRing[schema.SequencedUpdate](1), toSnapshot, obs.NewMetrics())
	if err != nil {
		log.Fatalf("synthesizer init failed: %v", err)
	}

	var r report
	buf := make([]byte, 0, codec.MarketUpdateSize)
	err = pb.RunUpdates(context.Background(), func(u schema.SequencedUpdate) error {
		synth.Apply(&u)
		buf = codec.EncodeMarketUpdate(buf[:0], u)
		faults.Process(buf, toIncremental)
		r.Updates++
		if r.Updates%*every == 0 {
			synth.PublishSnapshot()
			r.Snapshots++
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback failed: %v", err)
	}
	faults.Flush(toIncremental)
	if consumer.Recovering() {
		synth.PublishSnapshot()
		r.Snapshots++
	}

	r.Faults = faults.Stats()
	r.Consumer = consumer.Stats()
	r.LastSeq = synth.Mirror().LastSeq()
	r.Reached = consumer.NextSeq() - 1
	if err := state.CompareSnapshots(synth.Mirror().Snapshot(), consumer.Mirror().Snapshot()); err != nil {
		r.Diff = err.Error()
	} else {
		r.Match = true
	}
	out, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(out))
	if !r.Match && r.Reached == r.LastSeq {
		log.Fatalf("consumer book diverged at seq %d", r.LastSeq)
	}
}
