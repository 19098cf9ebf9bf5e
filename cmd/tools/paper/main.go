package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/core"
	"exchange/internal/obs"
	"exchange/internal/og"
	"exchange/internal/ops"
	"exchange/internal/schema"
	"exchange/internal/sim"
	"exchange/internal/state"
)

// discard drops market data when no multicast route is wanted.
type discard struct{}

func (discard) Send([]byte) error { return nil }

type clientResult struct {
	ID    schema.ClientID `json:"id"`
	Stats sim.Stats       `json:"stats"`
	Err   string          `json:"err,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "Path to JSON config (default: two symbols on loopback)")
	clients := flag.Int("clients", 4, "Number of simulated clients")
	count := flag.Int("count", 500, "Orders per client")
	interval := flag.Duration("interval", 0, "Pause between requests per client")
	seed := flag.Int64("seed", 1, "Base random seed; client i uses seed+i")
	cancelRate := flag.Float64("cancel-rate", 0.3, "Chance of cancelling an earlier order after each new one")
	recordDir := flag.String("record-dir", "", "Record the feed here (default: temp dir)")
	multicast := flag.Bool("multicast", false, "Publish market data to the configured multicast groups")
	settle := flag.Duration("settle", 300*time.Millisecond, "Wait for trailing responses before stopping")
	flag.Parse()

	if *clients <= 0 {
		log.Fatalf("clients must be > 0")
	}

	loaded, err := ops.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	loaded.Gateway.Addr = "127.0.0.1:0"
	loaded.AdminAddr = ""
	if *recordDir == "" {
		if *recordDir, err = os.MkdirTemp("", "paper-"); err != nil {
			log.Fatalf("temp dir: %v", err)
		}
	}
	if loaded, err = ops.WithRecorder(loaded, *recordDir); err != nil {
		log.Fatalf("recorder config failed: %v", err)
	}

	var opts []core.Option
	if !*multicast {
		opts = append(opts, core.WithTransports(discard{}, discard{}))
	}
	system, err := core.New(loaded, opts...)
	if err != nil {
		log.Fatalf("exchange init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := system.Start(ctx); err != nil {
		log.Fatalf("exchange start failed: %v", err)
	}

	ids, err := loaded.Registry.Resolve(nil)
	if err != nil {
		log.Fatalf("symbols: %v", err)
	}
	started := time.Now()
	results := make([]clientResult, *clients)
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := schema.ClientID(i + 1)
			stats, err := runClient(ctx, system.GatewayAddr(), id, sim.Config{
				Seed:       *seed + int64(i),
				Symbols:    ids,
				CancelRate: *cancelRate,
			}, sim.DriverConfig{Count: *count, Interval: *interval}, *settle)
			results[i] = clientResult{ID: id, Stats: stats}
			if err != nil {
				results[i].Err = err.Error()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(started)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := system.Stop(stopCtx); err != nil {
		logs.Errorf("paper: stop, err: %+v", err)
	}

	report := struct {
		Elapsed string         `json:"elapsed"`
		LastSeq uint64         `json:"lastSeq"`
		Clients []clientResult `json:"clients"`
		Metrics obs.Snapshot   `json:"metrics"`
	}{
		Elapsed: elapsed.String(),
		LastSeq: system.NextSeq() - 1,
		Clients: results,
		Metrics: system.Metrics().Snapshot(),
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if err := verify(context.Background(), system.RecorderDir(), system.SnapshotPath()); err != nil {
		log.Fatalf("replay check failed: %v", err)
	}
	logs.Infof("paper: replay of %s matches the final snapshot", system.RecorderDir())
}

func runClient(ctx context.Context, addr string, id schema.ClientID, gen sim.Config, run sim.DriverConfig, settle time.Duration) (sim.Stats, error) {
	g, err := sim.NewGenerator(gen)
	if err != nil {
		return sim.Stats{}, err
	}
	client, err := og.Dial(ctx, addr, id, 0)
	if err != nil {
		return sim.Stats{}, err
	}
	driver := sim.NewDriver(run, g, client)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		driver.Consume(ctx, client.Responses())
	}()
	err = driver.Run(ctx)
	time.Sleep(settle)
	_ = client.Close()
	<-consumed
	if stderrors.Is(err, sim.ErrSilent) {
		err = nil
	}
	return driver.Stats(), err
}

// verify replays the whole recording and compares it with the snapshot
// written at stop.
func verify(ctx context.Context, dir, snapshotPath string) error {
	if dir == "" || snapshotPath == "" {
		return nil
	}
	replayed, err := state.Recover(ctx, state.RecoverConfig{Dir: dir})
	if err != nil {
		return err
	}
	snap, err := state.ReadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	return state.CompareSnapshots(snap, replayed.Snapshot())
}
