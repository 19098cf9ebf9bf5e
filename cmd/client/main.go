package main

import (
	"context"
	stderrors "errors"
	"flag"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"exchange/internal/mdc"
	"exchange/internal/og"
	"exchange/internal/ops"
	"exchange/internal/schema"
	"exchange/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (default: two symbols on loopback)")
	addr := flag.String("addr", "", "Gateway address (default: config gateway address)")
	clientID := flag.Uint("id", 1, "Client id")
	symbols := flag.String("symbols", "", "Comma separated symbol names (default: all)")
	count := flag.Int("count", 1000, "Number of orders to send (0=until shutdown)")
	interval := flag.Duration("interval", time.Millisecond, "Pause between requests")
	seed := flag.Int64("seed", 0, "Random seed (0=time based)")
	cancelRate := flag.Float64("cancel-rate", 0.3, "Chance of cancelling an earlier order after each new one")
	silence := flag.Duration("max-silence", 5*time.Second, "Stop when the exchange stays silent this long (0=never)")
	watch := flag.Bool("md", false, "Subscribe to market data and log top of book on trades")
	iface := flag.String("iface", "", "Multicast interface for market data")
	fromSeq := flag.Uint64("from-seq", 1, "First request sequence number, to resume a client id the gateway has seen")
	fromOrder := flag.Uint64("from-order", 1, "First client order id when resuming")
	flag.Parse()

	loaded, err := ops.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *addr == "" {
		*addr = loaded.Gateway.Addr
	}
	var names []string
	if *symbols != "" {
		names = strings.Split(*symbols, ",")
	}
	ids, err := loaded.Registry.Resolve(names)
	if err != nil {
		log.Fatalf("symbols: %v", err)
	}

	gen, err := sim.NewGenerator(sim.Config{Seed: *seed, Symbols: ids, CancelRate: *cancelRate})
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	from := og.Resume{NextSeq: *fromSeq, NextOrderID: schema.OrderID(*fromOrder)}
	client, err := og.DialRetryFrom(ctx, *addr, schema.ClientID(*clientID), 0, from, og.DefaultBackoff())
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	driver := sim.NewDriver(sim.DriverConfig{Count: *count, Interval: *interval, MaxSilence: *silence}, gen, client)

	var wg sync.WaitGroup
	if *watch {
		cfg := mdc.ConsumerConfig{IncrementalGroup: loaded.Incremental.Group, SnapshotGroup: loaded.Snapshot.Group}
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchBook(ctx, cfg, mdc.MulticastOpener(*iface, 50*time.Millisecond), loaded.Registry, driver.Positions())
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Consume(ctx, client.Responses())
	}()

	logs.Infof("client %d: sending to %s, %d symbols", *clientID, *addr, len(ids))
	if err := driver.Run(ctx); err != nil && !stderrors.Is(err, sim.ErrSilent) {
		logs.Errorf("client %d: run, err: %+v", *clientID, err)
	}
	// Let trailing responses arrive before closing.
	if ctx.Err() == nil {
		time.Sleep(200 * time.Millisecond)
	}
	cancel()
	if err := client.Close(); err != nil {
		logs.Warnf("client %d: close, err: %+v", *clientID, err)
	}
	wg.Wait()
	logs.Infof("client %d: %+v, open orders %d", *clientID, driver.Stats(), client.OpenOrders())
	pnl, volume := driver.Positions().Total()
	resume := client.Resume()
	logs.Infof("client %d: pnl %s volume %d, resume with -from-seq %d -from-order %d\n%s",
		*clientID, pnl.StringFixed(2), volume, resume.NextSeq, resume.NextOrderID, driver.Positions())
}

// watchBook runs a consumer, marks positions to the book and logs the top of
// book with the derived features after every trade.
func watchBook(ctx context.Context, cfg mdc.ConsumerConfig, open mdc.FeedOpener, registry *schema.Registry, positions *sim.Positions) {
	var (
		consumer *mdc.Consumer
		features *sim.Features
	)
	handler := func(u schema.SequencedUpdate) {
		mirror := consumer.Recovery().Mirror()
		features.OnUpdate(u)
		symbol := u.Update.SymbolID
		bid, bidQty, _ := mirror.BestBid(symbol)
		ask, askQty, _ := mirror.BestAsk(symbol)
		positions.OnQuote(symbol, bid, ask)
		if u.Update.Type != schema.UpdateTrade {
			return
		}
		sym, _ := registry.Symbol(symbol)
		scale := sym.Scale.PriceScale
		sig := features.Signal(symbol)
		logs.Infof("md %d %s: trade %d@%s, bid %d@%s ask %d@%s, fair %s ratio %s", u.Seq, sym.Name,
			u.Update.Qty, schema.FormatPrice(u.Update.Price, scale),
			bidQty, schema.FormatPrice(bid, scale),
			askQty, schema.FormatPrice(ask, scale),
			sig.FairPrice.Shift(-int32(scale)).StringFixed(int32(scale)+2),
			sig.AggressiveRatio.StringFixed(2))
	}
	consumer, err := mdc.NewConsumer(cfg, open, handler)
	if err != nil {
		logs.Errorf("md: consumer init, err: %+v", err)
		return
	}
	features = sim.NewFeatures(consumer.Recovery().Mirror())
	if err := consumer.Run(ctx); err != nil {
		logs.Errorf("md: consumer stopped, err: %+v", err)
	}
}
