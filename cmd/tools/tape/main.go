package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"exchange/internal/mdc"
	"exchange/internal/ops"
	"exchange/internal/recorder"
	"exchange/internal/schema"
	"exchange/internal/tape"
	"exchange/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (the tape section names the sinks)")
	dir := flag.String("dir", "", "Backfill from this recording instead of the live feed")
	iface := flag.String("iface", "", "Multicast interface for the live feed")
	quoteTTL := flag.Duration("quote-ttl", 0, "Expire redis quotes after this long without updates (0=never)")
	flag.Parse()

	loaded, err := ops.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	sinks, err := openSinks(loaded.Tape, *quoteTTL)
	if err != nil {
		log.Fatalf("sink init failed: %v", err)
	}
	if len(sinks) == 0 {
		log.Fatalf("no tape sinks configured")
	}
	bridge, err := tape.NewBridge(tape.BridgeConfig{FlushInterval: time.Duration(loaded.Tape.FlushInterval)}, loaded.Registry, sinks...)
	if err != nil {
		log.Fatalf("bridge init failed: %v", err)
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			logs.Warnf("tape: close sinks, err: %+v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		if err := bridge.Run(ctx); err != nil {
			logs.Errorf("tape: bridge stopped, err: %+v", err)
		}
	}()

	if *dir != "" {
		err = backfill(ctx, *dir, bridge)
	} else {
		err = follow(ctx, loaded, *iface, bridge)
	}
	if err != nil {
		logs.Errorf("tape: feed, err: %+v", err)
	}
	cancel()
	<-flushed
	logs.Infof("tape: stopped, sink failures: %v", bridge.Failures())
}

func openSinks(cfg ops.TapeConfig, quoteTTL time.Duration) ([]tape.Sink, error) {
	var sinks []tape.Sink
	if cfg.PostgresDSN != "" {
		pg, err := tape.NewPostgresSink(conn.Option{ConnString: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if len(cfg.KafkaBrokers) != 0 {
		k, err := tape.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if cfg.RedisAddr != "" {
		r := tape.NewRedisSink(tape.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			QuoteTTL: quoteTTL,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := r.Ping(ctx)
		cancel()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, r)
	}
	return sinks, nil
}

// backfill pushes a recorded session through the bridge.
func backfill(ctx context.Context, dir string, bridge *tape.Bridge) error {
	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{Dir: dir})
	if err != nil {
		return err
	}
	var n int
	err = pb.RunUpdates(ctx, func(u schema.SequencedUpdate) error {
		bridge.OnUpdate(u)
		n++
		return nil
	})
	logs.Infof("tape: backfilled %d updates from %s", n, dir)
	return err
}

// follow consumes the live feed until shutdown.
func follow(ctx context.Context, loaded ops.Loaded, iface string, bridge *tape.Bridge) error {
	consumer, err := mdc.NewConsumer(mdc.ConsumerConfig{
		IncrementalGroup: loaded.Incremental.Group,
		SnapshotGroup:    loaded.Snapshot.Group,
	}, mdc.MulticastOpener(iface, 50*time.Millisecond), bridge.OnUpdate)
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}
