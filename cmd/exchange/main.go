package main

import (
	"context"
	"flag"
	"log"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"exchange/internal/core"
	"exchange/internal/ops"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (default: two symbols on loopback)")
	gatewayAddr := flag.String("gateway", "", "Override order gateway listen address")
	adminAddr := flag.String("admin", "", "Override admin HTTP address (empty keeps config)")
	recordDir := flag.String("record-dir", "", "Record the incremental feed under this directory")
	stopTimeout := flag.Duration("stop-timeout", 5*time.Second, "Admin server shutdown timeout")
	flag.Parse()

	loaded, err := ops.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *gatewayAddr != "" {
		loaded.Gateway.Addr = *gatewayAddr
	}
	if *adminAddr != "" {
		loaded.AdminAddr = *adminAddr
	}
	if *recordDir != "" && loaded.Recorder == nil {
		if loaded, err = ops.WithRecorder(loaded, *recordDir); err != nil {
			log.Fatalf("recorder config failed: %v", err)
		}
	}

	if loaded.Pyroscope.ServerAddress != "" {
		profiler, err := startProfiler(loaded.Pyroscope)
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	system, err := core.New(loaded)
	if err != nil {
		log.Fatalf("exchange init failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := system.Start(ctx); err != nil {
		log.Fatalf("exchange start failed: %v", err)
	}
	logs.Infof("exchange: gateway %s, incremental %s, snapshot %s, %d symbols",
		system.GatewayAddr(), loaded.Incremental.Group, loaded.Snapshot.Group, loaded.Registry.SymbolCount())

	<-sys.Shutdown()
	logs.Info("exchange: shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer stopCancel()
	if err := system.Stop(stopCtx); err != nil {
		logs.Errorf("exchange: stop, err: %+v", err)
	}
	if dir := system.RecorderDir(); dir != "" {
		logs.Infof("exchange: recording kept in %s", dir)
	}
}

func startProfiler(cfg ops.PyroscopeConfig) (*pyroscope.Profiler, error) {
	name := cfg.ApplicationName
	if name == "" {
		name = "exchange"
	}
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Debugf(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
