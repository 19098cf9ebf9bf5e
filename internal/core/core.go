/*
Core assembles the exchange process.

# Threads
  - order gateway: TCP sessions, inbound sequencing, response routing
  - matching engine: the only owner of the order books
  - market data publisher: sequences updates onto the incremental group
  - snapshot synthesizer: mirrors the books and cycles full snapshots

# Rings
 1. requests: gateway -> engine
 2. responses: engine -> gateway
 3. updates: engine -> publisher
 4. sequenced: publisher -> synthesizer

# Side services
  - recorder: WAL of the incremental feed, one directory per run
  - admin: health, metrics and the risk kill switch over HTTP
*/
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/chaos"
	"exchange/internal/matcher"
	"exchange/internal/mdg"
	"exchange/internal/obs"
	"exchange/internal/og"
	"exchange/internal/ops"
	"exchange/internal/recorder"
	"exchange/internal/risk"
	"exchange/internal/schema"
	"exchange/pkg/mcast"
)

// System owns every component of one exchange process.
type System struct {
	cfg     ops.Loaded
	metrics *obs.Metrics
	risk    *risk.Engine

	requests  *bus.Ring[schema.ClientRequest]
	responses *bus.Ring[schema.ClientResponse]
	updates   *bus.Ring[schema.MarketUpdate]
	sequenced *bus.Ring[schema.SequencedUpdate]

	gateway     *og.Server
	engine      *matcher.Engine
	publisher   *mdg.Publisher
	synthesizer *mdg.Synthesizer

	incremental mdg.Transport
	snapshot    mdg.Transport
	closers     []func() error

	recorder    *recorder.Writer
	recorderDir string
	snapPath    string
	admin       *obs.Admin

	started bool
}

// Option customizes a System.
type Option func(*options)

type options struct {
	incremental mdg.Transport
	snapshot    mdg.Transport
	overflow    bus.OverflowFunc
}

// WithTransports replaces the multicast senders.
func WithTransports(incremental, snapshot mdg.Transport) Option {
	return func(o *options) {
		o.incremental = incremental
		o.snapshot = snapshot
	}
}

// WithOverflow replaces the fatal ring overflow handler on every producer.
func WithOverflow(fn bus.OverflowFunc) Option {
	return func(o *options) {
		o.overflow = fn
	}
}

// New wires the components. Nothing runs until Start.
func New(cfg ops.Loaded, opts ...Option) (*System, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &System{
		cfg:       cfg,
		metrics:   obs.NewMetrics(),
		risk:      risk.NewEngine(cfg.Risk),
		requests:  bus.NewRing[schema.ClientRequest](cfg.Queues.Requests),
		responses: bus.NewRing[schema.ClientResponse](cfg.Queues.Responses),
		updates:   bus.NewRing[schema.MarketUpdate](cfg.Queues.Updates),
		sequenced: bus.NewRing[schema.SequencedUpdate](cfg.Queues.Snapshot),
	}
	if err := s.transports(o); err != nil {
		s.close()
		return nil, err
	}
	if err := s.build(o); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *System) transports(o options) error {
	s.incremental, s.snapshot = o.incremental, o.snapshot
	if s.incremental == nil {
		sender, err := mcast.NewSender(s.cfg.Incremental)
		if err != nil {
			return errors.Wrap(err, "incremental sender")
		}
		s.incremental = sender
		s.closers = append(s.closers, sender.Close)
	}
	if s.snapshot == nil {
		sender, err := mcast.NewSender(s.cfg.Snapshot)
		if err != nil {
			return errors.Wrap(err, "snapshot sender")
		}
		s.snapshot = sender
		s.closers = append(s.closers, sender.Close)
	}
	return nil
}

func (s *System) build(o options) error {
	var err error
	if s.gateway, err = og.NewServer(s.cfg.Gateway, s.requests, s.responses, s.metrics); err != nil {
		return err
	}
	if s.engine, err = matcher.NewEngine(s.cfg.Matcher, s.cfg.Registry, s.risk, s.metrics, s.requests, s.responses, s.updates); err != nil {
		return err
	}
	if s.publisher, err = mdg.NewPublisher(s.cfg.Publisher, s.updates, s.sequenced, s.incremental, s.metrics); err != nil {
		return err
	}

	synthCfg := s.cfg.Synthesizer
	if s.cfg.Recorder != nil {
		rc := *s.cfg.Recorder
		rc.Dir = filepath.Join(rc.Dir, runName(time.Now()))
		if s.recorder, err = recorder.NewWriter(rc); err != nil {
			return err
		}
		s.recorderDir = rc.Dir
		s.publisher.WithRecorder(s.recorder)
		if synthCfg.SnapshotPath == "" {
			synthCfg.SnapshotPath = filepath.Join(rc.Dir, SnapshotFile)
		}
	}
	s.snapPath = synthCfg.SnapshotPath
	if s.synthesizer, err = mdg.NewSynthesizer(synthCfg, s.cfg.Registry, s.sequenced, s.snapshot, s.metrics); err != nil {
		return err
	}

	if s.cfg.Chaos.Enabled() {
		ce, err := chaos.NewEngine(s.cfg.Chaos)
		if err != nil {
			return err
		}
		s.publisher.WithChaos(ce)
		logs.Warnf("core: chaos enabled on the incremental feed: %+v", s.cfg.Chaos)
	}

	if o.overflow != nil {
		s.gateway.SetOverflowHandler(o.overflow)
		s.engine.OnOverflow = o.overflow
		s.publisher.OnOverflow = o.overflow
	}
	if s.cfg.AdminAddr != "" {
		s.admin = obs.NewAdmin(s.metrics, s.risk)
	}
	return nil
}

// SnapshotFile is the synthesizer snapshot written next to a recording.
const SnapshotFile = "snapshot.json"

func runName(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

// Start launches the components consumers first, so no ring fills up
// before its reader runs.
func (s *System) Start(ctx context.Context) error {
	if s.started {
		return errors.New("system already started")
	}
	if s.recorder != nil {
		// the writer outlives ctx so records drained at shutdown still land
		if err := s.recorder.Start(context.Background()); err != nil {
			return err
		}
		logs.Infof("core: recording incremental feed to %s", s.recorderDir)
	}
	s.synthesizer.Start(ctx)
	s.publisher.Start(ctx)
	s.engine.Start(ctx)
	if err := s.gateway.Start(ctx); err != nil {
		s.abort()
		return err
	}
	if s.admin != nil {
		if err := s.admin.Start(s.cfg.AdminAddr); err != nil {
			s.gateway.Stop()
			s.gateway.Wait()
			s.abort()
			return err
		}
	}
	s.started = true
	return nil
}

// Stop shuts the threads down in pipeline order, each draining its inbound
// ring first, then closes the recorder, the admin server and the sockets.
func (s *System) Stop(ctx context.Context) error {
	if !s.started {
		return s.close()
	}
	s.started = false

	s.gateway.Stop()
	s.gateway.Wait()
	s.stopMarketData()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.recorder != nil {
		keep(s.recorder.Close())
	}
	if s.admin != nil {
		keep(s.admin.Shutdown(ctx))
	}
	keep(s.close())

	for i := 0; i < s.cfg.Registry.SymbolCount(); i++ {
		sym, _ := s.cfg.Registry.SymbolAt(i)
		if book := s.engine.Book(sym.ID); book != nil {
			logs.Infof("core: final book %s\n%s", sym.Name, book)
		}
	}
	logs.Infof("core: stopped, metrics %+v", s.metrics.Snapshot())
	return first
}

func (s *System) abort() {
	s.stopMarketData()
	if s.recorder != nil {
		_ = s.recorder.Close()
	}
	_ = s.close()
}

func (s *System) stopMarketData() {
	s.engine.Stop()
	s.engine.Wait()
	s.publisher.Stop()
	s.publisher.Wait()
	s.synthesizer.Stop()
	s.synthesizer.Wait()
}

func (s *System) close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = errors.Wrap(err, "close sender")
		}
	}
	s.closers = nil
	return first
}

// GatewayAddr returns the bound order gateway address once started.
func (s *System) GatewayAddr() string {
	if addr := s.gateway.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdminAddr returns the bound admin address, or "" when disabled.
func (s *System) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// RecorderDir returns this run's recording directory, or "" when disabled.
func (s *System) RecorderDir() string {
	return s.recorderDir
}

// SnapshotPath returns where the synthesizer writes book snapshots, or ""
// when it keeps none.
func (s *System) SnapshotPath() string {
	return s.snapPath
}

// Metrics returns the shared counters.
func (s *System) Metrics() *obs.Metrics {
	return s.metrics
}

// Risk returns the pre-trade risk engine.
func (s *System) Risk() *risk.Engine {
	return s.risk
}

// Engine exposes the matching engine. Its books are only safe to read
// after Stop.
func (s *System) Engine() *matcher.Engine {
	return s.engine
}

// Synthesizer exposes the snapshot synthesizer. Its mirror is only safe to
// read after Stop.
func (s *System) Synthesizer() *mdg.Synthesizer {
	return s.synthesizer
}

// NextSeq returns the next incremental sequence number the publisher will
// use. Only safe after Stop.
func (s *System) NextSeq() uint64 {
	return s.publisher.NextSeq()
}
