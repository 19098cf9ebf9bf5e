package mdg

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/chaos"
	"exchange/internal/codec"
	"exchange/internal/obs"
	"exchange/internal/recorder"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
	"exchange/pkg/exception"
)

// PublisherConfig tunes the publisher thread.
type PublisherConfig struct {
	CPU          int
	BusyPoll     bool
	DrainTimeout time.Duration
}

// Publisher stamps every market update from the matching engine with the
// next incremental sequence number, sends it on the incremental transport
// and forwards it to the snapshot synthesizer.
type Publisher struct {
	cfg       PublisherConfig
	updates   *bus.Ring[schema.MarketUpdate]
	sequenced *bus.Ring[schema.SequencedUpdate]
	out       Transport
	metrics   *obs.Metrics
	recorder  *recorder.Writer
	chaos     *chaos.Engine

	nextSeq  uint64
	buf      [codec.MarketUpdateSize]byte
	sendErrs uint64
	recErrs  uint64
	sendFunc func([]byte)

	// OnOverflow handles a full synthesizer ring. Defaults to bus.AbortOnOverflow.
	OnOverflow bus.OverflowFunc

	running atomic.Bool
	done    chan struct{}
}

// NewPublisher creates a publisher. The first update is sent with sequence 1.
func NewPublisher(cfg PublisherConfig, updates *bus.Ring[schema.MarketUpdate], sequenced *bus.Ring[schema.SequencedUpdate],
	out Transport, metrics *obs.Metrics) (*Publisher, error) {
	if updates == nil || sequenced == nil || out == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "new publisher")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	p := &Publisher{
		cfg:        cfg,
		updates:    updates,
		sequenced:  sequenced,
		out:        out,
		metrics:    metrics,
		nextSeq:    1,
		OnOverflow: bus.AbortOnOverflow,
		done:       make(chan struct{}),
	}
	p.sendFunc = p.send
	return p, nil
}

// WithRecorder appends every sequenced update to w.
func (p *Publisher) WithRecorder(w *recorder.Writer) *Publisher {
	p.recorder = w
	return p
}

// WithChaos routes outgoing datagrams through a fault injector. The sequence
// number is assigned before it, so injected loss shows up as gaps downstream.
func (p *Publisher) WithChaos(c *chaos.Engine) *Publisher {
	p.chaos = c
	return p
}

// NextSeq returns the sequence number the next update will carry.
func (p *Publisher) NextSeq() uint64 {
	return p.nextSeq
}

// Start launches the publisher thread.
func (p *Publisher) Start(ctx context.Context) {
	p.running.Store(true)
	go p.run(ctx)
}

// Stop asks the publisher thread to drain and exit.
func (p *Publisher) Stop() {
	p.running.Store(false)
}

// Wait blocks until the publisher thread has exited.
func (p *Publisher) Wait() {
	<-p.done
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	unlock, err := affinity.Lock(p.cfg.CPU)
	defer unlock()
	if err != nil {
		logs.Warnf("publisher: pin cpu %d, err: %+v", p.cfg.CPU, err)
	}
	logs.Info("publisher started")

	for p.running.Load() && ctx.Err() == nil {
		if p.updates.Drain(p.Publish) == 0 && !p.cfg.BusyPoll {
			runtime.Gosched()
		}
	}

	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for !p.updates.Empty() && time.Now().Before(deadline) {
		p.updates.Drain(p.Publish)
	}
	if n := p.updates.Len(); n > 0 {
		logs.Warnf("publisher: drain timeout, %d updates left", n)
	}
	p.chaos.Flush(p.sendFunc)
	if s := p.chaos.Stats(); s != (chaos.Stats{}) {
		logs.Infof("publisher: chaos dropped %d, duplicated %d, reordered %d", s.Dropped, s.Duplicated, s.Reordered)
	}
	logs.Infof("publisher stopped, last seq %d", p.nextSeq-1)
}

// Publish sequences and sends one update. It must only be called from the
// publisher thread, or by a caller that owns the publisher exclusively.
func (p *Publisher) Publish(u *schema.MarketUpdate) {
	start := time.Now()
	su := schema.SequencedUpdate{Seq: p.nextSeq, Update: *u}
	p.nextSeq++

	p.chaos.Process(codec.EncodeMarketUpdate(p.buf[:0], su), p.sendFunc)

	slot := p.sequenced.Write()
	if slot == nil {
		p.metrics.IncQueueDrop(obs.QueueSnapshot)
		p.OnOverflow(obs.QueueSnapshot.String())
	} else {
		*slot = su
		p.sequenced.Commit()
	}

	if p.recorder != nil {
		if err := p.recorder.AppendUpdate(su, start.UnixNano()); err != nil {
			p.recErrs++
			if p.recErrs%sendLogEvery == 1 {
				logs.Warnf("publisher: record seq %d (%d failures), err: %+v", su.Seq, p.recErrs, err)
			}
		}
	}
	p.metrics.ObservePublish(time.Since(start))
}

func (p *Publisher) send(datagram []byte) {
	if err := p.out.Send(datagram); err != nil {
		p.metrics.IncSendError()
		p.sendErrs++
		if p.sendErrs%sendLogEvery == 1 {
			logs.Warnf("publisher: send (%d failures), err: %+v", p.sendErrs, err)
		}
	}
}
