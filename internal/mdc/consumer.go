package mdc

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
	"exchange/internal/schema"
	"exchange/pkg/exception"
	"exchange/pkg/mcast"
)

// Feed is one subscribed datagram stream. Read returns 0 and a nil error
// when nothing arrived within the feed's poll timeout.
type Feed interface {
	Read(buf []byte) (int, error)
	Close() error
}

// FeedOpener subscribes to a group address such as "239.0.0.1:20000".
type FeedOpener func(group string) (Feed, error)

// MulticastOpener joins multicast groups on iface with a short read timeout
// so the consumer can poll both streams from one goroutine.
func MulticastOpener(iface string, poll time.Duration) FeedOpener {
	return func(group string) (Feed, error) {
		return mcast.NewReceiver(mcast.ReceiverConfig{
			Group:       group,
			Interface:   iface,
			ReadTimeout: poll,
		})
	}
}

// ConsumerConfig names the two market data groups.
type ConsumerConfig struct {
	IncrementalGroup string
	SnapshotGroup    string
	// MaxSnapshotDatagrams defaults to DefaultMaxSnapshotDatagrams.
	MaxSnapshotDatagrams int
}

// Consumer subscribes to the incremental stream and joins the snapshot
// stream only while recovering from a gap.
type Consumer struct {
	cfg      ConsumerConfig
	open     FeedOpener
	recovery *Recovery

	incremental Feed
	snapshot    Feed
	joinErr     error
	malformed   uint64
	buf         [2048]byte
}

// NewConsumer creates a consumer. handler receives every update in sequence
// order, including the snapshot contents replayed after a recovery, on the
// goroutine calling Run.
func NewConsumer(cfg ConsumerConfig, open FeedOpener, handler func(schema.SequencedUpdate)) (*Consumer, error) {
	if open == nil {
		return nil, errors.Wrap(exception.ErrMarketDataNilTransport, "new consumer")
	}
	if cfg.IncrementalGroup == "" || cfg.SnapshotGroup == "" {
		return nil, errors.Wrap(exception.ErrEmptyGroupAddress, "new consumer")
	}
	c := &Consumer{cfg: cfg, open: open, recovery: NewRecovery(handler)}
	c.recovery.OnRecovering = c.onRecovering
	if cfg.MaxSnapshotDatagrams > 0 {
		c.recovery.MaxSnapshotDatagrams = cfg.MaxSnapshotDatagrams
	}
	return c, nil
}

// Recovery exposes the consumer's recovery state. Only safe from the
// handler or after Run returns.
func (c *Consumer) Recovery() *Recovery {
	return c.recovery
}

// Run polls both streams until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	inc, err := c.open(c.cfg.IncrementalGroup)
	if err != nil {
		return errors.Wrap(err, "join incremental").With("group", c.cfg.IncrementalGroup)
	}
	c.incremental = inc
	defer func() {
		_ = c.incremental.Close()
		c.leaveSnapshot()
		logs.Infof("market data consumer stopped, stats: %+v", c.recovery.Stats())
	}()
	logs.Infof("market data consumer joined %s", c.cfg.IncrementalGroup)

	for ctx.Err() == nil {
		if err := c.poll(c.incremental, c.recovery.OnIncremental); err != nil {
			return errors.Wrap(err, "read incremental")
		}
		if c.joinErr != nil {
			return c.joinErr
		}
		if c.snapshot != nil {
			if err := c.poll(c.snapshot, c.recovery.OnSnapshot); err != nil {
				return errors.Wrap(err, "read snapshot")
			}
		}
	}
	return nil
}

func (c *Consumer) poll(f Feed, fn func(schema.SequencedUpdate)) error {
	n, err := f.Read(c.buf[:])
	if err != nil || n == 0 {
		return err
	}
	for off := 0; off+codec.MarketUpdateSize <= n; off += codec.MarketUpdateSize {
		u, ok := codec.DecodeMarketUpdate(c.buf[off:n])
		if !ok || !u.Update.Type.IsAvailable() {
			c.malformed++
			continue
		}
		fn(u)
	}
	if n%codec.MarketUpdateSize != 0 {
		c.malformed++
	}
	return nil
}

func (c *Consumer) onRecovering(on bool) {
	if !on {
		c.leaveSnapshot()
		return
	}
	if c.snapshot != nil {
		return
	}
	f, err := c.open(c.cfg.SnapshotGroup)
	if err != nil {
		c.joinErr = errors.Wrap(err, "join snapshot").With("group", c.cfg.SnapshotGroup)
		return
	}
	c.snapshot = f
	logs.Infof("market data consumer joined snapshot %s", c.cfg.SnapshotGroup)
}

func (c *Consumer) leaveSnapshot() {
	if c.snapshot == nil {
		return
	}
	if err := c.snapshot.Close(); err != nil {
		logs.Warnf("market data consumer: leave snapshot, err: %+v", err)
	}
	c.snapshot = nil
	logs.Infof("market data consumer left snapshot %s", c.cfg.SnapshotGroup)
}
