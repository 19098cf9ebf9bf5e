package recorder

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
	"exchange/internal/schema"
	"exchange/pkg/exception"
)

// PlaybackConfig controls replay of a recorded session. Records with a
// sequence number at or below AfterSeq are skipped, and whole segments are
// skipped when the next segment starts at or below AfterSeq+1.
type PlaybackConfig struct {
	Dir             string
	FilePrefix      string
	AfterSeq        uint64
	Speed           float64
	DisableChecksum bool
}

// Clock paces playback.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback replays recorded records in sequence order.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

// NewPlayback validates the config and creates a playback.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	if cfg.Dir == "" {
		return nil, errors.New("playback: dir is empty")
	}
	if cfg.Speed < 0 {
		return nil, errors.Errorf("playback: speed %f must be >= 0", cfg.Speed)
	}
	return &Playback{cfg: cfg, clock: realClock{}}, nil
}

// WithClock swaps the clock implementation.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// RunUpdates replays recorded market updates. Other event types are ignored.
func (p *Playback) RunUpdates(ctx context.Context, handler func(schema.SequencedUpdate) error) error {
	if handler == nil {
		return exception.ErrNilInstance
	}
	return p.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		if header.Type != schema.EventMarketUpdate {
			return nil
		}
		u, ok := codec.DecodeMarketUpdate(payload)
		if !ok {
			return errors.Wrap(exception.ErrMarketDataMalformed, "decode recorded update").With("seq", header.Seq)
		}
		return handler(u)
	})
}

// Run calls handler for every record. A torn record at the end of the last
// segment ends playback cleanly; anywhere else it is an error.
func (p *Playback) Run(ctx context.Context, handler func(schema.EventHeader, []byte) error) error {
	if handler == nil {
		return exception.ErrNilInstance
	}
	segs, err := p.segments()
	if err != nil {
		return err
	}

	var prevTS int64
	for i, seg := range segs {
		if i+1 < len(segs) && p.cfg.AfterSeq > 0 && segs[i+1].firstSeq <= p.cfg.AfterSeq+1 {
			continue
		}
		err := p.play(ctx, seg.path, handler, &prevTS)
		if stderrors.Is(err, ErrTornRecord) && i == len(segs)-1 {
			logs.Warnf("playback: torn tail in %s", seg.path)
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type segmentFile struct {
	path     string
	firstSeq uint64
	gen      int
}

func (p *Playback) segments() ([]segmentFile, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "read dir").With("dir", p.cfg.Dir)
	}
	prefix := p.cfg.FilePrefix + "-"
	var segs []segmentFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".wal") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".wal"), "-")
		if len(parts) != 2 {
			continue
		}
		seq, err1 := strconv.ParseUint(parts[0], 10, 64)
		gen, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			continue
		}
		segs = append(segs, segmentFile{path: filepath.Join(p.cfg.Dir, name), firstSeq: seq, gen: gen})
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].firstSeq != segs[j].firstSeq {
			return segs[i].firstSeq < segs[j].firstSeq
		}
		return segs[i].gen < segs[j].gen
	})
	return segs, nil
}

func (p *Playback) play(ctx context.Context, path string, handler func(schema.EventHeader, []byte) error, prevTS *int64) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open segment").With("path", path)
	}
	defer file.Close()

	r := NewReader(file, !p.cfg.DisableChecksum)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if stderrors.Is(err, ErrTornRecord) {
				return err
			}
			return errors.Wrap(err, "read segment").With("path", path)
		}
		if p.cfg.AfterSeq > 0 && header.Seq <= p.cfg.AfterSeq {
			continue
		}
		if err := p.pace(ctx, header.TsEvent, prevTS); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, ts int64, prevTS *int64) error {
	if p.cfg.Speed <= 0 || ts <= 0 {
		return nil
	}
	if *prevTS > 0 && ts > *prevTS {
		if err := p.clock.Sleep(ctx, time.Duration(float64(ts-*prevTS)/p.cfg.Speed)); err != nil {
			return err
		}
	}
	*prevTS = ts
	return nil
}
