package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
	"exchange/internal/schema"
)

var (
	ErrQueueFull      = errors.New("recorder: queue full")
	ErrClosed         = errors.New("recorder: writer closed")
	ErrNotStarted     = errors.New("recorder: writer not started")
	ErrAlreadyStarted = errors.New("recorder: writer already started")
)

// Writer appends records to size-bounded segment files. Producers enqueue
// without blocking; a single goroutine owns the files.
//
// A directory holds one feed session: segment names carry the sequence number
// of their first record, so sequence numbers must not restart inside it.
type Writer struct {
	cfg Config
	ch  chan entry
	wg  sync.WaitGroup
	err atomic.Pointer[error]

	started atomic.Bool
	closed  atomic.Bool

	written atomic.Uint64
}

type entry struct {
	header  schema.EventHeader
	n       int
	payload [maxInlinePayload]byte
}

type segment struct {
	file *os.File
	buf  *bufio.Writer
	size int64
}

// NewWriter creates a writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir").With("dir", cfg.Dir)
	}
	return &Writer{cfg: cfg, ch: make(chan entry, cfg.QueueSize)}, nil
}

// Start runs the writer loop. Cancelling ctx drains what is queued and stops.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops accepting records, flushes and syncs the open segment.
func (w *Writer) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first write error, if any. After an error the writer stops.
func (w *Writer) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Written returns the number of records written to disk buffers.
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

// TryAppend enqueues one record without blocking. The payload is copied.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	switch {
	case w.closed.Load():
		return ErrClosed
	case !w.started.Load():
		return ErrNotStarted
	case len(payload) > maxInlinePayload:
		return errors.Wrap(ErrPayloadTooLarge, "append").With("len", len(payload))
	}
	if err := w.Err(); err != nil {
		return err
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}

	e := entry{header: header, n: len(payload)}
	copy(e.payload[:], payload)
	select {
	case w.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// AppendUpdate records one sequenced incremental update under its sequence number.
func (w *Writer) AppendUpdate(u schema.SequencedUpdate, tsEvent int64) error {
	var buf [codec.MarketUpdateSize]byte
	header := schema.NewHeader(schema.EventMarketUpdate, schema.SourcePublisher, u.Seq, tsEvent, time.Now().UnixNano())
	return w.TryAppend(header, codec.EncodeMarketUpdate(buf[:0], u))
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg     *segment
		scratch [recordHeaderSize]byte
		flushC  <-chan time.Time
		syncC   <-chan time.Time
	)
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	defer func() {
		if err := seg.close(); err != nil {
			w.fail(err)
		}
	}()

	write := func(e *entry) bool {
		if err := w.write(&seg, scratch[:], e); err != nil {
			w.fail(err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.ch:
					if !ok || !write(&e) {
						return
					}
				default:
					return
				}
			}
		case e, ok := <-w.ch:
			if !ok || !write(&e) {
				return
			}
		case <-flushC:
			if err := seg.flush(false); err != nil {
				w.fail(err)
				return
			}
		case <-syncC:
			if err := seg.flush(true); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

func (w *Writer) write(seg **segment, header []byte, e *entry) error {
	size := int64(recordOverhead + e.n)
	if *seg == nil || (*seg).size+size > w.cfg.SegmentMaxBytes {
		if err := (*seg).close(); err != nil {
			return err
		}
		next, err := w.open(e.header.Seq)
		if err != nil {
			return err
		}
		*seg = next
	}

	payload := e.payload[:e.n]
	putHeader(header, e.header, e.n)
	var sum [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], checksum(header, payload))

	b := (*seg).buf
	if _, err := b.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := b.Write(payload); err != nil {
		return errors.Wrap(err, "write payload")
	}
	if _, err := b.Write(sum[:]); err != nil {
		return errors.Wrap(err, "write checksum")
	}
	(*seg).size += size
	w.written.Add(1)
	return nil
}

func (w *Writer) open(firstSeq uint64) (*segment, error) {
	for gen := 0; ; gen++ {
		path := filepath.Join(w.cfg.Dir, segmentName(w.cfg.FilePrefix, firstSeq, gen))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if stderrors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "open segment").With("path", path)
		}
		logs.Debugf("recorder: opened segment %s", path)
		return &segment{file: f, buf: bufio.NewWriterSize(f, w.cfg.BufferSize)}, nil
	}
}

func (w *Writer) fail(err error) {
	if w.err.CompareAndSwap(nil, &err) {
		logs.Errorf("recorder: %+v", err)
	}
}

func segmentName(prefix string, firstSeq uint64, gen int) string {
	return fmt.Sprintf("%s-%020d-%03d.wal", prefix, firstSeq, gen)
}

func (s *segment) flush(sync bool) error {
	if s == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush segment")
	}
	if !sync {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync segment")
	}
	return nil
}

func (s *segment) close() error {
	if s == nil {
		return nil
	}
	if err := s.flush(true); err != nil {
		_ = s.file.Close()
		return err
	}
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "close segment")
	}
	return nil
}
