package og

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"exchange/internal/codec"
)

type inboundKind uint8

const (
	inboundFrame inboundKind = iota
	inboundOpen
	inboundClosed
)

// inbound is what connection goroutines hand to the gateway loop.
type inbound struct {
	kind  inboundKind
	sess  *session
	frame codec.RequestFrame
	recv  int64
	err   error
}

// session is one accepted TCP connection.
type session struct {
	id     uuid.UUID
	conn   net.Conn
	out    chan []byte
	once   sync.Once
	closed bool
}

func newSession(conn net.Conn, buffer int) *session {
	return &session{
		id:   uuid.New(),
		conn: conn,
		out:  make(chan []byte, buffer),
	}
}

func (s *session) String() string {
	return s.id.String() + "@" + s.conn.RemoteAddr().String()
}

// enqueue hands a frame to the writer. It reports false when the writer is
// backed up; the caller owns the decision to drop the session.
func (s *session) enqueue(b []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

// close stops the writer after it flushes queued frames. Only the gateway loop calls it.
func (s *session) close() {
	s.once.Do(func() {
		s.closed = true
		close(s.out)
	})
}

// readLoop decodes fixed-size request frames until the connection fails.
func (s *session) readLoop(ch chan<- inbound, quit <-chan struct{}) {
	br := bufio.NewReaderSize(s.conn, 64*codec.RequestFrameSize)
	buf := make([]byte, codec.RequestFrameSize)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			select {
			case ch <- inbound{kind: inboundClosed, sess: s, err: err}:
			case <-quit:
			}
			return
		}
		recv := time.Now().UnixNano()
		frame, _ := codec.DecodeRequest(buf)
		select {
		case ch <- inbound{kind: inboundFrame, sess: s, frame: frame, recv: recv}:
		case <-quit:
			return
		}
	}
}

// writeLoop writes queued frames and closes the connection once the queue is closed.
func (s *session) writeLoop() {
	bw := bufio.NewWriterSize(s.conn, 64*codec.ResponseFrameSize)
	var werr error
	for b := range s.out {
		if werr != nil {
			continue
		}
		if _, werr = bw.Write(b); werr != nil {
			logs.Warnf("order gateway: session %s write, err: %+v", s, werr)
			continue
		}
		if len(s.out) == 0 {
			if werr = bw.Flush(); werr != nil {
				logs.Warnf("order gateway: session %s flush, err: %+v", s, werr)
			}
		}
	}
	if werr == nil {
		_ = bw.Flush()
	}
	_ = s.conn.Close()
}
