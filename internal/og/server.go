package og

import (
	"context"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/codec"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/pkg/affinity"
	"exchange/pkg/exception"
)

// Config controls the order gateway.
type Config struct {
	Addr          string
	CPU           int
	BusyPoll      bool
	MaxPending    int
	InboundBuffer int
	SessionBuffer int
	DrainTimeout  time.Duration
}

// clientState is kept per client id for the life of the process.
type clientState struct {
	session      *session
	nextExpected uint64
	nextOutgoing uint64
}

// Server is the TCP order gateway. Connection goroutines only read and write
// sockets; all sequencing and routing state is owned by the gateway loop.
type Server struct {
	cfg       Config
	requests  *bus.Ring[schema.ClientRequest]
	responses *bus.Ring[schema.ClientResponse]
	metrics   *obs.Metrics
	seq       *Sequencer

	ln       net.Listener
	inbound  chan inbound
	quit     chan struct{}
	sessions map[uuid.UUID]*session
	clients  map[schema.ClientID]*clientState
	acked    uint64

	running atomic.Bool
	conns   sync.WaitGroup
	done    chan struct{}
}

// NewServer creates a gateway writing requests to requests and routing responses from responses.
func NewServer(cfg Config, requests *bus.Ring[schema.ClientRequest], responses *bus.Ring[schema.ClientResponse], metrics *obs.Metrics) (*Server, error) {
	if requests == nil || responses == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "new order gateway")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":12345"
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = cfg.MaxPending
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 4096
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Second
	}
	return &Server{
		cfg:       cfg,
		requests:  requests,
		responses: responses,
		metrics:   metrics,
		seq:       NewSequencer(requests, cfg.MaxPending, metrics),
		inbound:   make(chan inbound, cfg.InboundBuffer),
		quit:      make(chan struct{}),
		sessions:  make(map[uuid.UUID]*session),
		clients:   make(map[schema.ClientID]*clientState),
		done:      make(chan struct{}),
	}, nil
}

// SetOverflowHandler replaces the request ring overflow handler.
func (s *Server) SetOverflowHandler(fn bus.OverflowFunc) {
	s.seq.OnOverflow = fn
}

// Start binds the listener and launches the accept and gateway goroutines.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "listen").With("addr", s.cfg.Addr)
	}
	s.ln = ln
	s.running.Store(true)

	go s.acceptLoop()
	go s.run(ctx)
	logs.Infof("order gateway listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop asks the gateway loop to drain and exit.
func (s *Server) Stop() {
	s.running.Store(false)
}

// Wait blocks until the gateway loop and every connection goroutine have exited.
func (s *Server) Wait() {
	<-s.done
	s.conns.Wait()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.running.Load() {
				logs.Errorf("order gateway: accept, err: %+v", err)
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		sess := newSession(conn, s.cfg.SessionBuffer)
		select {
		case s.inbound <- inbound{kind: inboundOpen, sess: sess}:
		case <-s.quit:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	unlock, err := affinity.Lock(s.cfg.CPU)
	defer unlock()
	if err != nil {
		logs.Warnf("order gateway: pin cpu %d, err: %+v", s.cfg.CPU, err)
	}

	for s.running.Load() && ctx.Err() == nil {
		if s.poll() == 0 && !s.cfg.BusyPoll {
			runtime.Gosched()
		}
	}

	_ = s.ln.Close()
	close(s.quit)
	for {
		in, ok := s.tryRecv()
		if !ok {
			break
		}
		if in.kind == inboundOpen {
			_ = in.sess.conn.Close()
		}
	}
	s.seq.Flush()

	// Every forwarded request gets exactly one acknowledgement, and the engine
	// releases a request only after committing all of its responses.
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for {
		consumed := s.seq.Consumed()
		s.responses.Drain(s.route)
		if consumed && s.acked >= s.seq.Forwarded() && s.responses.Empty() {
			break
		}
		if !time.Now().Before(deadline) {
			logs.Warnf("order gateway: drain timeout, %d requests unacknowledged", s.seq.Forwarded()-min(s.acked, s.seq.Forwarded()))
			break
		}
		runtime.Gosched()
	}
	for _, sess := range s.sessions {
		s.closeSession(sess, nil)
	}
	logs.Info("order gateway stopped")
}

// poll runs one gateway iteration and returns the amount of work done.
func (s *Server) poll() int {
	work := 0
	for !s.seq.Full() {
		in, ok := s.tryRecv()
		if !ok {
			break
		}
		s.handle(in)
		work++
	}
	work += s.seq.Flush()
	work += s.responses.Drain(s.route)
	return work
}

func (s *Server) tryRecv() (inbound, bool) {
	select {
	case in := <-s.inbound:
		return in, true
	default:
		return inbound{}, false
	}
}

func (s *Server) handle(in inbound) {
	switch in.kind {
	case inboundOpen:
		s.sessions[in.sess.id] = in.sess
		s.metrics.AddSessions(1)
		s.conns.Add(2)
		go func() {
			defer s.conns.Done()
			in.sess.readLoop(s.inbound, s.quit)
		}()
		go func() {
			defer s.conns.Done()
			in.sess.writeLoop()
		}()
		logs.Infof("order gateway: session %s opened", in.sess)
	case inboundClosed:
		s.closeSession(in.sess, in.err)
	case inboundFrame:
		s.handleFrame(in)
	}
}

func (s *Server) handleFrame(in inbound) {
	if _, ok := s.sessions[in.sess.id]; !ok {
		return
	}
	req := in.frame.Request
	if !req.Type.IsAvailable() || req.ClientID == 0 {
		s.metrics.IncProtocolError()
		s.closeSession(in.sess, errors.Wrapf(exception.ErrOrderMalformed, "type: %d, client: %d", req.Type, req.ClientID))
		return
	}

	cs := s.client(req.ClientID)
	if cs.session == nil {
		cs.session = in.sess
	}
	if cs.session != in.sess {
		s.metrics.IncProtocolError()
		logs.Warnf("order gateway: %+v, client: %d, session: %s, bound: %s",
			exception.ErrOrderForeignClient, req.ClientID, in.sess, cs.session)
		return
	}

	if in.frame.Seq != cs.nextExpected {
		s.metrics.IncProtocolError()
		logs.Warnf("order gateway: %+v, client: %d, expected: %d, received: %d",
			exception.ErrOrderOutOfSequence, req.ClientID, cs.nextExpected, in.frame.Seq)
		s.send(cs, &schema.ClientResponse{
			Type:          schema.ResponseRejected,
			Side:          req.Side,
			Reason:        schema.ReasonOutOfSequence,
			ClientID:      req.ClientID,
			SymbolID:      req.SymbolID,
			ClientOrderID: req.OrderID,
			Price:         req.Price,
			LeavesQty:     req.Qty,
		})
		return
	}
	cs.nextExpected++

	if err := s.seq.Add(in.recv, req); err != nil {
		// Full is checked before every receive, so this is a logic error.
		logs.Errorf("order gateway: sequencer, err: %+v", err)
	}
}

func (s *Server) client(id schema.ClientID) *clientState {
	cs, ok := s.clients[id]
	if !ok {
		cs = &clientState{nextExpected: 1, nextOutgoing: 1}
		s.clients[id] = cs
	}
	return cs
}

// route stamps the per-client outgoing sequence and hands the frame to the owning session.
func (s *Server) route(rsp *schema.ClientResponse) {
	if isAck(rsp.Type) {
		s.acked++
	}
	s.send(s.client(rsp.ClientID), rsp)
}

// isAck reports whether t is the single response the engine emits for each request.
func isAck(t schema.ResponseType) bool {
	switch t {
	case schema.ResponseAccepted, schema.ResponseRejected, schema.ResponseCanceled, schema.ResponseCancelRejected:
		return true
	}
	return false
}

func (s *Server) send(cs *clientState, rsp *schema.ClientResponse) {
	seq := cs.nextOutgoing
	cs.nextOutgoing++

	if cs.session == nil {
		s.metrics.IncDroppedResponse()
		return
	}
	b := codec.EncodeResponse(nil, codec.ResponseFrame{Seq: seq, Response: *rsp})
	if !cs.session.enqueue(b) {
		s.metrics.IncDroppedResponse()
		s.closeSession(cs.session, exception.ErrOrderSlowConsumer)
	}
}

// closeSession unbinds every client of the session. Resting orders are untouched.
func (s *Server) closeSession(sess *session, cause error) {
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	for _, cs := range s.clients {
		if cs.session == sess {
			cs.session = nil
		}
	}
	sess.close()
	s.metrics.AddSessions(-1)
	if cause != nil {
		logs.Infof("order gateway: session %s closed, cause: %+v", sess, cause)
	} else {
		logs.Infof("order gateway: session %s closed", sess)
	}
}
