package og

import (
	"sort"

	"github.com/yanun0323/errors"

	"exchange/internal/bus"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/pkg/exception"
)

// DefaultMaxPending bounds the requests collected in one poll.
const DefaultMaxPending = 1024

type pendingRequest struct {
	recv int64
	req  schema.ClientRequest
}

// Sequencer orders the requests collected in one poll by receive time
// before handing them to the matching engine.
type Sequencer struct {
	pending   []pendingRequest
	out       *bus.Ring[schema.ClientRequest]
	metrics   *obs.Metrics
	forwarded uint64

	// OnOverflow handles a full request ring. Defaults to bus.AbortOnOverflow.
	OnOverflow bus.OverflowFunc
}

// NewSequencer creates a sequencer writing to out.
func NewSequencer(out *bus.Ring[schema.ClientRequest], maxPending int, metrics *obs.Metrics) *Sequencer {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Sequencer{
		pending:    make([]pendingRequest, 0, maxPending),
		out:        out,
		metrics:    metrics,
		OnOverflow: bus.AbortOnOverflow,
	}
}

// Add buffers a request until the next Flush.
func (s *Sequencer) Add(recv int64, req schema.ClientRequest) error {
	if len(s.pending) == cap(s.pending) {
		return errors.Wrapf(exception.ErrQueueOverflow, "pending requests: %d", len(s.pending))
	}
	req.TsRecv = recv
	s.pending = append(s.pending, pendingRequest{recv: recv, req: req})
	return nil
}

// Full reports whether Add would fail.
func (s *Sequencer) Full() bool {
	return len(s.pending) == cap(s.pending)
}

// Len returns the number of buffered requests.
func (s *Sequencer) Len() int {
	return len(s.pending)
}

// Forwarded returns the number of requests committed to the request ring.
func (s *Sequencer) Forwarded() uint64 {
	return s.forwarded
}

// Consumed reports whether the engine has taken every forwarded request.
func (s *Sequencer) Consumed() bool {
	return s.out.Empty()
}

// Flush writes the buffered requests in receive-time order and returns how many were written.
func (s *Sequencer) Flush() int {
	n := len(s.pending)
	if n == 0 {
		return 0
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].recv < s.pending[j].recv
	})
	for i := range s.pending {
		slot := s.out.Write()
		if slot == nil {
			s.metrics.IncQueueDrop(obs.QueueRequests)
			s.OnOverflow(obs.QueueRequests.String())
			continue
		}
		*slot = s.pending[i].req
		s.out.Commit()
		s.forwarded++
	}
	s.pending = s.pending[:0]
	return n
}
