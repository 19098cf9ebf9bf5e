package obs

import (
	"sync/atomic"
	"time"

	"exchange/internal/schema"
)

const (
	maxRequestType  = int(schema.RequestCancel)
	maxResponseType = int(schema.ResponseRejected)
)

// Queue identifies an inter-component ring for drop accounting.
type Queue uint8

const (
	QueueRequests Queue = iota
	QueueResponses
	QueueUpdates
	QueueSnapshot
	queueCount
)

func (q Queue) String() string {
	switch q {
	case QueueRequests:
		return "requests"
	case QueueResponses:
		return "responses"
	case QueueUpdates:
		return "updates"
	case QueueSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Metrics collects lightweight counters and latency stats.
// Every method is safe on a nil receiver.
type Metrics struct {
	requestCounts  [maxRequestType + 1]uint64
	responseCounts [maxResponseType + 1]uint64
	updateCounts   [schema.UpdateTypeCount]uint64
	reasonCounts   [schema.ReasonCount]uint64
	queueDrops     [queueCount]uint64

	protocolErrors   uint64
	droppedResponses uint64
	sendErrors       uint64
	snapshots        uint64
	sequenceGaps     uint64
	sessions         int64
	tradedQty        uint64

	matchLatency   LatencyStats
	publishLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Requests         map[string]uint64 `json:"requests"`
	Responses        map[string]uint64 `json:"responses"`
	Updates          map[string]uint64 `json:"updates"`
	Reasons          map[string]uint64 `json:"reasons"`
	QueueDrops       map[string]uint64 `json:"queueDrops"`
	ProtocolErrors   uint64            `json:"protocolErrors"`
	DroppedResponses uint64            `json:"droppedResponses"`
	SendErrors       uint64            `json:"sendErrors"`
	Snapshots        uint64            `json:"snapshots"`
	SequenceGaps     uint64            `json:"sequenceGaps"`
	Sessions         int64             `json:"sessions"`
	TradedQty        uint64            `json:"tradedQty"`
	MatchLatency     LatencySnapshot   `json:"matchLatency"`
	PublishLatency   LatencySnapshot   `json:"publishLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncRequest counts a request handed to the matching engine.
func (m *Metrics) IncRequest(t schema.RequestType) {
	if m == nil {
		return
	}
	idx := int(t)
	if idx >= 0 && idx < len(m.requestCounts) {
		atomic.AddUint64(&m.requestCounts[idx], 1)
	}
}

// IncResponse counts a response emitted by the matching engine.
func (m *Metrics) IncResponse(rsp *schema.ClientResponse) {
	if m == nil {
		return
	}
	idx := int(rsp.Type)
	if idx >= 0 && idx < len(m.responseCounts) {
		atomic.AddUint64(&m.responseCounts[idx], 1)
	}
	if rsp.Reason != schema.ReasonNone {
		m.IncReason(rsp.Reason)
	}
}

// IncReason increments the reject reason counter.
func (m *Metrics) IncReason(reason schema.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.reasonCounts) {
		atomic.AddUint64(&m.reasonCounts[idx], 1)
	}
}

// IncUpdate counts a market update.
func (m *Metrics) IncUpdate(u *schema.MarketUpdate) {
	if m == nil {
		return
	}
	idx := int(u.Type)
	if idx >= 0 && idx < len(m.updateCounts) {
		atomic.AddUint64(&m.updateCounts[idx], 1)
	}
	if u.Type == schema.UpdateTrade && u.Qty > 0 {
		atomic.AddUint64(&m.tradedQty, uint64(u.Qty))
	}
}

// IncQueueDrop records a drop on a full ring.
func (m *Metrics) IncQueueDrop(q Queue) {
	if m == nil || q >= queueCount {
		return
	}
	atomic.AddUint64(&m.queueDrops[q], 1)
}

// IncProtocolError records a frame rejected at the gateway.
func (m *Metrics) IncProtocolError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.protocolErrors, 1)
}

// IncDroppedResponse records a response for a client with no session.
func (m *Metrics) IncDroppedResponse() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.droppedResponses, 1)
}

// IncSendError records a failed datagram send.
func (m *Metrics) IncSendError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sendErrors, 1)
}

// IncSnapshot records a published snapshot cycle.
func (m *Metrics) IncSnapshot() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.snapshots, 1)
}

// IncSequenceGap records a detected sequence gap.
func (m *Metrics) IncSequenceGap() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sequenceGaps, 1)
}

// AddSessions adjusts the live session gauge.
func (m *Metrics) AddSessions(delta int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.sessions, delta)
}

// ObserveMatch measures gateway receive to engine completion.
func (m *Metrics) ObserveMatch(d time.Duration) {
	if m == nil {
		return
	}
	m.matchLatency.Observe(d)
}

// ObservePublish measures the incremental publish path per update.
func (m *Metrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publishLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	requests := make(map[string]uint64)
	for i := range m.requestCounts {
		if v := atomic.LoadUint64(&m.requestCounts[i]); v > 0 {
			requests[schema.RequestType(i).String()] = v
		}
	}
	responses := make(map[string]uint64)
	for i := range m.responseCounts {
		if v := atomic.LoadUint64(&m.responseCounts[i]); v > 0 {
			responses[schema.ResponseType(i).String()] = v
		}
	}
	updates := make(map[string]uint64)
	for i := range m.updateCounts {
		if v := atomic.LoadUint64(&m.updateCounts[i]); v > 0 {
			updates[schema.UpdateType(i).String()] = v
		}
	}
	reasons := make(map[string]uint64)
	for i := range m.reasonCounts {
		if v := atomic.LoadUint64(&m.reasonCounts[i]); v > 0 {
			reasons[schema.RejectReason(i).String()] = v
		}
	}
	drops := make(map[string]uint64)
	for i := range m.queueDrops {
		if v := atomic.LoadUint64(&m.queueDrops[i]); v > 0 {
			drops[Queue(i).String()] = v
		}
	}
	return Snapshot{
		Requests:         requests,
		Responses:        responses,
		Updates:          updates,
		Reasons:          reasons,
		QueueDrops:       drops,
		ProtocolErrors:   atomic.LoadUint64(&m.protocolErrors),
		DroppedResponses: atomic.LoadUint64(&m.droppedResponses),
		SendErrors:       atomic.LoadUint64(&m.sendErrors),
		Snapshots:        atomic.LoadUint64(&m.snapshots),
		SequenceGaps:     atomic.LoadUint64(&m.sequenceGaps),
		Sessions:         atomic.LoadInt64(&m.sessions),
		TradedQty:        atomic.LoadUint64(&m.tradedQty),
		MatchLatency:     m.matchLatency.Snapshot(),
		PublishLatency:   m.publishLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
