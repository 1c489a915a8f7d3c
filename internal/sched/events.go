package sched

import (
	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

// BSREvent is a buffer-status report: absolute pending bytes for one
// logical-channel group of one user.
type BSREvent struct {
	RNTI  radio.RNTI
	Dir   radio.Dir
	LCG   ue.LCG
	Bytes uint32
}

// CQIEvent is a channel-quality report for one user and carrier.
type CQIEvent struct {
	RNTI    radio.RNTI
	Carrier uint32
	CQI     radio.CQI
}

// FeedbackEvent is the ACK/NACK outcome for one in-flight HARQ process,
// due at the TTI it is applied in.
type FeedbackEvent struct {
	RNTI    radio.RNTI
	Carrier uint32
	Dir     radio.Dir
	PID     harq.ProcID
	Ack     bool
}

// RAEvent is a detected random-access preamble on one carrier.
type RAEvent struct {
	Carrier  uint32
	Preamble uint8
	// Detected is the TTI the opportunity was observed in; it fixes the
	// response identity and the response deadline.
	Detected radio.TTI
}

// TTIEvents is the input batch for one tick. The physical-layer driver
// fills it with everything decoded since the previous tick and hands it to
// RunTTI; the asynchronous Deliver calls feed the same structure internally.
type TTIEvents struct {
	BSR      []BSREvent
	CQI      []CQIEvent
	Feedback []FeedbackEvent
	RA       []RAEvent
}

func (e *TTIEvents) empty() bool {
	return e == nil ||
		len(e.BSR) == 0 && len(e.CQI) == 0 && len(e.Feedback) == 0 && len(e.RA) == 0
}

// merge appends o's events after e's own, preserving delivery order.
func (e *TTIEvents) merge(o *TTIEvents) {
	if o == nil {
		return
	}
	e.BSR = append(e.BSR, o.BSR...)
	e.CQI = append(e.CQI, o.CQI...)
	e.Feedback = append(e.Feedback, o.Feedback...)
	e.RA = append(e.RA, o.RA...)
}

func (e *TTIEvents) reset() {
	e.BSR = e.BSR[:0]
	e.CQI = e.CQI[:0]
	e.Feedback = e.Feedback[:0]
	e.RA = e.RA[:0]
}

// DeliverBSR queues a buffer-status report for the next TTI boundary.
// Unknown users are resolved at apply time, not here.
func (s *Scheduler) DeliverBSR(ev BSREvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued.BSR = append(s.queued.BSR, ev)
}

// DeliverCQI queues a channel-quality report for the next TTI boundary.
func (s *Scheduler) DeliverCQI(ev CQIEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued.CQI = append(s.queued.CQI, ev)
}

// DeliverHARQFeedback queues an ACK/NACK for the next TTI boundary. The
// feedback is validated against the process's armed TTI when applied.
func (s *Scheduler) DeliverHARQFeedback(ev FeedbackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued.Feedback = append(s.queued.Feedback, ev)
}

// DeliverRAEvent queues a detected random-access preamble.
func (s *Scheduler) DeliverRAEvent(ev RAEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued.RA = append(s.queued.RA, ev)
}
