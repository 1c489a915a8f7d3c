package sched

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

func requireDisjointResult(t *testing.T, res *TTIResult) {
	t.Helper()
	for _, cr := range res.Carriers {
		for _, set := range [][]grid.Assignment{cr.DL, cr.UL} {
			for i := range set {
				for j := i + 1; j < len(set); j++ {
					require.False(t, set[i].RB.Overlaps(set[j].RB),
						"tti=%d cc=%d: %s vs %s", res.TTI, cr.Carrier, set[i], set[j])
				}
			}
		}
	}
}

// dataGrants returns the user-data downlink assignments of one carrier.
func dataGrants(cr CarrierResult) []grid.Assignment {
	var out []grid.Assignment
	for _, a := range cr.DL {
		if a.Kind == grid.KindData || a.Kind == grid.KindRetx {
			out = append(out, a)
		}
	}
	return out
}

// The first end-to-end scenario: one user, one narrow carrier, one grant,
// one negative acknowledgment, one retransmission of the same process.
func TestSingleUserGrantThenRetransmission(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell(CarrierConfig{NofPRB: 6, PUCCHWidth: 1}))
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}}))
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 15})
	s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirDL, LCG: 0, Bytes: 500})

	res, err := s.RunTTI(1, nil)
	require.NoError(t, err)
	grants := dataGrants(res.Carriers[0])
	require.Len(t, grants, 1)
	first := grants[0]
	require.Equal(t, radio.RNTI(0x46), first.RNTI)
	require.Equal(t, grid.KindData, first.Kind)
	require.LessOrEqual(t, first.RB.Len(), uint32(6))

	// Nothing more to send until feedback.
	for tti := radio.TTI(2); tti < 5; tti++ {
		res, err = s.RunTTI(tti, nil)
		require.NoError(t, err)
		require.Empty(t, dataGrants(res.Carriers[0]), "tti=%d", tti)
	}

	// Negative acknowledgment lands at the armed TTI. The decision for
	// that same TTI has already been taken, so nothing goes out yet.
	nack := FeedbackEvent{RNTI: 0x46, Carrier: 0, Dir: radio.DirDL, PID: first.PID, Ack: false}
	res, err = s.RunTTI(radio.TTI(1).Add(radio.FeedbackDelay), &TTIEvents{Feedback: []FeedbackEvent{nack}})
	require.NoError(t, err)
	require.Empty(t, dataGrants(res.Carriers[0]))

	// The next tick resends the same process with the same transport block.
	res, err = s.RunTTI(6, nil)
	require.NoError(t, err)
	grants = dataGrants(res.Carriers[0])
	require.Len(t, grants, 1)
	require.Equal(t, grid.KindRetx, grants[0].Kind)
	require.Equal(t, first.PID, grants[0].PID)
	require.Equal(t, first.TBS, grants[0].TBS)
	require.Zero(t, s.Counters().Violations)
}

// The second end-to-end scenario: all processes in flight means no grant,
// until an acknowledgment frees one.
func TestNoGrantWhileAllProcessesInFlight(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}, HARQProcs: 4}))
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 15})
	s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirDL, LCG: 0, Bytes: 100000})

	var pids []uint8
	for tti := radio.TTI(1); tti <= 4; tti++ {
		res, err := s.RunTTI(tti, nil)
		require.NoError(t, err)
		grants := dataGrants(res.Carriers[0])
		require.Len(t, grants, 1, "tti=%d", tti)
		pids = append(pids, uint8(grants[0].PID))
	}
	require.Equal(t, []uint8{0, 1, 2, 3}, pids)

	// Every process occupied: backlog alone earns nothing. The
	// acknowledgment for the first process arrives this same tick.
	ack := FeedbackEvent{RNTI: 0x46, Carrier: 0, Dir: radio.DirDL, PID: 0, Ack: true}
	res, err := s.RunTTI(5, &TTIEvents{Feedback: []FeedbackEvent{ack}})
	require.NoError(t, err)
	require.Empty(t, dataGrants(res.Carriers[0]))

	// The freed process carries the next transmission.
	res, err = s.RunTTI(6, nil)
	require.NoError(t, err)
	grants := dataGrants(res.Carriers[0])
	require.Len(t, grants, 1)
	require.Equal(t, grid.KindData, grants[0].Kind)
	require.Zero(t, uint8(grants[0].PID))
}

// Malformed inputs for one user must not move any other user's outcome.
func TestMalformedInputIsolation(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T) *Scheduler {
		t.Helper()
		s := newTestScheduler(t, testCell())
		require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}}))
		require.NoError(t, s.AddUser(ue.Config{RNTI: 0x47, Carriers: []uint32{0}}))
		return s
	}
	feed := func(s *Scheduler) {
		s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 9})
		s.DeliverCQI(CQIEvent{RNTI: 0x47, Carrier: 0, CQI: 11})
		s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirDL, LCG: 1, Bytes: 700})
		s.DeliverBSR(BSREvent{RNTI: 0x47, Dir: radio.DirUL, LCG: 0, Bytes: 300})
	}

	clean := build(t)
	dirty := build(t)

	var cleanResults, dirtyResults []*TTIResult
	for tti := radio.TTI(1); tti <= 3; tti++ {
		feed(clean)
		feed(dirty)
		// Garbage aimed at an unknown user, an invalid quality value, an
		// out-of-range group index and out-of-range directions.
		dirty.DeliverBSR(BSREvent{RNTI: 0x99, Dir: radio.DirDL, LCG: 0, Bytes: 12})
		dirty.DeliverCQI(CQIEvent{RNTI: 0x47, Carrier: 0, CQI: 16})
		dirty.DeliverBSR(BSREvent{RNTI: 0x47, Dir: radio.DirUL, LCG: ue.NofLCG, Bytes: 9000})
		dirty.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.Dir(7), LCG: 0, Bytes: 40})
		dirty.DeliverHARQFeedback(FeedbackEvent{RNTI: 0x46, Carrier: 0, Dir: radio.Dir(200), PID: 0, Ack: false})

		cr, err := clean.RunTTI(tti, nil)
		require.NoError(t, err)
		dr, err := dirty.RunTTI(tti, nil)
		require.NoError(t, err)
		cleanResults = append(cleanResults, cr)
		dirtyResults = append(dirtyResults, dr)
	}

	require.Empty(t, cmp.Diff(cleanResults, dirtyResults))
	require.Equal(t, uint64(15), dirty.Counters().InputDropped)
	require.Zero(t, clean.Counters().InputDropped)
}

// Direction values come in from the outside world and index per-direction
// state; an out-of-range one must be rejected at the boundary and taken
// out of the tick, with the scheduler still serving everyone else and
// still answering afterwards.
func TestInvalidDirectionRejectedAtBoundary(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}}))
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 12})
	s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirDL, LCG: 0, Bytes: 400})

	events := &TTIEvents{
		BSR:      []BSREvent{{RNTI: 0x46, Dir: radio.Dir(7), LCG: 0, Bytes: 100}},
		Feedback: []FeedbackEvent{{RNTI: 0x46, Carrier: 0, Dir: radio.Dir(200), PID: 0, Ack: true}},
	}
	var res *TTIResult
	require.NotPanics(t, func() {
		var err error
		res, err = s.RunTTI(1, events)
		require.NoError(t, err)
	})

	// The user's valid report still earns a grant this same tick.
	require.Len(t, dataGrants(res.Carriers[0]), 1)
	require.Equal(t, uint64(2), s.Counters().InputDropped)
	require.Zero(t, s.Counters().Violations)

	// Nothing is wedged: the façade keeps taking calls.
	_, err := s.RunTTI(2, nil)
	require.NoError(t, err)
	require.NoError(t, s.RemoveUser(0x46))
}

// Persistent backlog with a usable channel gets served within a bounded
// number of ticks, whatever the competition.
func TestStarvationBound(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	users := []radio.RNTI{0x46, 0x47, 0x48, 0x49, 0x4a, 0x4b}
	for _, rnti := range users {
		require.NoError(t, s.AddUser(ue.Config{RNTI: rnti, Carriers: []uint32{0}}))
		s.DeliverCQI(CQIEvent{RNTI: rnti, Carrier: 0, CQI: 10})
	}

	const ticks = 60
	const maxGap = 10

	feedbacks := make(map[radio.TTI][]FeedbackEvent)
	lastServed := make(map[radio.RNTI]radio.TTI)
	served := make(map[radio.RNTI]int)
	for _, rnti := range users {
		lastServed[rnti] = 0
	}

	for tti := radio.TTI(1); tti <= ticks; tti++ {
		batch := &TTIEvents{Feedback: feedbacks[tti]}
		delete(feedbacks, tti)
		for _, rnti := range users {
			batch.BSR = append(batch.BSR, BSREvent{RNTI: rnti, Dir: radio.DirDL, LCG: 0, Bytes: 10000})
		}
		res, err := s.RunTTI(tti, batch)
		require.NoError(t, err)
		requireDisjointResult(t, res)

		for _, a := range dataGrants(res.Carriers[0]) {
			require.LessOrEqual(t, tti.Sub(lastServed[a.RNTI]), maxGap,
				"user %s starved", a.RNTI)
			lastServed[a.RNTI] = tti
			served[a.RNTI]++
			due := tti.Add(radio.FeedbackDelay)
			feedbacks[due] = append(feedbacks[due], FeedbackEvent{
				RNTI: a.RNTI, Carrier: 0, Dir: radio.DirDL, PID: a.PID, Ack: true,
			})
		}
	}

	for _, rnti := range users {
		require.GreaterOrEqual(t, served[rnti], 5, "user %s total service", rnti)
		require.LessOrEqual(t, int(ticks)-int(lastServed[rnti]), maxGap, "user %s tail gap", rnti)
	}
	require.Zero(t, s.Counters().Violations)
}

// Reports handed to RunTTI in the batch are visible to that same
// decision; reports queued asynchronously are too. Both paths meet the
// boundary together.
func TestInputsApplyAtBoundary(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}}))

	// Queued path.
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 12})
	// Batch path.
	batch := &TTIEvents{BSR: []BSREvent{{RNTI: 0x46, Dir: radio.DirDL, LCG: 0, Bytes: 250}}}

	res, err := s.RunTTI(1, batch)
	require.NoError(t, err)
	require.Len(t, dataGrants(res.Carriers[0]), 1)

	// The queue drained: nothing left over for the next tick.
	res, err = s.RunTTI(2, nil)
	require.NoError(t, err)
	require.Empty(t, dataGrants(res.Carriers[0]))
}

// A user attached on two carriers is not granted the same bytes twice.
func TestBacklogNotDoubleGrantedAcrossCarriers(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell(CarrierConfig{NofPRB: 25}, CarrierConfig{NofPRB: 25}))
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0, 1}}))
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 15})
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 1, CQI: 15})
	s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirDL, LCG: 0, Bytes: 100})

	res, err := s.RunTTI(1, nil)
	require.NoError(t, err)
	total := len(dataGrants(res.Carriers[0])) + len(dataGrants(res.Carriers[1]))
	require.Equal(t, 1, total, "backlog satisfied on the first carrier must not repeat on the second")
}
