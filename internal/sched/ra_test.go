package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

func kindCount(as []grid.Assignment, kind grid.Kind) int {
	n := 0
	for _, a := range as {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// A detected preamble turns into a temporary user, a response in the same
// tick's downlink, and a first uplink grant exactly Msg3Delay ticks after
// the response.
func TestRandomAccessSequence(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	detected := radio.TTI(100)
	res, err := s.RunTTI(detected, &TTIEvents{RA: []RAEvent{{Carrier: 0, Preamble: 7, Detected: detected}}})
	require.NoError(t, err)

	require.Equal(t, 1, s.NofUsers())
	require.Equal(t, 1, kindCount(res.Carriers[0].DL, grid.KindRAR))
	require.Len(t, res.Carriers[0].RAR, 1)
	rar := res.Carriers[0].RAR[0]
	require.Equal(t, radio.RARNTI(detected), rar.RARNTI)
	require.Equal(t, radio.RNTI(0x46), rar.TempRNTI)
	require.Equal(t, uint8(7), rar.Preamble)
	require.Equal(t, detected.Add(radio.Msg3Delay), rar.Msg3TTI)

	// Quiet until the first grant is due.
	for tti := detected.Add(1); tti != rar.Msg3TTI; tti = tti.Add(1) {
		res, err = s.RunTTI(tti, nil)
		require.NoError(t, err)
		require.Empty(t, res.Carriers[0].UL, "tti=%d", tti)
	}

	res, err = s.RunTTI(rar.Msg3TTI, nil)
	require.NoError(t, err)
	require.Len(t, res.Carriers[0].UL, 1)
	msg3 := res.Carriers[0].UL[0]
	require.Equal(t, grid.KindMsg3, msg3.Kind)
	require.Equal(t, rar.TempRNTI, msg3.RNTI)
	require.Equal(t, uint32(msg3PRB), msg3.RB.Len())

	// The temporary identity is a full user from here on.
	s.DeliverCQI(CQIEvent{RNTI: rar.TempRNTI, Carrier: 0, CQI: 12})
	s.DeliverBSR(BSREvent{RNTI: rar.TempRNTI, Dir: radio.DirDL, LCG: 0, Bytes: 300})
	res, err = s.RunTTI(rar.Msg3TTI.Add(1), nil)
	require.NoError(t, err)
	require.Len(t, dataGrants(res.Carriers[0]), 1)

	c := s.Counters()
	require.Equal(t, uint64(1), c.RAAdmitted)
	require.Zero(t, c.RAExpired)
	require.Zero(t, c.RARejected)
}

// Attempts the cell cannot answer inside the response window are dropped
// and their temporary identities released.
func TestRandomAccessExpiry(t *testing.T) {
	t.Parallel()

	cfg := testCell(CarrierConfig{NofPRB: 6, PUCCHWidth: 1})
	cfg.SIBPeriod = 1 // broadcast every tick, leaving no room for responses
	cfg.RARWindow = 2
	s := newTestScheduler(t, cfg)

	detected := radio.TTI(100)
	events := []RAEvent{
		{Carrier: 0, Preamble: 1, Detected: detected},
		{Carrier: 0, Preamble: 2, Detected: detected},
		{Carrier: 0, Preamble: 3, Detected: detected},
	}
	res, err := s.RunTTI(detected, &TTIEvents{RA: events})
	require.NoError(t, err)
	require.Equal(t, 3, s.NofUsers())
	require.Empty(t, res.Carriers[0].RAR, "broadcast leaves no space for responses")

	for tti := detected.Add(1); tti != detected.Add(4); tti = tti.Add(1) {
		res, err = s.RunTTI(tti, nil)
		require.NoError(t, err)
		require.Empty(t, res.Carriers[0].RAR)
	}

	c := s.Counters()
	require.Equal(t, uint64(3), c.RAAdmitted)
	require.Equal(t, uint64(3), c.RAExpired)
	require.Equal(t, 0, s.NofUsers())
}

// A full user table rejects new attempts without disturbing the cell.
func TestRandomAccessCapacityRejection(t *testing.T) {
	t.Parallel()

	cfg := testCell()
	cfg.MaxUsers = 1
	s := newTestScheduler(t, cfg)
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x100, Carriers: []uint32{0}}))

	res, err := s.RunTTI(50, &TTIEvents{RA: []RAEvent{{Carrier: 0, Preamble: 9, Detected: 50}}})
	require.NoError(t, err)
	require.Empty(t, res.Carriers[0].RAR)
	require.Equal(t, 1, s.NofUsers())
	require.Equal(t, uint64(1), s.Counters().RARejected)
}

// System information goes out on its fixed cadence and nowhere else.
func TestBroadcastCadence(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	for tti := radio.TTI(0); tti <= 80; tti = tti.Add(1) {
		res, err := s.RunTTI(tti, nil)
		require.NoError(t, err)
		want := 0
		if uint32(tti)%DefaultSIBPeriod == 0 {
			want = 1
		}
		require.Equal(t, want, kindCount(res.Carriers[0].DL, grid.KindBroadcast), "tti=%d", tti)
		if want == 1 {
			require.Equal(t, radio.SIRNTI, res.Carriers[0].DL[0].RNTI)
		}
	}
	require.Equal(t, uint64(2), s.Counters().SIBScheduled)
}

// On opportunity ticks the random-access region is carved out of the
// uplink before any user is served.
func TestPRACHReservationShiftsUplink(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, testCell())
	require.NoError(t, s.AddUser(ue.Config{RNTI: 0x46, Carriers: []uint32{0}}))
	s.DeliverCQI(CQIEvent{RNTI: 0x46, Carrier: 0, CQI: 15})

	grantStart := func(tti radio.TTI) uint32 {
		s.DeliverBSR(BSREvent{RNTI: 0x46, Dir: radio.DirUL, LCG: 0, Bytes: 100000})
		res, err := s.RunTTI(tti, nil)
		require.NoError(t, err)
		require.Len(t, res.Carriers[0].UL, 1)
		return res.Carriers[0].UL[0].RB.Start
	}

	// Opportunity tick: control edge plus random-access region.
	require.Equal(t, uint32(DefaultPUCCHWidth+DefaultPRACHWidth), grantStart(10))
	// Plain tick: only the control edge.
	require.Equal(t, uint32(DefaultPUCCHWidth), grantStart(11))
}
