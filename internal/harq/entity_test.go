package harq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ranware/macsched/internal/radio"
)

func testGrant() Grant {
	return Grant{TBS: 120, PRB: 4, MCS: 9}
}

func TestNewTxPicksOldestEmpty(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 4, 2)

	// Initial order is ascending pid.
	for want := ProcID(0); want < 4; want++ {
		pid, err := e.NewTx(radio.TTI(uint32(want)), testGrant())
		require.NoError(t, err)
		require.Equal(t, want, pid)
	}

	// Free pid 2 first, then pid 0: the next two picks follow that order.
	fb2, _ := e.Proc(2)
	res, err := e.Feedback(fb2.FeedbackTTI, 2, true)
	require.NoError(t, err)
	require.True(t, res.Ack)

	fb0, _ := e.Proc(0)
	_, err = e.Feedback(fb0.FeedbackTTI, 0, true)
	require.NoError(t, err)

	pid, err := e.NewTx(20, testGrant())
	require.NoError(t, err)
	require.Equal(t, ProcID(2), pid)
	pid, err = e.NewTx(21, testGrant())
	require.NoError(t, err)
	require.Equal(t, ProcID(0), pid)
}

func TestNoFreeProcessUntilFeedback(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 8, 4)
	tti := radio.TTI(100)
	for i := 0; i < 8; i++ {
		_, err := e.NewTx(tti.Add(uint32(i)), testGrant())
		require.NoError(t, err)
	}
	require.Equal(t, 8, e.InFlight())

	_, err := e.NewTx(tti.Add(8), testGrant())
	require.ErrorIs(t, err, ErrNoFreeProcess)

	// An ACK for process 0 frees exactly one slot.
	info, _ := e.Proc(0)
	_, err = e.Feedback(info.FeedbackTTI, 0, true)
	require.NoError(t, err)

	pid, err := e.NewTx(tti.Add(9), testGrant())
	require.NoError(t, err)
	require.Equal(t, ProcID(0), pid)
}

func TestNackRetransmitCycle(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 8, 4)
	tx := radio.TTI(50)
	pid, err := e.NewTx(tx, Grant{TBS: 300, PRB: 6, MCS: 12})
	require.NoError(t, err)

	fb := tx.Add(radio.FeedbackDelay)
	require.Equal(t, []ProcID{pid}, e.PendingFeedback(fb))
	require.Empty(t, e.PendingFeedback(fb.Add(1)))

	res, err := e.Feedback(fb, pid, false)
	require.NoError(t, err)
	require.False(t, res.Ack)
	require.False(t, res.Dropped)
	require.Equal(t, uint8(1), res.Retries)

	// Not eligible in the NACK TTI itself, eligible one TTI later.
	require.Empty(t, e.PendingRetx(fb))
	require.Equal(t, []ProcID{pid}, e.PendingRetx(fb.Add(1)))

	// The resend reproduces the original grant and re-arms feedback.
	g, err := e.Retransmit(pid, fb.Add(1))
	require.NoError(t, err)
	require.Equal(t, uint32(300), g.TBS)
	require.Equal(t, uint32(6), g.PRB)
	require.Equal(t, []ProcID{pid}, e.PendingFeedback(fb.Add(1+radio.FeedbackDelay)))
}

func TestMaxRetxDropsBlock(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirUL, 8, 2)
	tti := radio.TTI(0)
	pid, err := e.NewTx(tti, testGrant())
	require.NoError(t, err)

	for retry := uint8(1); retry <= 2; retry++ {
		info, _ := e.Proc(pid)
		res, err := e.Feedback(info.FeedbackTTI, pid, false)
		require.NoError(t, err)
		require.False(t, res.Dropped)
		require.Equal(t, retry, res.Retries)
		_, err = e.Retransmit(pid, info.FeedbackTTI.Add(1))
		require.NoError(t, err)
	}

	// Third NACK exceeds the budget: the block is abandoned.
	info, _ := e.Proc(pid)
	res, err := e.Feedback(info.FeedbackTTI, pid, false)
	require.NoError(t, err)
	require.True(t, res.Dropped)
	require.Equal(t, uint32(120), res.Grant.TBS)

	st, _ := e.Proc(pid)
	require.Equal(t, StateEmpty, st.State)
	require.Empty(t, e.PendingRetx(info.FeedbackTTI.Add(1)))
}

func TestFeedbackViolations(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 4, 4)

	_, err := e.Feedback(10, 9, true)
	require.ErrorIs(t, err, ErrUnknownProcess)

	// Feedback for a process with nothing in flight.
	_, err = e.Feedback(10, 1, true)
	require.ErrorIs(t, err, ErrProcessIdle)

	pid, err := e.NewTx(100, testGrant())
	require.NoError(t, err)

	// Wrong TTI: one early, one late.
	_, err = e.Feedback(radio.TTI(100).Add(radio.FeedbackDelay-1), pid, true)
	require.ErrorIs(t, err, ErrFeedbackOutOfWindow)
	_, err = e.Feedback(radio.TTI(100).Add(radio.FeedbackDelay+1), pid, true)
	require.ErrorIs(t, err, ErrFeedbackOutOfWindow)

	// The exact TTI still works afterwards.
	_, err = e.Feedback(radio.TTI(100).Add(radio.FeedbackDelay), pid, true)
	require.NoError(t, err)
}

func TestNewTxOnExplicitProcess(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 8, 4)
	require.NoError(t, e.NewTxOn(5, 30, testGrant()))
	require.ErrorIs(t, e.NewTxOn(5, 31, testGrant()), ErrProcessBusy)
	require.ErrorIs(t, e.NewTxOn(42, 31, testGrant()), ErrUnknownProcess)
}

func TestFlushAbortsInFlight(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 8, 4)
	for i := uint32(0); i < 5; i++ {
		_, err := e.NewTx(radio.TTI(i), testGrant())
		require.NoError(t, err)
	}
	// Put one process into retransmit state before flushing.
	info, _ := e.Proc(0)
	_, err := e.Feedback(info.FeedbackTTI, 0, false)
	require.NoError(t, err)

	require.Equal(t, 5, e.Flush())
	require.Equal(t, 0, e.InFlight())
	for pid := ProcID(0); pid < 8; pid++ {
		st, procErr := e.Proc(pid)
		require.NoError(t, procErr)
		require.Equal(t, StateEmpty, st.State)
	}
}

func TestFeedbackRingAcrossWrap(t *testing.T) {
	t.Parallel()

	e := NewEntity(radio.DirDL, 8, 4)
	tx := radio.TTI(radio.TTIModulus - 2)
	pid, err := e.NewTx(tx, testGrant())
	require.NoError(t, err)

	fb := tx.Add(radio.FeedbackDelay) // wraps to 2
	require.Equal(t, radio.TTI(2), fb)
	require.Equal(t, []ProcID{pid}, e.PendingFeedback(fb))

	res, err := e.Feedback(fb, pid, true)
	require.NoError(t, err)
	require.True(t, res.Ack)
}
