package sched

import (
	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/radio"
)

// RunTTI executes one decision tick. The batch carries everything the
// physical layer decoded since the previous tick; reports delivered
// asynchronously since then are merged in. The pipeline is strictly
// sequential: queued reports are applied first, then random-access
// admission and expiry, then per-carrier downlink and uplink allocation
// with HARQ recording, then the feedback due this TTI. Feedback therefore
// influences the next tick's retransmission candidates, never this one's.
//
// RunTTI never blocks on anything external and never fails for a single
// user's sake; per-user errors are isolated, logged and counted.
func (s *Scheduler) RunTTI(tti radio.TTI, events *TTIEvents) (*TTIResult, error) {
	res, sinks, err := s.decide(tti, events)
	if err != nil {
		return nil, err
	}
	for _, sink := range sinks {
		sink.OnResult(res)
	}
	return res, nil
}

// decide holds the lock for the whole decision. Unlocking by defer keeps
// the scheduler usable even if a sink's owner recovers from a panic below
// this frame.
func (s *Scheduler) decide(tti radio.TTI, events *TTIEvents) (*TTIResult, []ResultSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return nil, nil, ErrNotConfigured
	}
	batch := s.takeBatch(events)
	s.lastTTI = tti
	s.counters.TTIs++

	s.applyReports(batch)
	s.admitRA(tti, batch.RA)
	s.expireRA(tti)

	res := &TTIResult{TTI: tti, Carriers: make([]CarrierResult, len(s.cfg.Carriers))}
	for cc := range s.cfg.Carriers {
		cr := &res.Carriers[cc]
		cr.Carrier = uint32(cc)
		s.runDL(tti, uint32(cc), cr)
		s.runUL(tti, uint32(cc), cr)
	}

	s.applyFeedback(tti, batch.Feedback)
	return res, s.sinks, nil
}

// takeBatch drains the queued inputs and merges the synchronous batch
// after them, preserving delivery order.
func (s *Scheduler) takeBatch(events *TTIEvents) *TTIEvents {
	s.batch.reset()
	s.batch.merge(&s.queued)
	s.queued.reset()
	s.batch.merge(events)
	return &s.batch
}

// applyReports applies buffer-status and channel-quality reports at the
// TTI boundary, before any candidate is computed.
func (s *Scheduler) applyReports(batch *TTIEvents) {
	for _, ev := range batch.BSR {
		if !ev.Dir.Valid() {
			s.dropInput(ev.RNTI, nil, "bsr with invalid direction")
			continue
		}
		u, ok := s.users[ev.RNTI]
		if !ok {
			s.dropInput(ev.RNTI, nil, "bsr for unknown user")
			continue
		}
		if err := u.UpdateBSR(ev.Dir, ev.LCG, ev.Bytes); err != nil {
			s.dropInput(ev.RNTI, err, "bsr rejected")
		}
	}
	for _, ev := range batch.CQI {
		u, ok := s.users[ev.RNTI]
		if !ok {
			s.dropInput(ev.RNTI, nil, "cqi for unknown user")
			continue
		}
		if err := u.UpdateCQI(ev.Carrier, ev.CQI); err != nil {
			s.dropInput(ev.RNTI, err, "cqi rejected")
		}
	}
}

// runDL fills one carrier's downlink. Broadcast and random-access
// responses take their share of the band before user candidates are
// considered; the emitted list orders user data first, control last.
func (s *Scheduler) runDL(tti radio.TTI, cc uint32, cr *CarrierResult) {
	g := grid.New(cc, radio.DirDL, tti, s.cfg.Carriers[cc].NofPRB)

	var control []grid.Assignment
	if uint32(tti)%s.cfg.SIBPeriod == 0 {
		want := radio.PRBsForBytes(broadcastMCS, s.cfg.SIBBytes)
		if a, ok := g.AllocFixed(radio.SIRNTI, want, broadcastMCS, grid.KindBroadcast); ok {
			control = append(control, a)
			s.counters.SIBScheduled++
		} else {
			s.log.Warn().
				Uint32(log.FieldTTI, uint32(tti)).
				Uint32(log.FieldCarrier, cc).
				Msg("broadcast occasion skipped, no space")
		}
	}
	control = append(control, s.allocRAR(tti, cc, g, cr)...)

	data := s.record(tti, cc, radio.DirDL, g.Allocate(s.collect(tti, cc, radio.DirDL)))
	cr.DL = append(data, control...)
}

// runUL fills one carrier's uplink: control regions at the band edges, the
// random-access region on opportunity TTIs, then first grants due this
// TTI, then user candidates.
func (s *Scheduler) runUL(tti radio.TTI, cc uint32, cr *CarrierResult) {
	cfg := s.cfg.Carriers[cc]
	g := grid.New(cc, radio.DirUL, tti, cfg.NofPRB)
	g.Reserve(radio.NewRBRange(0, cfg.PUCCHWidth))
	g.Reserve(radio.NewRBRange(cfg.NofPRB-cfg.PUCCHWidth, cfg.NofPRB))
	if uint32(tti)%s.cfg.PRACHPeriod == 0 {
		g.Reserve(radio.NewRBRange(cfg.PUCCHWidth, cfg.PUCCHWidth+s.cfg.PRACHWidth))
	}

	msg3 := s.allocMsg3(tti, cc, g)
	data := s.record(tti, cc, radio.DirUL, g.Allocate(s.collect(tti, cc, radio.DirUL)))
	cr.UL = append(msg3, data...)
}

// collect builds the candidate list for one carrier and direction:
// eligible retransmissions plus one new-transmission candidate per user
// with pending data, a usable channel and a free process.
func (s *Scheduler) collect(tti radio.TTI, cc uint32, dir radio.Dir) []grid.Candidate {
	var cands []grid.Candidate
	for rnti, u := range s.users {
		ent := u.HARQ(cc, dir)
		if ent == nil {
			continue
		}
		prio := u.PriorityMetric(tti, dir, cc, s.weights)
		for _, pid := range ent.PendingRetx(tti) {
			info, err := ent.Proc(pid)
			if err != nil {
				s.violation(tti, cc, dir, rnti, "retransmission for unknown process")
				continue
			}
			cands = append(cands, grid.Candidate{
				RNTI:     rnti,
				Priority: prio,
				PID:      pid,
				IsRetx:   true,
				MCS:      info.Grant.MCS,
				RetxPRB:  info.Grant.PRB,
				RetxTBS:  info.Grant.TBS,
			})
		}
		backlog := u.Backlog(dir)
		if backlog == 0 {
			continue
		}
		cqi := u.CQI(cc)
		if cqi == 0 {
			// Out of range: retransmissions only.
			continue
		}
		if ent.InFlight() >= ent.NofProcs() {
			// Every process occupied; the user waits for feedback.
			continue
		}
		cands = append(cands, grid.Candidate{
			RNTI:     rnti,
			Priority: prio,
			ReqBytes: backlog,
			MCS:      radio.MCSFromCQI(cqi),
			MaxRB:    u.MaxRBPerGrant(),
		})
	}
	return cands
}

// record registers every placed grant with its owner's HARQ entity: new
// transmissions start a process and drain backlog, retransmissions re-arm
// the negatively acknowledged one. Grants that cannot be recorded are
// removed from the result.
func (s *Scheduler) record(tti radio.TTI, cc uint32, dir radio.Dir, as []grid.Assignment) []grid.Assignment {
	kept := as[:0]
	for _, a := range as {
		u, ok := s.users[a.RNTI]
		if !ok {
			s.violation(tti, cc, dir, a.RNTI, "grant for unknown user")
			continue
		}
		ent := u.HARQ(cc, dir)
		if ent == nil {
			s.violation(tti, cc, dir, a.RNTI, "grant on unattached carrier")
			continue
		}
		switch a.Kind {
		case grid.KindRetx:
			if _, err := ent.Retransmit(a.PID, tti); err != nil {
				s.violation(tti, cc, dir, a.RNTI, "ineligible retransmission")
				continue
			}
		case grid.KindData:
			pid, err := ent.NewTx(tti, toHARQGrant(a))
			if err != nil {
				s.violation(tti, cc, dir, a.RNTI, "grant with no free process")
				continue
			}
			a.PID = pid
			u.ConsumeGranted(dir, a.TBS)
		default:
			s.violation(tti, cc, dir, a.RNTI, "unexpected grant kind")
			continue
		}
		u.MarkServed(tti, dir)
		kept = append(kept, a)
	}
	return kept
}

// applyFeedback applies the ACK/NACK batch due this TTI. It runs after
// allocation, so a negative acknowledgment yields a retransmission
// candidate at the next tick, not within the same one.
func (s *Scheduler) applyFeedback(tti radio.TTI, events []FeedbackEvent) {
	for _, ev := range events {
		if !ev.Dir.Valid() {
			s.dropInput(ev.RNTI, nil, "feedback with invalid direction")
			continue
		}
		u, ok := s.users[ev.RNTI]
		if !ok {
			s.dropInput(ev.RNTI, nil, "feedback for unknown user")
			continue
		}
		ent := u.HARQ(ev.Carrier, ev.Dir)
		if ent == nil {
			s.violation(tti, ev.Carrier, ev.Dir, ev.RNTI, "feedback on unattached carrier")
			continue
		}
		res, err := ent.Feedback(tti, ev.PID, ev.Ack)
		if err != nil {
			s.violation(tti, ev.Carrier, ev.Dir, ev.RNTI, err.Error())
			continue
		}
		if res.Dropped {
			s.counters.DroppedBlocks++
			s.log.Warn().
				Uint32(log.FieldTTI, uint32(tti)).
				Stringer(log.FieldRNTI, ev.RNTI).
				Uint8(log.FieldProc, uint8(ev.PID)).
				Uint32(log.FieldBytes, res.Grant.TBS).
				Msg("transport block dropped, retry budget exhausted")
		}
	}
}

func (s *Scheduler) dropInput(rnti radio.RNTI, err error, reason string) {
	s.counters.InputDropped++
	s.log.Warn().
		Stringer(log.FieldRNTI, rnti).
		Err(err).
		Str(log.FieldReason, reason).
		Msg("input dropped")
}

func (s *Scheduler) violation(tti radio.TTI, cc uint32, dir radio.Dir, rnti radio.RNTI, reason string) {
	s.counters.Violations++
	s.log.Error().
		Uint32(log.FieldTTI, uint32(tti)).
		Uint32(log.FieldCarrier, cc).
		Stringer(log.FieldDir, dir).
		Stringer(log.FieldRNTI, rnti).
		Str(log.FieldReason, reason).
		Msg("consistency violation isolated")
}

func toHARQGrant(a grid.Assignment) harq.Grant {
	return harq.Grant{TBS: a.TBS, PRB: a.RB.Len(), MCS: a.MCS}
}
