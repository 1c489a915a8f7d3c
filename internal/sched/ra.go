package sched

import (
	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

// Broadcast and random-access grants go out at fixed conservative
// modulation so any device can decode them.
const (
	broadcastMCS radio.MCS = 2
	rarBytes     uint32    = 7
	msg3PRB      uint32    = 3
	msg3MCS      radio.MCS = 0
)

// pendingRA is an admitted random-access attempt waiting for its response.
type pendingRA struct {
	rnti     radio.RNTI // temporary identity from the user pool
	raRNTI   radio.RNTI // response address derived from the opportunity
	preamble uint8
	carrier  uint32
	deadline radio.TTI
}

// pendingMsg3 is a scheduled first uplink grant for an answered attempt.
type pendingMsg3 struct {
	rnti    radio.RNTI
	carrier uint32
	due     radio.TTI
}

// admitRA turns detected preambles into table entries: each gets a
// temporary identity and a response deadline. Attempts that do not fit the
// user table are rejected, the cell stays up.
func (s *Scheduler) admitRA(tti radio.TTI, events []RAEvent) {
	for _, ev := range events {
		if int(ev.Carrier) >= len(s.cfg.Carriers) {
			s.counters.InputDropped++
			s.log.Warn().
				Uint32(log.FieldCarrier, ev.Carrier).
				Msg("ra event for unknown carrier")
			continue
		}
		rnti, err := s.allocRNTI()
		if err != nil {
			s.counters.RARejected++
			s.log.Warn().Uint32(log.FieldTTI, uint32(tti)).Msg("ra rejected: identifier pool exhausted")
			continue
		}
		cfg := ue.Config{RNTI: rnti, Carriers: []uint32{ev.Carrier}}
		if err := s.addUserLocked(cfg, tti); err != nil {
			s.counters.RARejected++
			s.log.Warn().
				Uint32(log.FieldTTI, uint32(tti)).
				Err(err).
				Msg("ra rejected")
			continue
		}
		s.pendingRA = append(s.pendingRA, pendingRA{
			rnti:     rnti,
			raRNTI:   radio.RARNTI(ev.Detected),
			preamble: ev.Preamble,
			carrier:  ev.Carrier,
			deadline: ev.Detected.Add(s.cfg.RARWindow),
		})
		s.counters.RAAdmitted++
		s.log.Debug().
			Stringer(log.FieldRNTI, rnti).
			Uint32(log.FieldCarrier, ev.Carrier).
			Uint8("preamble", ev.Preamble).
			Msg("ra admitted")
	}
}

// expireRA drops attempts whose response window closed before resources
// were found. The temporary identity goes back to the pool.
func (s *Scheduler) expireRA(tti radio.TTI) {
	keep := s.pendingRA[:0]
	for _, p := range s.pendingRA {
		if tti.IsNewerThan(p.deadline) {
			s.counters.RAExpired++
			s.dropRAUser(p.rnti, "response window expired")
			continue
		}
		keep = append(keep, p)
	}
	s.pendingRA = keep
}

// allocRAR places responses for this carrier's pending attempts. Answered
// attempts move on to their first uplink grant at a fixed future TTI;
// unanswered ones stay pending until the window expires.
func (s *Scheduler) allocRAR(tti radio.TTI, cc uint32, g *grid.Grid, cr *CarrierResult) []grid.Assignment {
	var out []grid.Assignment
	keep := s.pendingRA[:0]
	for _, p := range s.pendingRA {
		if p.carrier != cc {
			keep = append(keep, p)
			continue
		}
		a, ok := g.AllocFixed(p.raRNTI, radio.PRBsForBytes(broadcastMCS, rarBytes), broadcastMCS, grid.KindRAR)
		if !ok {
			keep = append(keep, p)
			continue
		}
		msg3 := tti.Add(radio.Msg3Delay)
		out = append(out, a)
		cr.RAR = append(cr.RAR, RARGrant{
			RARNTI:   p.raRNTI,
			TempRNTI: p.rnti,
			Preamble: p.preamble,
			Msg3TTI:  msg3,
		})
		s.pendingMsg3 = append(s.pendingMsg3, pendingMsg3{rnti: p.rnti, carrier: cc, due: msg3})
		s.log.Debug().
			Uint32(log.FieldTTI, uint32(tti)).
			Stringer(log.FieldRNTI, p.rnti).
			Uint32("msg3_tti", uint32(msg3)).
			Msg("ra response scheduled")
	}
	s.pendingRA = keep
	return out
}

// allocMsg3 places the first uplink grants that are due this TTI and
// starts their HARQ processes. A grant that cannot be placed at its fixed
// TTI fails the whole attempt; the device will try random access again.
func (s *Scheduler) allocMsg3(tti radio.TTI, cc uint32, g *grid.Grid) []grid.Assignment {
	var out []grid.Assignment
	keep := s.pendingMsg3[:0]
	for _, m := range s.pendingMsg3 {
		if m.carrier != cc {
			keep = append(keep, m)
			continue
		}
		if m.due != tti {
			if tti.IsNewerThan(m.due) {
				s.counters.RAExpired++
				s.dropRAUser(m.rnti, "first grant window missed")
				continue
			}
			keep = append(keep, m)
			continue
		}
		a, ok := g.AllocFixed(m.rnti, msg3PRB, msg3MCS, grid.KindMsg3)
		if !ok {
			s.counters.RAExpired++
			s.dropRAUser(m.rnti, "no space for first grant")
			continue
		}
		u, exists := s.users[m.rnti]
		if !exists {
			s.violation(tti, cc, radio.DirUL, a.RNTI, "first grant for vanished user")
			continue
		}
		pid, err := u.HARQ(cc, radio.DirUL).NewTx(tti, toHARQGrant(a))
		if err != nil {
			s.violation(tti, cc, radio.DirUL, a.RNTI, "first grant has no free process")
			continue
		}
		a.PID = pid
		u.MarkServed(tti, radio.DirUL)
		out = append(out, a)
	}
	s.pendingMsg3 = keep
	return out
}

// dropRAUser abandons a half-finished random-access attempt. It only
// releases the user-table entry; the caller owns the pending-list entry it
// is iterating over. A temporary identity is in exactly one pending list,
// so nothing else references it.
func (s *Scheduler) dropRAUser(rnti radio.RNTI, reason string) {
	ctx, ok := s.users[rnti]
	if !ok {
		return
	}
	s.counters.AbortedProcs += uint64(ctx.Flush())
	delete(s.users, rnti)
	s.log.Debug().
		Stringer(log.FieldRNTI, rnti).
		Str(log.FieldReason, reason).
		Msg("ra attempt dropped")
}

// purgeRA forgets pending attempts and grants referencing a removed user.
func (s *Scheduler) purgeRA(rnti radio.RNTI) {
	ra := s.pendingRA[:0]
	for _, p := range s.pendingRA {
		if p.rnti != rnti {
			ra = append(ra, p)
		}
	}
	s.pendingRA = ra
	m3 := s.pendingMsg3[:0]
	for _, m := range s.pendingMsg3 {
		if m.rnti != rnti {
			m3 = append(m3, m)
		}
	}
	s.pendingMsg3 = m3
}
