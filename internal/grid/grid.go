// Package grid assigns resource blocks to candidate transmissions on one
// carrier, direction and TTI. Downlink allocation runs at resource-block-
// group granularity over a bitmap, uplink at single-block granularity with
// contiguous ranges only. The allocator is pure bookkeeping: it never
// touches user or HARQ state, it only guarantees that everything it hands
// out within one TTI is pairwise disjoint.
package grid

import (
	"sort"

	"github.com/ranware/macsched/internal/radio"
)

// Grid is the occupancy state of one carrier and direction for one TTI.
// Build a fresh one per TTI; a Grid is never reset or shared.
type Grid struct {
	cc     uint32
	dir    radio.Dir
	tti    radio.TTI
	nofPRB uint32
	unit   uint32 // allocation granularity in resource blocks
	mask   *radio.Mask
}

// New returns an empty grid for one carrier, direction and TTI. Downlink
// grids allocate in resource-block groups sized by the carrier bandwidth,
// uplink grids in single blocks.
func New(cc uint32, dir radio.Dir, tti radio.TTI, nofPRB uint32) *Grid {
	g := &Grid{cc: cc, dir: dir, tti: tti, nofPRB: nofPRB, unit: 1}
	size := nofPRB
	if dir == radio.DirDL {
		g.unit = radio.RBGSize(nofPRB)
		size = radio.NofRBG(nofPRB)
	}
	g.mask = radio.NewMask(size)
	return g
}

// Carrier returns the component-carrier index the grid belongs to.
func (g *Grid) Carrier() uint32 { return g.cc }

// Dir returns the grid's direction.
func (g *Grid) Dir() radio.Dir { return g.dir }

// TTI returns the tick the grid allocates for.
func (g *Grid) TTI() radio.TTI { return g.tti }

// NofPRB returns the carrier bandwidth in resource blocks.
func (g *Grid) NofPRB() uint32 { return g.nofPRB }

// FreePRB returns the number of resource blocks still allocatable.
func (g *Grid) FreePRB() uint32 {
	free := g.mask.CountFree() * g.unit
	size := g.mask.Size()
	if g.unit > 1 && size > 0 && !g.mask.Test(size-1) {
		// The last group is clipped by the carrier edge.
		free -= size*g.unit - g.nofPRB
	}
	return free
}

// Reserve carves a block range out of the allocatable space before any
// candidate is considered (control region, random-access opportunity,
// feedback channels at the band edges). The range is widened to the
// allocation granularity.
func (g *Grid) Reserve(rb radio.RBRange) {
	if rb.Empty() {
		return
	}
	g.mask.SetRange(g.toUnits(rb))
}

// AllocFixed places a grant of exactly want resource blocks for broadcast
// and control traffic, first fit. Returns false when no contiguous space
// of that size remains.
func (g *Grid) AllocFixed(rnti radio.RNTI, want uint32, mcs radio.MCS, kind Kind) (Assignment, bool) {
	units := g.unitsFor(want)
	if units == 0 {
		return Assignment{}, false
	}
	run := g.mask.FirstFit(units)
	if run.Empty() {
		return Assignment{}, false
	}
	g.mask.SetRange(run)
	rb := g.toPRB(run)
	return Assignment{
		RNTI: rnti,
		RB:   rb,
		MCS:  mcs,
		TBS:  radio.TBSBytes(mcs, rb.Len()),
		Kind: kind,
	}, true
}

// Allocate serves the candidate list and returns the grants it placed.
// Retransmissions go strictly first, then new transmissions by descending
// priority; ties fall back to ascending user identifier so the outcome is
// deterministic for equal inputs. Candidates that do not fit are skipped,
// never failed.
func (g *Grid) Allocate(cands []Candidate) []Assignment {
	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sortCandidates(ordered)

	out := make([]Assignment, 0, len(ordered))
	for i := range ordered {
		if a, ok := g.place(&ordered[i]); ok {
			out = append(out, a)
		}
	}
	return out
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := &cs[i], &cs[j]
		if a.IsRetx != b.IsRetx {
			return a.IsRetx
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RNTI != b.RNTI {
			return a.RNTI < b.RNTI
		}
		return a.PID < b.PID
	})
}

func (g *Grid) place(c *Candidate) (Assignment, bool) {
	if c.IsRetx {
		return g.placeRetx(c)
	}
	return g.placeNew(c)
}

// placeRetx reproduces the original grant geometry. A retransmission is
// all or nothing: shrinking it would change the transport block.
func (g *Grid) placeRetx(c *Candidate) (Assignment, bool) {
	units := g.unitsFor(c.RetxPRB)
	if units == 0 {
		return Assignment{}, false
	}
	run := g.mask.FirstFit(units)
	if run.Empty() {
		return Assignment{}, false
	}
	g.mask.SetRange(run)
	return Assignment{
		RNTI: c.RNTI,
		RB:   g.toPRB(run),
		MCS:  c.MCS,
		TBS:  c.RetxTBS,
		PID:  c.PID,
		Kind: KindRetx,
	}, true
}

func (g *Grid) placeNew(c *Candidate) (Assignment, bool) {
	if c.ReqBytes == 0 {
		return Assignment{}, false
	}
	want := radio.PRBsForBytes(c.MCS, c.ReqBytes)
	if c.MaxRB > 0 && want > c.MaxRB {
		want = c.MaxRB
	}
	if want > g.nofPRB {
		want = g.nofPRB
	}
	units := g.unitsFor(want)
	run := g.mask.FirstFit(units)
	if run.Empty() {
		// No run is big enough; fall back to the largest remainder.
		run = g.mask.FreeRun()
		if run.Empty() {
			return Assignment{}, false
		}
	}
	rb := g.toPRB(run)
	tbs := radio.TBSBytes(c.MCS, rb.Len())
	if tbs < c.MinBytes {
		return Assignment{}, false
	}
	g.mask.SetRange(run)
	return Assignment{
		RNTI: c.RNTI,
		RB:   rb,
		MCS:  c.MCS,
		TBS:  tbs,
		PID:  c.PID,
		Kind: KindData,
	}, true
}

// toUnits widens a block range to granularity boundaries.
func (g *Grid) toUnits(rb radio.RBRange) radio.RBRange {
	return radio.RBRange{
		Start: rb.Start / g.unit,
		Stop:  (rb.Stop + g.unit - 1) / g.unit,
	}
}

// toPRB converts a granularity-space range back to resource blocks,
// clipped at the carrier edge.
func (g *Grid) toPRB(u radio.RBRange) radio.RBRange {
	stop := u.Stop * g.unit
	if stop > g.nofPRB {
		stop = g.nofPRB
	}
	return radio.RBRange{Start: u.Start * g.unit, Stop: stop}
}

func (g *Grid) unitsFor(prb uint32) uint32 {
	if prb == 0 {
		return 0
	}
	return (prb + g.unit - 1) / g.unit
}
