package radio

import (
	"fmt"
	"math/bits"
)

// RBRange is a half-open interval [Start, Stop) of resource blocks (or
// resource-block groups, depending on the allocation granularity).
type RBRange struct {
	Start uint32
	Stop  uint32
}

// NewRBRange builds a range, clamping an inverted pair to empty.
func NewRBRange(start, stop uint32) RBRange {
	if stop < start {
		stop = start
	}
	return RBRange{Start: start, Stop: stop}
}

// Len returns the number of blocks covered.
func (r RBRange) Len() uint32 {
	return r.Stop - r.Start
}

// Empty reports whether the range covers nothing.
func (r RBRange) Empty() bool {
	return r.Stop <= r.Start
}

// Overlaps reports whether r and o share at least one block.
func (r RBRange) Overlaps(o RBRange) bool {
	return r.Start < o.Stop && o.Start < r.Stop
}

// Contains reports whether o lies fully inside r.
func (r RBRange) Contains(o RBRange) bool {
	return o.Start >= r.Start && o.Stop <= r.Stop
}

func (r RBRange) String() string {
	return fmt.Sprintf("[%d..%d)", r.Start, r.Stop)
}

// Mask is a fixed-size bitset over the blocks of one carrier and direction.
// Set bits are occupied. Sizes never exceed the widest LTE carrier (110
// PRBs), so scans are linear and allocation-free.
type Mask struct {
	bits []uint64
	size uint32
}

// NewMask returns an all-free mask over size blocks.
func NewMask(size uint32) *Mask {
	return &Mask{bits: make([]uint64, (size+63)/64), size: size}
}

// Size returns the number of blocks the mask covers.
func (m *Mask) Size() uint32 {
	return m.size
}

// Test reports whether block i is occupied.
func (m *Mask) Test(i uint32) bool {
	if i >= m.size {
		return true
	}
	return m.bits[i/64]&(1<<(i%64)) != 0
}

// Set marks block i occupied.
func (m *Mask) Set(i uint32) {
	if i < m.size {
		m.bits[i/64] |= 1 << (i % 64)
	}
}

// SetRange marks every block of r occupied.
func (m *Mask) SetRange(r RBRange) {
	for i := r.Start; i < r.Stop && i < m.size; i++ {
		m.Set(i)
	}
}

// CountFree returns the number of unoccupied blocks.
func (m *Mask) CountFree() uint32 {
	used := 0
	for _, w := range m.bits {
		used += bits.OnesCount64(w)
	}
	return m.size - uint32(used)
}

// FreeRun reports the largest contiguous run of free blocks, preferring the
// earliest run on ties so allocation order stays deterministic.
func (m *Mask) FreeRun() RBRange {
	var best RBRange
	i := uint32(0)
	for i < m.size {
		if m.Test(i) {
			i++
			continue
		}
		start := i
		for i < m.size && !m.Test(i) {
			i++
		}
		if i-start > best.Len() {
			best = RBRange{Start: start, Stop: i}
		}
	}
	return best
}

// FirstFit returns the earliest contiguous free run of exactly want blocks,
// or an empty range if none exists.
func (m *Mask) FirstFit(want uint32) RBRange {
	if want == 0 {
		return RBRange{}
	}
	run := uint32(0)
	for i := uint32(0); i < m.size; i++ {
		if m.Test(i) {
			run = 0
			continue
		}
		run++
		if run == want {
			return RBRange{Start: i + 1 - want, Stop: i + 1}
		}
	}
	return RBRange{}
}
