package sim

import "math/rand"

// gen is the run's single randomness source. Every draw a simulation makes
// goes through one of these methods, in a fixed order per tick, so two runs
// with the same seed replay the same history tick for tick.
type gen struct {
	rng *rand.Rand
}

func newGen(seed int64) *gen {
	return &gen{rng: rand.New(rand.NewSource(seed))}
}

// coin reports true with probability p.
func (g *gen) coin(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return g.rng.Float64() < p
}

// intn draws uniformly from [0, n).
func (g *gen) intn(n int) int { return g.rng.Intn(n) }

// burst draws an exponentially distributed burst size around mean, capped
// so a single draw cannot dwarf the rest of the run.
func (g *gen) burst(mean uint32) uint32 {
	if mean == 0 {
		return 0
	}
	v := g.rng.ExpFloat64() * float64(mean)
	if limit := float64(mean) * 8; v > limit {
		v = limit
	}
	return uint32(v)
}
