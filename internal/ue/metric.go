package ue

import (
	"math"

	"github.com/ranware/macsched/internal/radio"
)

// Weights are the policy knobs of the priority metric. All three must be
// non-negative; with that, the metric is monotonically non-decreasing in
// backlog, starvation time and channel quality.
type Weights struct {
	// Backlog scales the log of pending bytes.
	Backlog float64 `yaml:"backlog"`
	// Starvation scales the TTIs elapsed since the user was last served.
	Starvation float64 `yaml:"starvation"`
	// Quality scales the reported CQI.
	Quality float64 `yaml:"quality"`
}

// DefaultWeights returns the shipped policy: backlog dominates, quality
// breaks ties between similar queues, starvation slowly overtakes both.
func DefaultWeights() Weights {
	return Weights{Backlog: 1.0, Starvation: 0.05, Quality: 0.5}
}

// Valid reports whether every weight is non-negative and finite.
func (w Weights) Valid() bool {
	for _, v := range [3]float64{w.Backlog, w.Starvation, w.Quality} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// PriorityMetric ranks the user for scheduling on carrier cc at tti. A user
// with no pending bytes scores zero and is not a candidate. Otherwise the
// score grows with backlog (log-compressed so one heavy queue cannot drown
// everyone), with the time since the user was last served, and with the
// reported channel quality.
func (c *Context) PriorityMetric(tti radio.TTI, dir radio.Dir, cc uint32, w Weights) float64 {
	backlog := c.Backlog(dir)
	if backlog == 0 {
		return 0
	}
	starve := float64(c.SinceServed(tti, dir))
	return w.Backlog*math.Log2(1+float64(backlog)) +
		w.Starvation*starve +
		w.Quality*float64(c.CQI(cc))
}

// MarkServed records that the user received a grant for dir at tti,
// resetting its starvation clock.
func (c *Context) MarkServed(tti radio.TTI, dir radio.Dir) {
	c.dirs[dir].lastServed = tti
}

// LastServed returns the TTI of the user's most recent grant for dir, or
// the admission TTI if it was never served.
func (c *Context) LastServed(dir radio.Dir) radio.TTI {
	return c.dirs[dir].lastServed
}

// SinceServed returns the TTIs elapsed at tti since the user was last
// served for dir. The distance is taken on the wrapping counter and
// clamped at zero.
func (c *Context) SinceServed(tti radio.TTI, dir radio.Dir) uint32 {
	d := tti.Sub(c.dirs[dir].lastServed)
	if d < 0 {
		return 0
	}
	return uint32(d)
}
