package metrics

import (
	"sort"
	"strconv"
	"sync"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
)

// UserThroughput is one user's cumulative granted volume. Rates are for the
// caller to derive by differencing two snapshots.
type UserThroughput struct {
	RNTI       radio.RNTI
	DLBytes    uint64
	ULBytes    uint64
	LastActive radio.TTI
}

// Collector folds per-TTI scheduling results into the Prometheus series
// above and keeps a per-user byte ledger for throughput snapshots. It
// implements sched.ResultSink and is safe for concurrent use, though the
// scheduler delivers results from a single goroutine in practice.
type Collector struct {
	mu    sync.Mutex
	users map[radio.RNTI]*UserThroughput
}

func NewCollector() *Collector {
	return &Collector{users: make(map[radio.RNTI]*UserThroughput)}
}

// OnResult records one tick's outcome.
func (c *Collector) OnResult(res *sched.TTIResult) {
	ttisTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cr := range res.Carriers {
		c.recordCarrier(res.TTI, cr.Carrier, radio.DirDL, cr.DL)
		c.recordCarrier(res.TTI, cr.Carrier, radio.DirUL, cr.UL)
	}
}

func (c *Collector) recordCarrier(tti radio.TTI, cc uint32, dir radio.Dir, as []grid.Assignment) {
	var blocks uint32
	for _, a := range as {
		grantsTotal.WithLabelValues(dir.String(), a.Kind.String()).Inc()
		grantedBytes.WithLabelValues(dir.String()).Add(float64(a.TBS))
		grantSizeBytes.WithLabelValues(dir.String()).Observe(float64(a.TBS))
		blocks += a.RB.Len()

		if !a.RNTI.IsUser() {
			continue
		}
		userBytes.WithLabelValues(a.RNTI.String(), dir.String()).Add(float64(a.TBS))
		u := c.users[a.RNTI]
		if u == nil {
			u = &UserThroughput{RNTI: a.RNTI}
			c.users[a.RNTI] = u
		}
		if dir == radio.DirUL {
			u.ULBytes += uint64(a.TBS)
		} else {
			u.DLBytes += uint64(a.TBS)
		}
		u.LastActive = tti
	}
	allocatedBlocks.WithLabelValues(dir.String()).Add(float64(blocks))
	lastTTIBlocks.WithLabelValues(carrierLabel(cc), dir.String()).Set(float64(blocks))
}

// Snapshot returns the per-user ledger ordered by identity.
func (c *Collector) Snapshot() []UserThroughput {
	c.mu.Lock()
	out := make([]UserThroughput, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, *u)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RNTI < out[j].RNTI })
	return out
}

// Forget drops a departed user from the ledger and its labeled series.
func (c *Collector) Forget(rnti radio.RNTI) {
	c.mu.Lock()
	delete(c.users, rnti)
	c.mu.Unlock()

	userBytes.DeleteLabelValues(rnti.String(), radio.DirDL.String())
	userBytes.DeleteLabelValues(rnti.String(), radio.DirUL.String())
}

func carrierLabel(cc uint32) string {
	return strconv.FormatUint(uint64(cc), 10)
}
