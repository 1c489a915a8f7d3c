// Package metrics exposes the scheduler's operational series through the
// process-wide Prometheus registry. Per-TTI results are folded in by the
// Collector; cumulative cell counters are read at scrape time through
// RegisterCellCounters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ranware/macsched/internal/sched"
)

var (
	ttisTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macsched_ttis_total",
		Help: "Total number of scheduled TTIs",
	})

	grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_grants_total",
		Help: "Total number of grants by direction and kind",
	}, []string{"dir", "kind"}) // kind=data|retx|bcch|rar|msg3

	grantedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_granted_bytes_total",
		Help: "Total transport-block bytes granted by direction",
	}, []string{"dir"})

	allocatedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_allocated_blocks_total",
		Help: "Total resource blocks allocated by direction",
	}, []string{"dir"})

	userBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_user_granted_bytes_total",
		Help: "Transport-block bytes granted per user and direction",
	}, []string{"rnti", "dir"})

	lastTTIBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macsched_tti_allocated_blocks",
		Help: "Resource blocks allocated in the most recent TTI",
	}, []string{"carrier", "dir"})

	carrierBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macsched_carrier_blocks",
		Help: "Configured carrier bandwidth in resource blocks",
	}, []string{"carrier"})

	grantSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macsched_grant_size_bytes",
		Help:    "Transport-block size distribution of individual grants",
		Buckets: prometheus.ExponentialBuckets(8, 2, 12),
	}, []string{"dir"})

	ttiDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "macsched_tti_duration_seconds",
		Help:    "Wall time spent inside a single scheduling tick",
		Buckets: []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .0025, .005, .01},
	})

	activeUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macsched_active_users",
		Help: "Connected users, temporary random-access identities included",
	})
)

// RecordActiveUsers publishes the current user-table size.
func RecordActiveUsers(n int) { activeUsers.Set(float64(n)) }

// RecordCarrierWidths publishes the static carrier geometry so occupancy
// ratios can be derived from macsched_tti_allocated_blocks at query time.
func RecordCarrierWidths(cfg sched.CellConfig) {
	for cc, carrier := range cfg.Carriers {
		carrierBlocks.WithLabelValues(carrierLabel(uint32(cc))).Set(float64(carrier.NofPRB))
	}
}

// ObserveTTIDuration records the wall time of one RunTTI call.
func ObserveTTIDuration(d time.Duration) { ttiDuration.Observe(d.Seconds()) }

// RegisterCellCounters exposes the scheduler's cumulative counters, read
// through f at scrape time. Call once per process.
func RegisterCellCounters(f func() sched.Counters) {
	counter := func(name, help string, read func(sched.Counters) uint64) {
		promauto.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(read(f()))
		})
	}
	counter("macsched_input_dropped_total",
		"Malformed or stale external inputs discarded at the boundary",
		func(c sched.Counters) uint64 { return c.InputDropped })
	counter("macsched_violations_total",
		"Internal consistency violations detected during scheduling",
		func(c sched.Counters) uint64 { return c.Violations })
	counter("macsched_harq_dropped_blocks_total",
		"Transport blocks abandoned after the retransmission budget",
		func(c sched.Counters) uint64 { return c.DroppedBlocks })
	counter("macsched_harq_aborted_procs_total",
		"In-flight processes aborted by user removal or reconfiguration",
		func(c sched.Counters) uint64 { return c.AbortedProcs })
	counter("macsched_ra_admitted_total",
		"Random-access attempts admitted as temporary users",
		func(c sched.Counters) uint64 { return c.RAAdmitted })
	counter("macsched_ra_rejected_total",
		"Random-access attempts rejected at admission",
		func(c sched.Counters) uint64 { return c.RARejected })
	counter("macsched_ra_expired_total",
		"Random-access attempts abandoned after the response window",
		func(c sched.Counters) uint64 { return c.RAExpired })
	counter("macsched_sib_scheduled_total",
		"Broadcast occasions placed on the downlink",
		func(c sched.Counters) uint64 { return c.SIBScheduled })
}
