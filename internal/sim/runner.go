// Package sim drives a scheduler with a synthetic cell population. Devices
// arrive through random access, report channel quality and buffer state,
// acknowledge transport blocks with a configurable error rate and leave
// again. Every interaction goes through the scheduler's public surface and
// every published result is re-verified against the output contract, so a
// run doubles as an end-to-end check.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ranware/macsched/internal/config"
	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/metrics"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
	"github.com/ranware/macsched/internal/ue"
)

const (
	// ttiRate is the wall-clock tick frequency in realtime mode, one
	// tick per millisecond.
	ttiRate = 1000
	// upgradeProb is the per-tick chance a single-carrier device is
	// reconfigured onto the full carrier set.
	upgradeProb = 0.001

	statusEvery = 1000
)

// Params configures one simulation run.
type Params struct {
	// Cell is the scheduler configuration under test.
	Cell sched.CellConfig
	// Sim holds the workload knobs: seed, length, population and
	// traffic shape.
	Sim config.SimConfig
	// Capture, when set, receives every transport block as a MAC PDU.
	Capture sched.PDUCapture
	// Store, when set, records per-TTI totals.
	Store *TraceStore
	// Sinks are attached to the scheduler alongside the runner's own
	// bookkeeping.
	Sinks []sched.ResultSink
	// OnDepart is called after a simulated device leaves the cell.
	OnDepart func(radio.RNTI)
	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// raAttempt is an outstanding preamble waiting for its response.
type raAttempt struct {
	carrier  uint32
	preamble uint8
	tick     uint64
}

// Runner owns one simulation: the scheduler under test, the device
// population and the bookkeeping around them.
type Runner struct {
	p   Params
	log zerolog.Logger
	sch *sched.Scheduler
	gen *gen

	devices map[radio.RNTI]*device
	// order lists device identities ascending; iteration must not depend
	// on map order or the draw sequence would differ between runs.
	order   []radio.RNTI
	pending []raAttempt

	allCarriers []uint32
	rarWindow   uint32

	chk     *checker
	st      *stats
	limiter *rate.Limiter
	scratch []byte
	runID   string
}

// New builds a runner, configures a fresh scheduler and admits the initial
// population on sequential identities starting at the first user RNTI.
func New(p Params) (*Runner, error) {
	logger := log.WithComponent("sim")
	if p.Logger != nil {
		logger = *p.Logger
	}
	r := &Runner{
		p:       p,
		log:     logger,
		gen:     newGen(p.Sim.Seed),
		devices: make(map[radio.RNTI]*device),
		chk:     newChecker(p.Cell),
		st:      newStats(),
		runID:   uuid.NewString(),
	}
	opts := make([]sched.Option, 0, len(p.Sinks))
	for _, sink := range p.Sinks {
		opts = append(opts, sched.WithResultSink(sink))
	}
	r.sch = sched.New(opts...)
	if err := r.sch.Configure(p.Cell); err != nil {
		return nil, fmt.Errorf("sim: configure cell: %w", err)
	}

	r.allCarriers = make([]uint32, len(p.Cell.Carriers))
	for i := range r.allCarriers {
		r.allCarriers[i] = uint32(i)
	}
	r.rarWindow = p.Cell.RARWindow
	if r.rarWindow == 0 {
		r.rarWindow = sched.DefaultRARWindow
	}
	if p.Sim.Realtime {
		r.limiter = rate.NewLimiter(rate.Limit(ttiRate), 1)
	}

	for i := 0; i < p.Sim.Users; i++ {
		rnti := radio.CRNTIStart + radio.RNTI(i)
		if err := r.sch.AddUser(ue.Config{RNTI: rnti, Carriers: r.allCarriers}); err != nil {
			return nil, fmt.Errorf("sim: seed user %s: %w", rnti, err)
		}
		d := newDevice(rnti, r.allCarriers, p.Sim.AckProbability, r.gen)
		r.admit(d)
		for _, ev := range d.initialCQI() {
			r.sch.DeliverCQI(ev)
		}
	}
	return r, nil
}

// RunID identifies this run in logs, the report and the trace store.
func (r *Runner) RunID() string { return r.runID }

// Counters exposes the scheduler's cumulative counters, for metric
// registration.
func (r *Runner) Counters() sched.Counters { return r.sch.Counters() }

// ApplyWeights swaps the scheduling policy of the running cell. Safe while
// the run is in progress; the next tick uses the new weights.
func (r *Runner) ApplyWeights(w ue.Weights) error {
	return r.sch.ReconfigurePolicy(w)
}

// Run executes the configured number of ticks. Context cancellation ends
// the run early without error; the report covers the ticks that completed.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	r.log.Info().
		Str("run_id", r.runID).
		Int64("seed", r.p.Sim.Seed).
		Uint64("ttis", r.p.Sim.TTIs).
		Int("users", r.p.Sim.Users).
		Bool("realtime", r.p.Sim.Realtime).
		Msg("sim.run_started")

	if r.p.Store != nil {
		if err := r.p.Store.BeginRun(ctx, r.runID, r.p.Sim.Seed, started); err != nil {
			return nil, err
		}
	}

	var runErr error
	for tick := uint64(0); tick < r.p.Sim.TTIs; tick++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		}
		if err := r.tick(ctx, tick); err != nil {
			runErr = err
			break
		}
	}
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		r.log.Info().Str("run_id", r.runID).Msg("sim.run_interrupted")
		runErr = nil
	}

	rep := r.st.report(r.runID, r.p.Sim.Seed, started, r.sch.Counters())
	if c, ok := r.p.Capture.(interface{ Dropped() uint64 }); ok {
		rep.CaptureDropped = c.Dropped()
	}
	if r.p.Store != nil {
		// The run context may already be canceled; sealing the run row
		// gets its own deadline.
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.p.Store.FinishRun(sctx, r.runID, rep.TTIs, time.Now()); err != nil && runErr == nil {
			runErr = err
		}
		cancel()
	}
	if r.p.Sim.Report != "" {
		if err := rep.WriteFile(r.p.Sim.Report); err != nil && runErr == nil {
			runErr = err
		}
	}

	r.log.Info().
		Str("run_id", r.runID).
		Uint64("ttis", rep.TTIs).
		Uint64("grants", rep.Grants).
		Uint64("violations", rep.Violations).
		Dur("elapsed", time.Since(started)).
		Msg("sim.run_finished")
	return rep, runErr
}

func (r *Runner) tick(ctx context.Context, tick uint64) error {
	tti := radio.WrapTTI(uint32(tick))

	r.departures()
	batch := r.arrivals(tti, tick)
	r.deviceInputs(tti)

	t0 := time.Now()
	res, err := r.sch.RunTTI(tti, batch)
	if err != nil {
		return fmt.Errorf("sim: tick %d: %w", tick, err)
	}
	metrics.ObserveTTIDuration(time.Since(t0))

	r.st.record(res)
	r.matchRAR(res)
	r.verify(res)
	r.observe(res)
	r.reapExpired(res.TTI)
	r.capturePDUs(res)
	if r.p.Store != nil {
		if err := r.p.Store.RecordTTI(ctx, r.runID, tick, res); err != nil {
			return err
		}
	}
	metrics.RecordActiveUsers(r.sch.NofUsers())

	if tick > 0 && tick%statusEvery == 0 {
		r.log.Debug().
			Uint64("tick", tick).
			Int("users", r.sch.NofUsers()).
			Uint64("grants", r.st.grants).
			Msg("sim.progress")
	}
	return nil
}

// departures rolls the leave coin for every device, ascending by identity.
func (r *Runner) departures() {
	if r.p.Sim.DepartureRate <= 0 || len(r.order) == 0 {
		return
	}
	var leaving []radio.RNTI
	for _, rnti := range r.order {
		if r.devices[rnti].connecting {
			continue
		}
		if r.gen.coin(r.p.Sim.DepartureRate) {
			leaving = append(leaving, rnti)
		}
	}
	for _, rnti := range leaving {
		if err := r.sch.RemoveUser(rnti); err != nil {
			r.log.Warn().Err(err).Str(log.FieldRNTI, rnti.String()).Msg("sim.remove_failed")
			continue
		}
		r.remove(rnti)
		r.chk.forgetUser(rnti)
		r.st.departed++
		if r.p.OnDepart != nil {
			r.p.OnDepart(rnti)
		}
		r.log.Debug().Str(log.FieldRNTI, rnti.String()).Msg("sim.user_departed")
	}
}

// arrivals rolls the random-access coin and prunes attempts whose response
// deadline has long passed.
func (r *Runner) arrivals(tti radio.TTI, tick uint64) *sched.TTIEvents {
	var batch sched.TTIEvents
	if r.gen.coin(r.p.Sim.ArrivalRate) {
		cc := uint32(r.gen.intn(len(r.allCarriers)))
		pre := uint8(r.gen.intn(64))
		batch.RA = append(batch.RA, sched.RAEvent{Carrier: cc, Preamble: pre, Detected: tti})
		r.pending = append(r.pending, raAttempt{carrier: cc, preamble: pre, tick: tick})
		r.log.Debug().
			Uint32(log.FieldCarrier, cc).
			Uint8("preamble", pre).
			Msg("sim.ra_attempt")
	}
	keep := r.pending[:0]
	for _, a := range r.pending {
		if tick-a.tick <= uint64(r.rarWindow)+1 {
			keep = append(keep, a)
		}
	}
	r.pending = keep
	return &batch
}

// deviceInputs advances every device one tick and forwards what it would
// send: buffer and channel reports, and feedback whose round trip is done.
func (r *Runner) deviceInputs(tti radio.TTI) {
	for _, rnti := range r.order {
		d := r.devices[rnti]
		if d.connecting {
			continue
		}
		if len(d.carriers) < len(r.allCarriers) && r.gen.coin(upgradeProb) {
			r.widen(d)
		}
		bsr, cqi := d.generate(r.gen, r.p.Sim.TrafficBytes)
		for _, ev := range bsr {
			r.sch.DeliverBSR(ev)
		}
		for _, ev := range cqi {
			r.sch.DeliverCQI(ev)
		}
		for _, ev := range d.takeDue(tti) {
			r.sch.DeliverHARQFeedback(ev)
			r.chk.feedbackDelivered(ev)
		}
	}
}

// widen reconfigures a device admitted on one carrier onto the full set.
func (r *Runner) widen(d *device) {
	if err := r.sch.ReconfigureUser(ue.Config{RNTI: d.rnti, Carriers: r.allCarriers}); err != nil {
		r.log.Warn().Err(err).Str(log.FieldRNTI, d.rnti.String()).Msg("sim.widen_failed")
		return
	}
	d.carriers = r.allCarriers
	for _, cc := range r.allCarriers {
		if _, ok := d.cqi[cc]; ok {
			continue
		}
		d.cqi[cc] = radio.CQI(5 + r.gen.intn(10))
		r.sch.DeliverCQI(sched.CQIEvent{RNTI: d.rnti, Carrier: cc, CQI: d.cqi[cc]})
	}
	r.log.Debug().Str(log.FieldRNTI, d.rnti.String()).Msg("sim.user_widened")
}

// matchRAR pairs announced responses with outstanding attempts and brings
// the admitted devices to life.
func (r *Runner) matchRAR(res *sched.TTIResult) {
	for _, cr := range res.Carriers {
		for _, ra := range cr.RAR {
			idx := -1
			for i, a := range r.pending {
				if a.carrier == cr.Carrier && a.preamble == ra.Preamble {
					idx = i
					break
				}
			}
			if idx < 0 {
				r.flag(fmt.Sprintf("tti=%d cc=%d: response for unknown preamble %d",
					uint32(res.TTI), cr.Carrier, ra.Preamble))
				continue
			}
			r.pending = append(r.pending[:idx], r.pending[idx+1:]...)

			d := newDevice(ra.TempRNTI, []uint32{cr.Carrier}, r.p.Sim.AckProbability, r.gen)
			d.connecting = true
			d.msg3Due = ra.Msg3TTI
			r.admit(d)
			r.st.arrived++
			for _, ev := range d.initialCQI() {
				r.sch.DeliverCQI(ev)
			}
			r.log.Debug().
				Str(log.FieldRNTI, ra.TempRNTI.String()).
				Uint32(log.FieldCarrier, cr.Carrier).
				Uint8("preamble", ra.Preamble).
				Msg("sim.user_admitted")
		}
	}
}

func (r *Runner) verify(res *sched.TTIResult) {
	known := func(rnti radio.RNTI) bool {
		_, ok := r.devices[rnti]
		return ok
	}
	for _, msg := range r.chk.check(res, known) {
		r.flag(msg)
	}
}

func (r *Runner) flag(msg string) {
	r.st.violations++
	if len(r.st.detail) < maxViolationDetail {
		r.st.detail = append(r.st.detail, msg)
	}
	r.log.Error().Str(log.FieldReason, msg).Msg("sim.contract_violation")
}

// reapExpired drops devices whose first uplink grant never came: the
// scheduler has already released their identity, so the runner must stop
// speaking for them.
func (r *Runner) reapExpired(tti radio.TTI) {
	var gone []radio.RNTI
	for _, rnti := range r.order {
		d := r.devices[rnti]
		if d.connecting && (tti == d.msg3Due || tti.IsNewerThan(d.msg3Due)) {
			gone = append(gone, rnti)
		}
	}
	for _, rnti := range gone {
		r.remove(rnti)
		r.chk.forgetUser(rnti)
		r.log.Debug().Str(log.FieldRNTI, rnti.String()).Msg("sim.attach_expired")
	}
}

// observe hands every user-addressed grant to its device.
func (r *Runner) observe(res *sched.TTIResult) {
	for _, cr := range res.Carriers {
		for _, a := range cr.DL {
			if d, ok := r.devices[a.RNTI]; ok {
				d.observe(res.TTI, cr.Carrier, radio.DirDL, a, r.gen)
			}
		}
		for _, a := range cr.UL {
			if d, ok := r.devices[a.RNTI]; ok {
				d.observe(res.TTI, cr.Carrier, radio.DirUL, a, r.gen)
			}
		}
	}
}

// capturePDUs fabricates a transport block per grant and feeds the trace.
func (r *Runner) capturePDUs(res *sched.TTIResult) {
	if r.p.Capture == nil {
		return
	}
	res.Assignments(func(cc uint32, dir radio.Dir, a grid.Assignment) {
		r.p.Capture.CapturePDU(sched.PDUMeta{
			TTI:     res.TTI,
			RNTI:    a.RNTI,
			Carrier: cc,
			Dir:     dir,
			IsRetx:  a.IsRetx(),
		}, r.payload(a))
	})
}

// payload fills the scratch buffer with a deterministic pattern so traces
// are reproducible run to run. Captures copy what they keep.
func (r *Runner) payload(a grid.Assignment) []byte {
	if cap(r.scratch) < int(a.TBS) {
		r.scratch = make([]byte, a.TBS)
	}
	buf := r.scratch[:a.TBS]
	for i := range buf {
		buf[i] = byte(uint32(a.RNTI) + uint32(a.PID) + uint32(i))
	}
	return buf
}

func (r *Runner) admit(d *device) {
	r.devices[d.rnti] = d
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= d.rnti })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = d.rnti
}

func (r *Runner) remove(rnti radio.RNTI) {
	delete(r.devices, rnti)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= rnti })
	if i < len(r.order) && r.order[i] == rnti {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}
