// Package sched is the MAC scheduler: it owns the user table and all HARQ
// state for one cell, runs the per-TTI decision pipeline, and emits an
// immutable per-carrier schedule every tick.
//
// All public calls serialize on one mutex per scheduler instance. The
// allocator inspects every user jointly, so exclusion is per cell rather
// than per user; reports delivered while a decision is running are queued
// and applied at the next TTI boundary, never partially visible inside a
// decision.
package sched

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

// Counters are the scheduler's cumulative drop and degradation counts.
// They only ever increase; read them through Counters().
type Counters struct {
	// TTIs is the number of completed decision runs.
	TTIs uint64
	// Violations counts consistency breaches that were detected and
	// isolated: out-of-window feedback, assignments that could not be
	// recorded against HARQ state.
	Violations uint64
	// InputDropped counts reports addressed to unknown users or carriers.
	InputDropped uint64
	// DroppedBlocks counts transport blocks abandoned after the
	// retransmission budget ran out.
	DroppedBlocks uint64
	// AbortedProcs counts in-flight processes flushed by user removal or
	// reconfiguration.
	AbortedProcs uint64
	// RAAdmitted, RARejected and RAExpired track random-access attempts:
	// admitted into the user table, rejected for capacity, or dropped
	// because the response or first grant missed its window.
	RAAdmitted uint64
	RARejected uint64
	RAExpired  uint64
	// SIBScheduled counts broadcast occasions that got resources.
	SIBScheduled uint64
}

// Scheduler is the façade of the MAC scheduler for one cell.
type Scheduler struct {
	mu         sync.Mutex
	log        zerolog.Logger
	cfg        CellConfig
	configured bool
	weights    ue.Weights

	users    map[radio.RNTI]*ue.Context
	nextRNTI radio.RNTI
	lastTTI  radio.TTI

	queued TTIEvents
	batch  TTIEvents

	pendingRA   []pendingRA
	pendingMsg3 []pendingMsg3

	sinks    []ResultSink
	counters Counters
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithResultSink registers an observer for every emitted TTI result.
func WithResultSink(sink ResultSink) Option {
	return func(s *Scheduler) {
		s.sinks = append(s.sinks, sink)
	}
}

// WithLogger replaces the scheduler's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// New builds an unconfigured scheduler. Configure must be called before
// any user or TTI operation.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:      log.WithComponent("sched"),
		users:    make(map[radio.RNTI]*ue.Context),
		nextRNTI: radio.CRNTIStart,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure sets the cell geometry and policy. It can be called exactly
// once; carriers are immutable for the scheduler's lifetime.
func (s *Scheduler) Configure(cfg CellConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured {
		return ErrAlreadyConfigured
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	s.cfg = cfg
	s.weights = cfg.Weights
	s.configured = true
	s.log.Info().
		Int("carriers", len(cfg.Carriers)).
		Int("max_users", cfg.MaxUsers).
		Msg("cell configured")
	return nil
}

// AddUser admits a user. Fails with ErrDuplicateUser if the identifier is
// active and ErrCapacityExceeded when the table is full.
func (s *Scheduler) AddUser(cfg ue.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	if err := s.addUserLocked(cfg, s.lastTTI); err != nil {
		return err
	}
	s.log.Info().
		Stringer(log.FieldRNTI, cfg.RNTI).
		Uints32("carriers", cfg.Carriers).
		Msg("user added")
	return nil
}

func (s *Scheduler) addUserLocked(cfg ue.Config, admitted radio.TTI) error {
	if _, ok := s.users[cfg.RNTI]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, cfg.RNTI)
	}
	if len(s.users) >= s.cfg.MaxUsers {
		return fmt.Errorf("%w: %d users", ErrCapacityExceeded, len(s.users))
	}
	cfg = s.fillUserDefaults(cfg)
	if err := s.checkCarriers(cfg.Carriers); err != nil {
		return err
	}
	ctx, err := ue.NewContext(cfg, admitted)
	if err != nil {
		return err
	}
	s.users[cfg.RNTI] = ctx
	return nil
}

// ReconfigureUser replaces an active user's configuration. In-flight
// processes on carriers the user loses are aborted.
func (s *Scheduler) ReconfigureUser(cfg ue.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	ctx, ok := s.users[cfg.RNTI]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, cfg.RNTI)
	}
	cfg = s.fillUserDefaults(cfg)
	if err := s.checkCarriers(cfg.Carriers); err != nil {
		return err
	}
	flushed, err := ctx.Reconfigure(cfg)
	if err != nil {
		return err
	}
	s.counters.AbortedProcs += uint64(flushed)
	s.log.Info().
		Stringer(log.FieldRNTI, cfg.RNTI).
		Int("aborted", flushed).
		Msg("user reconfigured")
	return nil
}

// RemoveUser drops a user, flushing all of its in-flight HARQ processes
// before the next decision runs.
func (s *Scheduler) RemoveUser(rnti radio.RNTI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	flushed, err := s.removeLocked(rnti)
	if err != nil {
		return err
	}
	s.log.Info().
		Stringer(log.FieldRNTI, rnti).
		Int("aborted", flushed).
		Msg("user removed")
	return nil
}

func (s *Scheduler) removeLocked(rnti radio.RNTI) (int, error) {
	ctx, ok := s.users[rnti]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, rnti)
	}
	flushed := ctx.Flush()
	s.counters.AbortedProcs += uint64(flushed)
	delete(s.users, rnti)
	s.purgeRA(rnti)
	return flushed, nil
}

// ReconfigurePolicy swaps the priority weights. The new policy takes
// effect at the next TTI boundary.
func (s *Scheduler) ReconfigurePolicy(w ue.Weights) error {
	if !w.Valid() {
		return ErrInvalidWeights
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	s.weights = w
	s.log.Info().
		Float64("backlog", w.Backlog).
		Float64("starvation", w.Starvation).
		Float64("quality", w.Quality).
		Msg("priority policy updated")
	return nil
}

// Counters returns a snapshot of the cumulative counters.
func (s *Scheduler) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// NofUsers returns the current user-table occupancy, temporary
// random-access identities included.
func (s *Scheduler) NofUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *Scheduler) fillUserDefaults(cfg ue.Config) ue.Config {
	if cfg.HARQProcs == 0 {
		cfg.HARQProcs = s.cfg.HARQProcs
	}
	if cfg.MaxRetx == 0 {
		cfg.MaxRetx = s.cfg.MaxRetx
	}
	return cfg
}

func (s *Scheduler) checkCarriers(carriers []uint32) error {
	for _, cc := range carriers {
		if int(cc) >= len(s.cfg.Carriers) {
			return fmt.Errorf("%w: cc=%d", ErrUnknownCarrier, cc)
		}
	}
	return nil
}

// allocRNTI hands out the next free identifier, cycling through the user
// range so freshly released values are not reused immediately.
func (s *Scheduler) allocRNTI() (radio.RNTI, error) {
	span := int(radio.CRNTIEnd-radio.CRNTIStart) + 1
	for i := 0; i < span; i++ {
		cand := s.nextRNTI
		s.nextRNTI++
		if s.nextRNTI > radio.CRNTIEnd {
			s.nextRNTI = radio.CRNTIStart
		}
		if _, taken := s.users[cand]; !taken {
			return cand, nil
		}
	}
	return 0, ErrCapacityExceeded
}
