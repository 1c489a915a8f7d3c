// Package ue holds the per-user scheduling state: configuration, buffer
// backlog per logical-channel group, channel-quality reports and the HARQ
// entities owned by the user. A Context is a passive aggregate; the
// scheduler serializes all access, so nothing in here locks.
package ue

import (
	"errors"
	"fmt"

	"github.com/ranware/macsched/internal/harq"
	"github.com/ranware/macsched/internal/radio"
)

// NofLCG is the number of logical-channel groups a buffer-status report
// can address per direction.
const NofLCG = 4

// LCG indexes a logical-channel group.
type LCG uint8

var (
	// ErrInvalidRNTI reports a user identifier outside the dedicated range.
	ErrInvalidRNTI = errors.New("ue: rnti outside user range")
	// ErrNoCarriers reports a configuration with an empty carrier set.
	ErrNoCarriers = errors.New("ue: no carriers configured")
	// ErrUnknownCarrier reports an operation addressing a carrier the user
	// is not attached on.
	ErrUnknownCarrier = errors.New("ue: unknown carrier")
	// ErrUnknownLCG reports a buffer-status report for a group index
	// outside the configured range.
	ErrUnknownLCG = errors.New("ue: unknown logical-channel group")
	// ErrInvalidDir reports a direction value outside the defined pair.
	ErrInvalidDir = errors.New("ue: invalid direction")
	// ErrInvalidCQI reports a channel-quality value outside the table.
	ErrInvalidCQI = errors.New("ue: cqi out of range")
)

// Config describes one user. It is fixed at admission and replaced as a
// whole by Reconfigure.
type Config struct {
	// RNTI is the connection identifier, unique while the user is active.
	RNTI radio.RNTI
	// Carriers lists the component carriers the user is attached on.
	Carriers []uint32
	// HARQProcs is the process count per carrier and direction. Zero
	// selects the default.
	HARQProcs int
	// MaxRetx is the retransmission budget per transport block. Zero
	// selects the default.
	MaxRetx uint8
	// MaxRBPerGrant caps a single grant's resource blocks. Zero means the
	// carrier width is the only cap.
	MaxRBPerGrant uint32
}

func (c Config) validate() error {
	if !c.RNTI.IsUser() {
		return fmt.Errorf("%w: %s", ErrInvalidRNTI, c.RNTI)
	}
	if len(c.Carriers) == 0 {
		return fmt.Errorf("%w: rnti=%s", ErrNoCarriers, c.RNTI)
	}
	return nil
}

type dirState struct {
	backlog    [NofLCG]uint32
	lastServed radio.TTI
}

type carrierState struct {
	cqi radio.CQI
	ent [2]*harq.Entity // indexed by radio.Dir
}

// Context is the per-user aggregate the scheduler ranks and serves.
type Context struct {
	cfg      Config
	dirs     [2]dirState // indexed by radio.Dir
	carriers map[uint32]*carrierState
}

// NewContext admits a user with the given configuration. The admission TTI
// seeds the starvation clock so a never-served user accumulates priority
// from the moment it joined.
func NewContext(cfg Config, admitted radio.TTI) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Context{
		cfg:      cfg,
		carriers: make(map[uint32]*carrierState, len(cfg.Carriers)),
	}
	c.dirs[radio.DirDL].lastServed = admitted
	c.dirs[radio.DirUL].lastServed = admitted
	for _, cc := range cfg.Carriers {
		c.carriers[cc] = newCarrierState(cfg)
	}
	return c, nil
}

func newCarrierState(cfg Config) *carrierState {
	return &carrierState{
		ent: [2]*harq.Entity{
			radio.DirDL: harq.NewEntity(radio.DirDL, cfg.HARQProcs, cfg.MaxRetx),
			radio.DirUL: harq.NewEntity(radio.DirUL, cfg.HARQProcs, cfg.MaxRetx),
		},
	}
}

// RNTI returns the user's connection identifier.
func (c *Context) RNTI() radio.RNTI { return c.cfg.RNTI }

// Carriers returns the configured carrier set. The slice is shared; callers
// must not mutate it.
func (c *Context) Carriers() []uint32 { return c.cfg.Carriers }

// MaxRBPerGrant returns the per-grant resource-block cap, zero for none.
func (c *Context) MaxRBPerGrant() uint32 { return c.cfg.MaxRBPerGrant }

// Attached reports whether the user is configured on carrier cc.
func (c *Context) Attached(cc uint32) bool {
	_, ok := c.carriers[cc]
	return ok
}

// HARQ returns the user's entity for one carrier and direction, or nil if
// the user is not attached on that carrier or the direction is invalid.
func (c *Context) HARQ(cc uint32, dir radio.Dir) *harq.Entity {
	if !dir.Valid() {
		return nil
	}
	cs, ok := c.carriers[cc]
	if !ok {
		return nil
	}
	return cs.ent[dir]
}

// UpdateBSR replaces the pending-bytes backlog of one logical-channel
// group. Reports are absolute, not deltas.
func (c *Context) UpdateBSR(dir radio.Dir, lcg LCG, bytes uint32) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidDir, dir)
	}
	if lcg >= NofLCG {
		return fmt.Errorf("%w: %d", ErrUnknownLCG, lcg)
	}
	c.dirs[dir].backlog[lcg] = bytes
	return nil
}

// Backlog returns the summed pending bytes across all groups for dir.
func (c *Context) Backlog(dir radio.Dir) uint32 {
	var sum uint32
	for _, b := range c.dirs[dir].backlog {
		sum += b
	}
	return sum
}

// BacklogLCG returns the pending bytes of one group.
func (c *Context) BacklogLCG(dir radio.Dir, lcg LCG) uint32 {
	if lcg >= NofLCG {
		return 0
	}
	return c.dirs[dir].backlog[lcg]
}

// ConsumeGranted drains granted bytes from the backlog, walking groups in
// ascending index so signalling-bearing groups empty first. The backlog
// floors at zero; the return value is what was actually drained.
func (c *Context) ConsumeGranted(dir radio.Dir, bytes uint32) uint32 {
	d := &c.dirs[dir]
	var drained uint32
	for i := range d.backlog {
		if bytes == 0 {
			break
		}
		take := d.backlog[i]
		if take > bytes {
			take = bytes
		}
		d.backlog[i] -= take
		bytes -= take
		drained += take
	}
	return drained
}

// UpdateCQI stores the latest wideband channel-quality report for cc.
func (c *Context) UpdateCQI(cc uint32, cqi radio.CQI) error {
	cs, ok := c.carriers[cc]
	if !ok {
		return fmt.Errorf("%w: rnti=%s cc=%d", ErrUnknownCarrier, c.cfg.RNTI, cc)
	}
	if !cqi.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCQI, cqi)
	}
	cs.cqi = cqi
	return nil
}

// CQI returns the last reported channel quality for cc, zero before any
// report arrived.
func (c *Context) CQI(cc uint32) radio.CQI {
	cs, ok := c.carriers[cc]
	if !ok {
		return 0
	}
	return cs.cqi
}

// Flush aborts every in-flight HARQ process the user owns and returns how
// many were abandoned. Called on removal so processes are never leaked.
func (c *Context) Flush() int {
	n := 0
	for _, cs := range c.carriers {
		n += cs.ent[radio.DirDL].Flush()
		n += cs.ent[radio.DirUL].Flush()
	}
	return n
}

// Reconfigure replaces the user's configuration. Carriers present in both
// the old and new set keep their channel state and HARQ entities; removed
// carriers are flushed and dropped; added carriers start fresh. The RNTI
// cannot change. Returns the number of aborted in-flight processes.
func (c *Context) Reconfigure(cfg Config) (int, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	if cfg.RNTI != c.cfg.RNTI {
		return 0, fmt.Errorf("%w: have %s, got %s", ErrInvalidRNTI, c.cfg.RNTI, cfg.RNTI)
	}
	keep := make(map[uint32]*carrierState, len(cfg.Carriers))
	for _, cc := range cfg.Carriers {
		if cs, ok := c.carriers[cc]; ok {
			keep[cc] = cs
			continue
		}
		keep[cc] = newCarrierState(cfg)
	}
	flushed := 0
	for cc, cs := range c.carriers {
		if _, ok := keep[cc]; ok {
			continue
		}
		flushed += cs.ent[radio.DirDL].Flush()
		flushed += cs.ent[radio.DirUL].Flush()
	}
	c.cfg = cfg
	c.carriers = keep
	return flushed, nil
}
