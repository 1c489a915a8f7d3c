package sched

import (
	"fmt"

	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/ue"
)

// Defaults applied by CellConfig.withDefaults for zero-valued fields.
const (
	DefaultMaxUsers    = 32
	DefaultSIBPeriod   = 80
	DefaultSIBBytes    = 18
	DefaultPRACHPeriod = 10
	DefaultPRACHWidth  = 6
	DefaultRARWindow   = 5
	DefaultPUCCHWidth  = 2
)

// Carrier bandwidth limits in resource blocks (1.4 to 20 MHz).
const (
	MinCarrierPRB = 6
	MaxCarrierPRB = 110
)

// CarrierConfig describes one component carrier. Immutable after Configure.
type CarrierConfig struct {
	// NofPRB is the carrier bandwidth in resource blocks.
	NofPRB uint32 `yaml:"nof_prb"`
	// PUCCHWidth is the number of uplink blocks reserved at each band
	// edge for control feedback. Zero selects the default.
	PUCCHWidth uint32 `yaml:"pucch_width"`
}

// CellConfig describes the cell served by one scheduler instance.
type CellConfig struct {
	// Carriers lists the component carriers; index is the carrier id.
	Carriers []CarrierConfig `yaml:"carriers"`
	// MaxUsers bounds the concurrent user table, temporary random-access
	// identities included.
	MaxUsers int `yaml:"max_users"`
	// HARQProcs is the per-user process count per direction, applied to
	// users that do not set their own.
	HARQProcs int `yaml:"harq_procs"`
	// MaxRetx is the per-user retransmission budget, applied to users
	// that do not set their own.
	MaxRetx uint8 `yaml:"max_retx"`
	// SIBPeriod is the broadcast cadence in TTIs. Zero keeps the default;
	// negative-like behavior (disable) is not offered, a cell always
	// broadcasts.
	SIBPeriod uint32 `yaml:"sib_period"`
	// SIBBytes is the broadcast payload size per occasion.
	SIBBytes uint32 `yaml:"sib_bytes"`
	// PRACHPeriod is the random-access opportunity cadence in TTIs.
	PRACHPeriod uint32 `yaml:"prach_period"`
	// PRACHWidth is the uplink block count carved out on opportunity TTIs.
	PRACHWidth uint32 `yaml:"prach_width"`
	// RARWindow is the deadline, in TTIs after the opportunity, for the
	// random-access response.
	RARWindow uint32 `yaml:"rar_window"`
	// Weights is the priority policy. Zero value selects the default.
	Weights ue.Weights `yaml:"weights"`
}

// Validate reports whether the configuration, with defaults applied, would
// be accepted by Configure.
func (c CellConfig) Validate() error {
	return c.withDefaults().validate()
}

func (c CellConfig) withDefaults() CellConfig {
	out := c
	out.Carriers = make([]CarrierConfig, len(c.Carriers))
	copy(out.Carriers, c.Carriers)
	for i := range out.Carriers {
		if out.Carriers[i].PUCCHWidth == 0 {
			out.Carriers[i].PUCCHWidth = DefaultPUCCHWidth
		}
	}
	if out.MaxUsers == 0 {
		out.MaxUsers = DefaultMaxUsers
	}
	if out.HARQProcs == 0 {
		out.HARQProcs = 8
	}
	if out.MaxRetx == 0 {
		out.MaxRetx = 4
	}
	if out.SIBPeriod == 0 {
		out.SIBPeriod = DefaultSIBPeriod
	}
	if out.SIBBytes == 0 {
		out.SIBBytes = DefaultSIBBytes
	}
	if out.PRACHPeriod == 0 {
		out.PRACHPeriod = DefaultPRACHPeriod
	}
	if out.PRACHWidth == 0 {
		out.PRACHWidth = DefaultPRACHWidth
	}
	if out.RARWindow == 0 {
		out.RARWindow = DefaultRARWindow
	}
	if out.Weights == (ue.Weights{}) {
		out.Weights = ue.DefaultWeights()
	}
	return out
}

func (c CellConfig) validate() error {
	if len(c.Carriers) == 0 {
		return fmt.Errorf("%w: no carriers", ErrInvalidConfig)
	}
	for i, cc := range c.Carriers {
		if cc.NofPRB < MinCarrierPRB || cc.NofPRB > MaxCarrierPRB {
			return fmt.Errorf("%w: carrier %d: %d blocks outside [%d, %d]",
				ErrInvalidConfig, i, cc.NofPRB, MinCarrierPRB, MaxCarrierPRB)
		}
		if 2*cc.PUCCHWidth >= cc.NofPRB {
			return fmt.Errorf("%w: carrier %d: control region %d swallows the band",
				ErrInvalidConfig, i, cc.PUCCHWidth)
		}
	}
	if c.MaxUsers < 1 {
		return fmt.Errorf("%w: max users %d", ErrInvalidConfig, c.MaxUsers)
	}
	// Cadences are evaluated as tti mod period, so a period must divide
	// the TTI modulus or every counter wrap shifts the schedule.
	if radio.TTIModulus%c.SIBPeriod != 0 {
		return fmt.Errorf("%w: sib period %d does not divide the tti modulus", ErrInvalidConfig, c.SIBPeriod)
	}
	if radio.TTIModulus%c.PRACHPeriod != 0 {
		return fmt.Errorf("%w: prach period %d does not divide the tti modulus", ErrInvalidConfig, c.PRACHPeriod)
	}
	if !c.Weights.Valid() {
		return fmt.Errorf("%w: priority weights", ErrInvalidConfig)
	}
	return nil
}
