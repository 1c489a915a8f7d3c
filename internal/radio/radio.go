// Package radio holds the shared vocabulary of the MAC scheduler: TTI
// arithmetic, identifiers, resource-block geometry and the CQI/MCS tables.
// Everything in here is a plain value type with no side effects, so the
// package stays importable from every layer without dependency cycles.
package radio

import "fmt"

// RNTI identifies a connected device while its connection is active. The
// value space follows LTE: a small reserved band at the bottom, dedicated
// C-RNTIs in the middle, and special identities at the top.
type RNTI uint16

const (
	// CRNTIStart is the first identifier handed out to a connected user.
	CRNTIStart RNTI = 0x0046
	// CRNTIEnd is the last allocatable user identifier.
	CRNTIEnd RNTI = 0xFFF3
	// SIRNTI addresses broadcast system information.
	SIRNTI RNTI = 0xFFFF
	// PRNTI addresses paging.
	PRNTI RNTI = 0xFFFE
)

// IsUser reports whether r lies in the dedicated user range.
func (r RNTI) IsUser() bool {
	return r >= CRNTIStart && r <= CRNTIEnd
}

func (r RNTI) String() string {
	return fmt.Sprintf("0x%04x", uint16(r))
}

// RARNTI derives the random-access response identity for an opportunity
// detected at the given TTI. Only the subframe index contributes, which
// keeps the value inside the reserved low band.
func RARNTI(t TTI) RNTI {
	return RNTI(1 + t.Subframe())
}

// Dir distinguishes the two transmission directions of a carrier.
type Dir uint8

const (
	DirDL Dir = iota
	DirUL
)

func (d Dir) String() string {
	if d == DirUL {
		return "ul"
	}
	return "dl"
}

// Valid reports whether d is one of the two defined directions. Dir
// values arrive in external events and index fixed-size per-direction
// arrays, so they must be checked at the boundary.
func (d Dir) Valid() bool {
	return d == DirDL || d == DirUL
}

// FeedbackDelay is the fixed number of TTIs between a transmission and the
// TTI at which its HARQ feedback is due (FDD timing: 4 ms each way).
const FeedbackDelay uint32 = 4

// Msg3Delay is the number of TTIs between a random-access response and the
// uplink transmission it grants.
const Msg3Delay uint32 = 6
