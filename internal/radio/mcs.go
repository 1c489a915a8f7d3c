package radio

// CQI is the channel-quality indicator reported per user and carrier.
// Zero means out of range: no new data may be scheduled, retransmissions
// are still allowed.
type CQI uint8

// MaxCQI is the highest reportable channel quality.
const MaxCQI CQI = 15

// Valid reports whether the value is inside the reportable range.
func (c CQI) Valid() bool {
	return c <= MaxCQI
}

// MCS is the modulation-and-coding-scheme index carried in an assignment.
type MCS uint8

// MaxMCS is the highest usable index.
const MaxMCS MCS = 28

// cqiToMCS maps a reported CQI to the most aggressive MCS the channel
// supports. Monotonically non-decreasing; index 0 is never consulted
// because CQI 0 disables new transmissions.
var cqiToMCS = [16]MCS{0, 0, 2, 4, 6, 8, 11, 13, 15, 17, 19, 21, 23, 25, 27, 28}

// MCSFromCQI picks the MCS for a channel quality report.
func MCSFromCQI(c CQI) MCS {
	if c > MaxCQI {
		c = MaxCQI
	}
	return cqiToMCS[c]
}

// prbBytes estimates the transport-block capacity of one resource block at
// each MCS. These are coarse per-PRB figures derived from the standard TBS
// tables; exact rate matching is out of scope, monotonicity is the contract.
var prbBytes = [29]uint32{
	2, 3, 4, 5, 7, 9, 11, 13, 15, 17,
	18, 22, 26, 28, 32, 35, 41, 42, 47, 51,
	55, 61, 65, 69, 73, 77, 81, 85, 89,
}

// TBSBytes estimates the transport-block size in bytes for a grant of
// nofPRB resource blocks at the given MCS.
func TBSBytes(m MCS, nofPRB uint32) uint32 {
	if m > MaxMCS {
		m = MaxMCS
	}
	return prbBytes[m] * nofPRB
}

// PRBsForBytes returns the smallest resource-block count whose estimated
// transport block holds want bytes at the given MCS. Returns at least 1
// for a non-zero request.
func PRBsForBytes(m MCS, want uint32) uint32 {
	if want == 0 {
		return 0
	}
	per := TBSBytes(m, 1)
	n := (want + per - 1) / per
	if n == 0 {
		n = 1
	}
	return n
}

// RBGSize returns the resource-block-group width for a carrier of the
// given bandwidth (downlink allocation granularity).
func RBGSize(nofPRB uint32) uint32 {
	switch {
	case nofPRB <= 10:
		return 1
	case nofPRB <= 26:
		return 2
	case nofPRB <= 63:
		return 3
	default:
		return 4
	}
}

// NofRBG returns the number of resource-block groups on a carrier.
func NofRBG(nofPRB uint32) uint32 {
	p := RBGSize(nofPRB)
	return (nofPRB + p - 1) / p
}
