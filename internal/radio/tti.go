package radio

// TTIModulus is the period of the TTI counter: 1024 radio frames of 10
// subframes each. All TTI arithmetic happens modulo this value.
const TTIModulus uint32 = 10240

// TTI is the scheduler's clock tick. The counter wraps at TTIModulus;
// ordering is the only meaningful relation between two values, expressed
// as a signed modulo distance interpreted in a half-modulus window.
type TTI uint32

// WrapTTI reduces an arbitrary counter value into TTI space.
func WrapTTI(v uint32) TTI {
	return TTI(v % TTIModulus)
}

// Add advances the TTI by n ticks, wrapping at the modulus.
func (t TTI) Add(n uint32) TTI {
	return TTI((uint32(t) + n) % TTIModulus)
}

// Sub returns the signed modulo distance t-o, mapped into
// (-TTIModulus/2, TTIModulus/2]. A positive result means t is newer.
func (t TTI) Sub(o TTI) int {
	d := int(uint32(t)) - int(uint32(o))
	half := int(TTIModulus) / 2
	switch {
	case d > half:
		d -= int(TTIModulus)
	case d <= -half:
		d += int(TTIModulus)
	}
	return d
}

// IsNewerThan reports whether t is ahead of o in modulo order.
func (t TTI) IsNewerThan(o TTI) bool {
	return t.Sub(o) > 0
}

// Frame returns the radio frame number (0..1023).
func (t TTI) Frame() uint32 {
	return uint32(t) / 10
}

// Subframe returns the subframe index within the frame (0..9).
func (t TTI) Subframe() uint32 {
	return uint32(t) % 10
}
