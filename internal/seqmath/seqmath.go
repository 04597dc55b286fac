// Package seqmath implements modular arithmetic helpers for the 16-bit
// wrapping sequence-number space used throughout the stream transport.
package seqmath

// Rel maps a raw sequence number into base-relative coordinates:
// (x - base) mod 2^16. This is the "pos_to_sequential" mapping from
// spec.md's seqno tracker section, reused everywhere a modular comparison
// against a sliding window base is needed.
func Rel(base, x uint16) uint32 {
	return uint32(x - base)
}

// Less reports whether a comes before b in the modular order relative to
// base, i.e. Rel(base, a) < Rel(base, b).
func Less(base, a, b uint16) bool {
	return Rel(base, a) < Rel(base, b)
}
