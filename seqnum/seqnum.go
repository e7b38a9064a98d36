// Package seqnum implements modular-32 sequence-number arithmetic for TCP
// (RFC 793 S3.3): comparisons and the segment-acceptability predicate that
// every send/receive sequence space calculation in this module is built on.
package seqnum

// Value is a TCP sequence or acknowledgment number. Arithmetic on Value
// wraps at 2^32, matching the modular sequence space RFC 793 describes.
type Value uint32

// Size is a byte count in sequence-space units (a window size, a segment
// length). It is distinguished from Value so that "how many bytes" and
// "which byte" are never accidentally interchanged.
type Size uint32

// Add returns v+n, wrapping at 2^32.
func (v Value) Add(n Size) Value {
	return Value(uint32(v) + uint32(n))
}

// Sub returns v-n, wrapping at 2^32.
func (v Value) Sub(n Size) Value {
	return Value(uint32(v) - uint32(n))
}

// Diff returns the forward distance from v to w, i.e. the n such that
// v.Add(n) == w.
func (v Value) Diff(w Value) Size {
	return Size(uint32(w) - uint32(v))
}

// LessThan reports whether v precedes w in the lower half of the sequence
// space relative to v, i.e. 0 < w-v < 2^31.
func (v Value) LessThan(w Value) bool {
	return int32(uint32(w)-uint32(v)) > 0
}

// IsBetween reports whether x lies strictly between start and end in the
// wrap-aware sense described in spec S4.1: traveling forward from start you
// encounter x strictly before end, and x != start. end itself is excluded,
// so callers pass nxt.Add(1) to test "x <= nxt".
//
// Equivalently: 0 < start.Diff(x) < start.Diff(end). Here we use the direct
// characterization from the reference implementation, since it is the one
// the acceptability tests in package tcp are phrased against.
func IsBetween(start, x, end Value) bool {
	switch {
	case start == x:
		return false
	case start < x:
		// Violated iff end falls in [start, x].
		return !(end >= start && end <= x)
	default: // start > x: x has wrapped around.
		// Violated iff end is NOT strictly between x and start.
		return end > x && end < start
	}
}
