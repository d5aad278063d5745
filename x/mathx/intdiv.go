// Package mathx holds small generic helpers for address and size
// arithmetic.
package mathx

import "golang.org/x/exp/constraints"

// Min returns the smaller of a and b.
func Min[T constraints.Unsigned](a, b T) T {
	if b < a {
		return b
	}
	return a
}

// CeilDiv returns ceil(a/b); zero when b is zero.
func CeilDiv[T constraints.Unsigned](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// AlignDown rounds v down to a multiple of unit. A zero unit returns v.
func AlignDown[T constraints.Unsigned](v, unit T) T {
	if unit == 0 {
		return v
	}
	return v - v%unit
}

// Aligned reports whether v is a multiple of unit. Nothing is aligned to
// a zero unit.
func Aligned[T constraints.Unsigned](v, unit T) bool {
	return unit != 0 && v%unit == 0
}
