package safemath

import (
	"errors"
	"math/bits"
)

var ErrOverflow = errors.New("number overflow")

func Add64(a, b uint64) (uint64, bool) {
	v, carry := bits.Add64(a, b, 0)
	return v, carry == 0
}

func Sub64(a, b uint64) (uint64, bool) {
	v, borrow := bits.Sub64(a, b, 0)
	return v, borrow == 0
}

func Mul64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// MulDiv64 returns floor(a*b/d) using a 128-bit intermediate product.
// It reports false if d is zero or the quotient does not fit in 64 bits.
func MulDiv64(a, b, d uint64) (uint64, bool) {
	if d == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, true
}

// Sum64 adds all values, reporting false on overflow.
func Sum64(values ...uint64) (uint64, bool) {
	var total uint64
	for _, v := range values {
		var ok bool
		if total, ok = Add64(total, v); !ok {
			return 0, false
		}
	}
	return total, true
}
