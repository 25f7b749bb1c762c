// Package bits holds the small bit helpers used by the slot allocator's
// packed ready bitmap and by capacity validation.
package bits

import "strings"

// Value returns bit n of x (0 or 1).
func Value(x uint32, n uint) uint32 {
	return (x >> n) & 1
}

// IsSet reports whether bit n of x is 1.
func IsSet(x uint32, n uint) bool {
	return Value(x, n) == 1
}

// Set returns x with bit n turned on.
func Set(x uint32, n uint) uint32 {
	return x | (1 << n)
}

// Clear returns x with bit n turned off.
func Clear(x uint32, n uint) uint32 {
	return x &^ (1 << n)
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n (1 for n <= 1).
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// String renders x most significant bit first, grouped in nibbles,
// e.g. "0000 0000 ... 0101".
func String(x uint32) string {
	var sb strings.Builder
	sb.Grow(39)
	for i := 31; i >= 0; i-- {
		if Value(x, uint(i)) == 1 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
		if i > 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
