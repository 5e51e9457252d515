// Package bits manipulates single bytes using the 1-based bit numbering of
// ISO/IEC 7816 (bit 8 is the most significant, bit 1 the least).
package bits

// Bit returns a byte with only the n-th bit set (1 to 8).
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet checks if the n-th bit is set (1 to 8).
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// Set returns b with bit n set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear returns b with bit n cleared.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

// SetIf sets bit n when cond holds and clears it otherwise.
func SetIf(b byte, n uint, cond bool) byte {
	if cond {
		return Set(b, n)
	}
	return Clear(b, n)
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11)
func GetRange(b byte, high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}

	return (b >> (low - 1)) & rangeMask(high, low)
}

// SetRange writes v into bits high..low of b. Bits of v that do not fit in
// the range are dropped.
// Example: SetRange(0x63, 4, 1, 3) returns 0x63 with the low nibble set to 3.
func SetRange(b byte, high, low uint, v byte) byte {
	if high < low || high > 8 || low < 1 {
		return b
	}

	mask := rangeMask(high, low)
	return b&^(mask<<(low-1)) | (v&mask)<<(low-1)
}

func rangeMask(high, low uint) byte {
	width := high - low + 1
	return byte((1 << width) - 1)
}
