// Package bitvec converts between packed byte strings and expanded bit
// arrays, and provides the parity and comparison primitives used by the
// key reconciliation engines.
//
// A Bits value stores one bit per element. Expansion is least
// significant bit first within each source byte, so FromBytes and
// Bytes round-trip exactly for inputs whose bit length is a multiple
// of eight; other lengths are zero-padded on repacking.
//
// Example:
//
//	bits := bitvec.FromBytes([]byte{0x03})
//	// bits = [1 1 0 0 0 0 0 0]
//	p := bits.Parity() // 0
package bitvec

// Bits is an expanded bit array with one element per bit. Elements are
// always 0 or 1.
type Bits []uint8

// FromBytes expands packed bytes into a bit array, least significant
// bit first within each byte.
func FromBytes(data []byte) Bits {
	bits := make(Bits, 0, len(data)*8)
	for _, b := range data {
		for j := 0; j < 8; j++ {
			bits = append(bits, (b>>j)&1)
		}
	}
	return bits
}

// Bytes repacks the bit array into bytes. If the bit count is not a
// multiple of eight the final byte is zero-padded in its high bits.
func (b Bits) Bytes() []byte {
	out := make([]byte, (len(b)+7)/8)
	for i, bit := range b {
		if bit != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Clone returns an independent copy of the bit array.
func (b Bits) Clone() Bits {
	c := make(Bits, len(b))
	copy(c, b)
	return c
}

// Parity returns the XOR of all bits: 1 when the number of set bits is
// odd, 0 otherwise. The parity of an empty array is 0.
func (b Bits) Parity() uint8 {
	var p uint8
	for _, bit := range b {
		p ^= bit & 1
	}
	return p
}

// Bit reads the bit at the given index from a packed byte string,
// using the same least-significant-bit-first order as FromBytes.
func Bit(data []byte, index int) uint8 {
	return (data[index/8] >> (index % 8)) & 1
}

// Equal reports whether a and b hold identical bits. Arrays of
// different lengths are never equal.
func Equal(a, b Bits) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Diff returns the indices at which a and b disagree, compared over
// the shorter of the two arrays.
func Diff(a, b Bits) []int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var idx []int
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			idx = append(idx, i)
		}
	}
	return idx
}

// CountDiff returns the number of positions at which a and b disagree,
// compared over the shorter of the two arrays.
func CountDiff(a, b Bits) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	count := 0
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			count++
		}
	}
	return count
}

// Mask XORs data with the mask repeated cyclically. Applying the same
// mask twice restores the input, so the one helper serves both
// wrapping and unwrapping. A nil mask returns an unmasked copy.
func Mask(data, mask []byte) []byte {
	out := make([]byte, len(data))
	if len(mask) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		out[i] = b ^ mask[i%len(mask)]
	}
	return out
}

// Discard returns a copy of b with the bits at the given indices
// removed, preserving the order of the remaining bits. Indices that
// fall outside the array are ignored. The input slice of indices is
// not modified.
func Discard(b Bits, indices []int) Bits {
	if len(indices) == 0 {
		return b.Clone()
	}

	drop := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(b) {
			drop[i] = struct{}{}
		}
	}

	out := make(Bits, 0, len(b)-len(drop))
	for i, bit := range b {
		if _, skip := drop[i]; skip {
			continue
		}
		out = append(out, bit)
	}
	return out
}
