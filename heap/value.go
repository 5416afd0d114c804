// Package heap is the managed-memory runtime behind the interpreter: the
// object registry, the allocators, the built-in operations on boxed values,
// and the collector that treats the published value stack as its root set.
package heap

// Word is the universal storage unit of the machine. Every stack slot and
// every object field holds one Word.
//
// Encoding scheme:
//   - Boxed integer: low bit set, signed payload in the upper 31 bits
//   - Heap handle:   even and non-zero, registry id shifted left by one
//   - Null:          zero (never a live value, only a cleared slot)
//
// The collector classifies a word by its low bit: odd words are skipped,
// even non-zero words are candidate roots.
type Word uint32

// Boxed integer range (31-bit signed payload).
const (
	MaxBoxed int32 = (1 << 30) - 1
	MinBoxed int32 = -(1 << 30)
)

// Box encodes a signed integer as a boxed word.
func Box(v int32) Word {
	return Word(v)<<1 | 1
}

// Unbox decodes a boxed word back to its signed integer. The shift is
// arithmetic, so negative payloads survive the round trip.
func Unbox(w Word) int32 {
	return int32(w) >> 1
}

// IsBoxed reports whether w is a boxed integer.
func IsBoxed(w Word) bool {
	return w&1 == 1
}

// IsHandle reports whether w is a heap handle.
func IsHandle(w Word) bool {
	return w != 0 && w&1 == 0
}

// BoxBool encodes a boolean as boxed 1 or boxed 0.
func BoxBool(b bool) Word {
	if b {
		return Box(1)
	}
	return Box(0)
}
