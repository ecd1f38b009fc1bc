// Package tnt implements the 64-bit Taken/Not-Taken bit buffer the edge
// analyzer drains one decision at a time while walking the control-flow
// graph.
package tnt

import "github.com/awmorgan/iptrace/pterr"

const maxBits = 64

// Buffer holds TNT bits MSB-first: the first bit ever appended occupies the
// highest unoccupied slot, so TakeOne always returns bits ready to be consumed
// from the most-significant populated position downward. Unoccupied low
// bits read as zero.
type Buffer struct {
	bits  uint64
	count int
}

// Clear discards all buffered bits.
func (b *Buffer) Clear() {
	b.bits = 0
	b.count = 0
}

// Count reports how many TNT bits are currently buffered.
func (b *Buffer) Count() int { return b.count }

// Append adds one TNT bit (true = taken) to the buffer, returning
// pterr.ExceededTntBuffer if the buffer is already full.
func (b *Buffer) Append(taken bool) error {
	if b.count >= maxBits {
		return pterr.New(pterr.ExceededTntBuffer, "tnt.Buffer.Append")
	}
	slot := maxBits - 1 - b.count
	if taken {
		b.bits |= 1 << uint(slot)
	}
	b.count++
	return nil
}

// ExtendShort appends the `count` bits packed in the low bits of value
// (MSB-first within the group, matching the short-TNT packet's own bit
// order) to the buffer.
func (b *Buffer) ExtendShort(value uint8, count int) error {
	for i := count - 1; i >= 0; i-- {
		if err := b.Append(value&(1<<uint(i)) != 0); err != nil {
			return err
		}
	}
	return nil
}

// ExtendLong appends the `count` bits packed in the low bits of value
// (MSB-first within the group) to the buffer, for the long-TNT packet.
func (b *Buffer) ExtendLong(value uint64, count int) error {
	for i := count - 1; i >= 0; i-- {
		if err := b.Append(value&(1<<uint(i)) != 0); err != nil {
			return err
		}
	}
	return nil
}

// TakeOne removes and returns the oldest buffered bit (true = taken). ok is
// false if the buffer is empty.
func (b *Buffer) TakeOne() (taken bool, ok bool) {
	if b.count == 0 {
		return false, false
	}
	// Append always fills from the top down, so the oldest bit sits at the
	// MSB; consuming it just shifts the whole buffer left by one.
	taken = b.bits&(1<<uint(maxBits-1)) != 0
	b.bits <<= 1
	b.count--
	return taken, true
}

// Raw returns the buffer's internal bit pattern and occupancy count, for
// diagnostics or building a cache key.
func (b *Buffer) Raw() (bits uint64, count int) { return b.bits, b.count }

// PeekBits returns up to n of the next buffered bits, MSB-first, packed
// into the low bits of value, without consuming them. avail reports how
// many bits were actually available (min(n, Count())).
func (b *Buffer) PeekBits(n int) (value uint64, avail int) {
	avail = b.count
	if avail > n {
		avail = n
	}
	if avail == 0 {
		return 0, 0
	}
	return b.bits >> uint(maxBits-avail), avail
}

// Advance discards the next n buffered bits without inspecting them. The
// caller must only advance by a count it already knows is buffered (e.g.
// one confirmed via PeekBits).
func (b *Buffer) Advance(n int) {
	b.bits <<= uint(n)
	b.count -= n
}
