/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bitset

import (
	"fmt"
	"strings"
)

// Set is a random-access bitset over a caller-supplied byte buffer. Bits are
// numbered from 0; bit `pos` lives at byte pos/8, bit pos%8. Set never
// allocates or owns its backing buffer, so it is trivially relocatable by a
// byte-wise copy of the buffer -- the same property buddytree.Tree and
// buddyalloc.Allocator rely on for embedded/relocatable mode.
type Set struct {
	buf []byte
}

// SizeOf returns the number of bytes required to hold n bits.
func SizeOf(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 7) / 8
}

// New wraps buf as a Set. buf is used directly, not copied; it must have at
// least SizeOf(n) bytes for whatever bit range the caller intends to use.
func New(buf []byte) *Set {
	return &Set{buf: buf}
}

// Bytes returns the backing buffer.
func (s *Set) Bytes() []byte {
	return s.buf
}

// Set sets bit pos to 1.
func (s *Set) Set(pos int) {
	s.buf[pos>>3] |= 1 << uint(pos&7)
}

// Clear sets bit pos to 0.
func (s *Set) Clear(pos int) {
	s.buf[pos>>3] &^= 1 << uint(pos&7)
}

// Flip toggles bit pos.
func (s *Set) Flip(pos int) {
	s.buf[pos>>3] ^= 1 << uint(pos&7)
}

// Test returns whether bit pos is set.
func (s *Set) Test(pos int) bool {
	return s.buf[pos>>3]&(1<<uint(pos&7)) != 0
}

// SetRange sets every bit in [from, to], inclusive. A no-op when from > to.
func (s *Set) SetRange(from, to int) {
	s.rangeOp(from, to, true)
}

// ClearRange clears every bit in [from, to], inclusive. A no-op when from > to.
func (s *Set) ClearRange(from, to int) {
	s.rangeOp(from, to, false)
}

func (s *Set) rangeOp(from, to int, set bool) {
	if from > to {
		return
	}
	startByte := from >> 3
	endByte := to >> 3

	if startByte == endByte {
		mask := fullMask(from&7, to&7)
		if set {
			s.buf[startByte] |= mask
		} else {
			s.buf[startByte] &^= mask
		}
		return
	}

	firstMask := fullMask(from&7, 7)
	if set {
		s.buf[startByte] |= firstMask
	} else {
		s.buf[startByte] &^= firstMask
	}

	for i := startByte + 1; i < endByte; i++ {
		if set {
			s.buf[i] = 0xFF
		} else {
			s.buf[i] = 0
		}
	}

	lastMask := fullMask(0, to&7)
	if set {
		s.buf[endByte] |= lastMask
	} else {
		s.buf[endByte] &^= lastMask
	}
}

// fullMask returns a byte with bits [lo, hi] (inclusive, 0-based within the
// byte) set.
func fullMask(lo, hi int) byte {
	return byte(0xFF>>(7-hi)) &^ byte((1<<uint(lo))-1)
}

// ShiftRight moves the bits in [from, to) right by `by` positions; vacated
// bits become 0. Bits are processed high-to-low so overlapping source and
// destination ranges behave correctly.
func (s *Set) ShiftRight(from, to, by int) {
	if by <= 0 || from >= to {
		return
	}
	for pos := to - 1; pos >= from; pos-- {
		dst := pos + by
		if s.Test(pos) {
			s.Set(dst)
		} else {
			s.Clear(dst)
		}
	}
	vacatedTo := from + by
	if vacatedTo > to {
		vacatedTo = to
	}
	s.ClearRange(from, vacatedTo-1)
}

// ShiftLeft moves the bits in [from, to) left by `by` positions; vacated
// bits become 0. Bits are processed low-to-high so overlapping source and
// destination ranges behave correctly.
func (s *Set) ShiftLeft(from, to, by int) {
	if by <= 0 || from >= to {
		return
	}
	for pos := from; pos < to; pos++ {
		dst := pos - by
		if s.Test(pos) {
			s.Set(dst)
		} else {
			s.Clear(dst)
		}
	}
	vacatedFrom := to - by
	if vacatedFrom < from {
		vacatedFrom = from
	}
	s.ClearRange(vacatedFrom, to-1)
}

// ReadField reads a width-bit unsigned value starting at bit offset off
// (bit 0 of the field is the least significant bit, stored at off).
// width must be in [0, 64].
func (s *Set) ReadField(off, width int) uint64 {
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v <<= 1
		if s.Test(off + i) {
			v |= 1
		}
	}
	return v
}

// WriteField writes the low `width` bits of value starting at bit offset off.
func (s *Set) WriteField(off, width int, value uint64) {
	for i := 0; i < width; i++ {
		if value&(1<<uint(i)) != 0 {
			s.Set(off + i)
		} else {
			s.Clear(off + i)
		}
	}
}

// Debug renders the first n bits as a string of '0'/'1' characters, one byte
// per space-separated group. Output format is unspecified beyond being
// human-readable.
func (s *Set) Debug(n int) string {
	var b strings.Builder
	for pos := 0; pos < n; pos++ {
		if pos > 0 && pos%8 == 0 {
			b.WriteByte(' ')
		}
		if s.Test(pos) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (s *Set) String() string {
	return fmt.Sprintf("bitset{%d bytes}", len(s.buf))
}
