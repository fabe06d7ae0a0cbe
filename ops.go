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

package buddyalloc

import (
	"fmt"

	"github.com/cloudwego/buddyalloc/buddytree"
	"github.com/cloudwego/buddyalloc/internal/ptrutil"
)

// SafeFreeStatus is the exhaustive result of SafeFree.
type SafeFreeStatus int

const (
	StatusSuccess SafeFreeStatus = iota
	StatusBuddyIsNull
	StatusInvalidAddress
	StatusSizeMismatch
)

func (s SafeFreeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBuddyIsNull:
		return "buddy is null"
	case StatusInvalidAddress:
		return "invalid address"
	case StatusSizeMismatch:
		return "size mismatch"
	default:
		return "unknown"
	}
}

// Malloc returns a slice of at least size bytes from the arena, or nil if no
// sufficiently large slot is free. size == 0 is valid and returns a
// non-nil, zero-length slice backed by a real (and therefore later
// Free-able) slot.
func (a *Allocator) Malloc(size int) []byte {
	if a == nil || size < 0 || size > a.memorySize {
		return nil
	}
	reqSize := size
	if reqSize == 0 {
		reqSize = a.alignment
	}
	depth := a.depthForSize(reqSize)
	pos := a.tree.FindFree(depth)
	if pos == 0 {
		return nil
	}
	a.tree.Mark(pos)
	off := int(buddytree.Index(pos)) * a.slotSize(depth)
	b := ptrutil.SliceAt(a.main, off, a.slotSize(depth))
	return b[:size]
}

// Calloc is Malloc(n*size) with overflow checking and zeroing. calloc(0, _)
// and calloc(_, 0) both return a non-nil, zero-length slice.
func (a *Allocator) Calloc(n, size int) []byte {
	total, ok := mulOverflowCheck(n, size)
	if !ok {
		return nil
	}
	b := a.Malloc(total)
	if b == nil {
		return nil
	}
	for i := range b {
		b[i] = 0
	}
	return b
}

func (a *Allocator) ownerOf(b []byte) (uint64, bool) {
	if cap(b) == 0 {
		return 0, false
	}
	return a.positionForAddress(ptrutil.DataPointer(b))
}

// Free returns b, previously returned by Malloc/Calloc/Realloc/Reallocarray
// on this allocator, to the free pool. It silently no-ops for a nil/empty
// slice, one outside the arena, one that isn't slot-aligned, or one already
// freed -- hardened against caller error rather than panicking.
func (a *Allocator) Free(b []byte) {
	if a == nil {
		return
	}
	pos, ok := a.ownerOf(b)
	if !ok {
		return
	}
	a.tree.Release(pos)
}

// SafeFree is Free with a declared size that must match the owning slot's
// depth, returning an exhaustive status instead of silently ignoring a
// caller mistake. It never mutates allocator state on a non-success return.
func (a *Allocator) SafeFree(b []byte, size int) SafeFreeStatus {
	if a == nil {
		return StatusBuddyIsNull
	}
	pos, ok := a.ownerOf(b)
	if !ok {
		return StatusInvalidAddress
	}
	if a.depthForSize(size) != buddytree.Depth(pos) {
		return StatusSizeMismatch
	}
	a.tree.Release(pos)
	return StatusSuccess
}

// Realloc resizes b to size bytes, preserving min(old size, size) bytes of
// its content unless ignoreData is set. A nil/empty b behaves like
// Malloc(size); size == 0 behaves like Free(b) followed by a nil return. A
// negative size or one above ArenaSize returns nil and leaves b allocated.
func (a *Allocator) Realloc(b []byte, size int, ignoreData bool) []byte {
	if a == nil {
		return nil
	}
	if cap(b) == 0 {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(b)
		return nil
	}
	if size < 0 || size > a.memorySize {
		return nil
	}
	pos, ok := a.ownerOf(b)
	if !ok {
		return nil
	}
	oldDepth := buddytree.Depth(pos)
	newDepth := a.depthForSize(size)
	if newDepth == oldDepth {
		off := int(buddytree.Index(pos)) * a.slotSize(oldDepth)
		full := ptrutil.SliceAt(a.main, off, a.slotSize(oldDepth))
		return full[:size]
	}

	a.tree.Release(pos)
	newPos := a.tree.FindFree(newDepth)
	if newPos == 0 {
		a.tree.Mark(pos) // restore the original allocation
		return nil
	}
	a.tree.Mark(newPos)

	newOff := int(buddytree.Index(newPos)) * a.slotSize(newDepth)
	newFull := ptrutil.SliceAt(a.main, newOff, a.slotSize(newDepth))
	if !ignoreData {
		n := a.slotSize(oldDepth)
		if s := a.slotSize(newDepth); s < n {
			n = s
		}
		oldOff := int(buddytree.Index(pos)) * a.slotSize(oldDepth)
		copy(newFull, ptrutil.SliceAt(a.main, oldOff, n))
	}
	return newFull[:size]
}

// Reallocarray is Realloc(b, n*size, ignoreData) with overflow checking.
func (a *Allocator) Reallocarray(b []byte, n, size int, ignoreData bool) []byte {
	total, ok := mulOverflowCheck(n, size)
	if !ok {
		return nil
	}
	return a.Realloc(b, total, ignoreData)
}

// ReserveRange marks [offset, offset+length) of the arena as allocated,
// without going through the size-to-depth heuristics malloc uses, by
// marking the minimal set of tree positions that exactly tile the range.
// offset and length must both be multiples of the allocator's alignment.
func (a *Allocator) ReserveRange(offset, length int) error {
	return a.coverRange(offset, length, true)
}

// UnsafeReleaseRange releases [offset, offset+length), the inverse of
// ReserveRange. It trusts the caller not to release a range straddling a
// live allocation made some other way; no validation is performed.
func (a *Allocator) UnsafeReleaseRange(offset, length int) error {
	return a.coverRange(offset, length, false)
}

func (a *Allocator) coverRange(offset, length int, mark bool) error {
	if length <= 0 {
		return nil
	}
	if offset < 0 || offset%a.alignment != 0 || length%a.alignment != 0 {
		return fmt.Errorf("buddyalloc: range [%d, %d) must be alignment-sized and aligned", offset, offset+length)
	}
	end := offset + length
	if end > a.memorySize {
		return fmt.Errorf("buddyalloc: range [%d, %d) exceeds arena size %d", offset, end, a.memorySize)
	}
	loLeaf := a.tree.LeftmostChild() + uint64(offset/a.alignment)
	hiLeaf := a.tree.LeftmostChild() + uint64(end/a.alignment)
	a.coverLeafRange(buddytree.Root(), loLeaf, hiLeaf, mark)
	return nil
}

// coverLeafRange marks/releases the minimal canonical set of positions
// whose leaf intervals exactly tile [loLeaf, hiLeaf), the same
// range-decomposition idea toggleVirtualSlots uses for the arena's tail.
func (a *Allocator) coverLeafRange(pos, loLeaf, hiLeaf uint64, mark bool) {
	from, to := a.tree.Interval(pos)
	if to < loLeaf || from >= hiLeaf {
		return
	}
	if loLeaf <= from && to < hiLeaf {
		a.applyCoverage(pos, mark)
		return
	}
	if buddytree.Depth(pos) == a.tree.Order() {
		return
	}
	a.coverLeafRange(buddytree.LeftChild(pos), loLeaf, hiLeaf, mark)
	a.coverLeafRange(buddytree.RightChild(pos), loLeaf, hiLeaf, mark)
}

// WalkFunc is invoked once per currently-allocated slot during Walk. A
// non-nil return aborts the walk and is propagated back as Walk's result.
// fn may call Free on slot; Walk re-reads tree status as it goes, so it
// stays correct under a callback that frees the very slot it was just
// handed.
type WalkFunc func(slot []byte) interface{}

// Walk visits every currently-allocated slot in ascending address order (a
// depth-first, left-to-right walk of the tree). It never visits virtual-slot padding reserved by
// toggleVirtualSlots, since that padding lies outside [0, memorySize).
func (a *Allocator) Walk(fn WalkFunc) interface{} {
	if a == nil {
		return nil
	}
	return a.walk(buddytree.Root(), fn)
}

func (a *Allocator) walk(pos uint64, fn WalkFunc) interface{} {
	d := buddytree.Depth(pos)
	maxV := a.tree.MaxValueAt(d)
	s := a.tree.Status(pos)
	if s == maxV {
		return nil // entirely free, nothing allocated here
	}
	atOrder := d == a.tree.Order()
	if s == 0 {
		if atOrder {
			return a.visit(pos, fn)
		}
		l := a.tree.Status(buddytree.LeftChild(pos))
		r := a.tree.Status(buddytree.RightChild(pos))
		if l != 0 || r != 0 {
			// pos itself is the exact position a Mark targeted: its
			// children still hold their untouched, fully-free values.
			return a.visit(pos, fn)
		}
		// both children are independently marked (or masked); descend to
		// enumerate them as separate allocations.
	}
	if atOrder {
		return nil
	}
	if res := a.walk(buddytree.LeftChild(pos), fn); res != nil {
		return res
	}
	return a.walk(buddytree.RightChild(pos), fn)
}

func (a *Allocator) visit(pos uint64, fn WalkFunc) interface{} {
	d := buddytree.Depth(pos)
	size := a.slotSize(d)
	off := int(buddytree.Index(pos)) * size
	if off+size > a.memorySize {
		// virtual-slot padding, not a real caller allocation: only padding
		// reaches past memorySize, including a leaf that straddles it.
		return nil
	}
	return fn(ptrutil.SliceAt(a.main, off, size))
}
