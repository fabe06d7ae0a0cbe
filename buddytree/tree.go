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

// Package buddytree implements the fixed-order perfect binary tree that
// backs a buddy allocator: one bit-packed node per tree position, storing
// the order of the largest entirely-free subtree beneath that position.
//
// Positions are one-based heap indices (root = 1, children of p are 2p and
// 2p+1). Every node's value lives in a shared bitset at a bit-width that
// depends only on its depth, so a fully free tree of order N occupies
// strictly less space than a naively byte-per-node encoding.
package buddytree

import (
	"fmt"
	"strings"

	"github.com/cloudwego/buddyalloc/bitset"
)

// MaxOrder is the largest tree order supported; position arithmetic is done
// in uint64 and position 1<<order must not overflow.
const MaxOrder = 62

// Tree is a handle onto a buddy tree stored inline in a caller-owned byte
// buffer. A Tree is relocatable: copying its backing buffer byte-for-byte to
// an identically-sized buffer and reopening it with Open reproduces an
// identical tree, because Tree holds no absolute pointers of its own.
type Tree struct {
	buf    []byte
	order  int
	bits   *bitset.Set
	offset []int // offset[d]: bit offset where depth d's region starts (1<=d<=order)
	width  []int // width[d]: bits per node at depth d
}

// SizeOf returns the number of bytes of backing storage Init/Open need for
// a tree of the given order (header included). Returns 0 for an invalid
// order.
func SizeOf(order int) int {
	if order < 1 || order > MaxOrder {
		return 0
	}
	total := 0
	for d := 1; d <= order; d++ {
		total += bitset.BitsForMaxValue(order-d+1) * (1 << uint(d-1))
	}
	return 1 + bitset.SizeOf(total)
}

// Init zeros buf and builds a fresh, entirely-free tree of the given order
// inline in it. buf must have at least SizeOf(order) bytes.
func Init(buf []byte, order int) (*Tree, error) {
	need := SizeOf(order)
	if need == 0 {
		return nil, fmt.Errorf("buddytree: invalid order %d", order)
	}
	if len(buf) < need {
		return nil, fmt.Errorf("buddytree: buffer too small: need %d, got %d", need, len(buf))
	}
	for i := range buf[:need] {
		buf[i] = 0
	}
	t := open(buf[:need], order)
	t.Reset()
	return t, nil
}

// Open reconstructs a Tree handle from a buffer previously initialized by
// Init (or relocated byte-for-byte from one). It is the inverse of a raw
// copy of the buffer, the same role get_embed_at plays for the allocator.
func Open(buf []byte) (*Tree, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("buddytree: buffer too small for header")
	}
	order := int(buf[0])
	need := SizeOf(order)
	if need == 0 || len(buf) < need {
		return nil, fmt.Errorf("buddytree: corrupt header (order=%d)", order)
	}
	return open(buf[:need], order), nil
}

func open(buf []byte, order int) *Tree {
	buf[0] = byte(order)
	t := &Tree{
		buf:    buf,
		order:  order,
		bits:   bitset.New(buf[1:]),
		offset: make([]int, order+1),
		width:  make([]int, order+1),
	}
	off := 0
	for d := 1; d <= order; d++ {
		w := bitset.BitsForMaxValue(order - d + 1)
		t.width[d] = w
		t.offset[d] = off
		off += w * (1 << uint(d-1))
	}
	return t
}

// Order returns the tree's order.
func (t *Tree) Order() int { return t.order }

// Bytes returns the tree's backing buffer (header + bitset).
func (t *Tree) Bytes() []byte { return t.buf }

// UpperPosBound returns 2^order; valid positions are [1, UpperPosBound).
func (t *Tree) UpperPosBound() uint64 { return uint64(1) << uint(t.order) }

// MaxValueAt returns the largest status value a node at the given depth can
// hold: order - depth + 1.
func (t *Tree) MaxValueAt(depth int) int { return t.order - depth + 1 }

// --- navigation (all O(1), position arithmetic only) ---

// Root returns the root position.
func Root() uint64 { return 1 }

// LeftChild returns pos's left child position.
func LeftChild(pos uint64) uint64 { return pos * 2 }

// RightChild returns pos's right child position.
func RightChild(pos uint64) uint64 { return pos*2 + 1 }

// Parent returns pos's parent position (undefined for the root).
func Parent(pos uint64) uint64 { return pos / 2 }

// Sibling returns pos's sibling position.
func Sibling(pos uint64) uint64 { return pos ^ 1 }

// Depth returns the one-based depth of pos (root is depth 1).
func Depth(pos uint64) int { return bitset.HighestBitPosition(pos) }

// Index returns the zero-based index of pos within its depth.
func Index(pos uint64) uint64 {
	d := Depth(pos)
	return pos - (uint64(1) << uint(d-1))
}

// LeftAdjacent returns the position immediately to the left of pos at the
// same depth, or 0 (invalid) if pos is the leftmost position at its depth.
func LeftAdjacent(pos uint64) uint64 {
	if Index(pos) == 0 {
		return 0
	}
	return pos - 1
}

// RightAdjacent returns the position immediately to the right of pos at the
// same depth, or 0 (invalid) if pos is the rightmost position at its depth.
func RightAdjacent(pos uint64) uint64 {
	d := Depth(pos)
	if pos+1 >= uint64(1)<<uint(d) {
		return 0
	}
	return pos + 1
}

// Valid reports whether pos is a valid, addressable tree position.
func (t *Tree) Valid(pos uint64) bool {
	return pos >= 1 && pos < t.UpperPosBound()
}

// LeftmostChild returns the leftmost leaf position.
func (t *Tree) LeftmostChild() uint64 { return uint64(1) << uint(t.order-1) }

// RightmostChild returns the rightmost leaf position.
func (t *Tree) RightmostChild() uint64 { return t.UpperPosBound() - 1 }

// Interval returns the [from, to] leaf positions spanned by pos.
func (t *Tree) Interval(pos uint64) (from, to uint64) {
	d := Depth(pos)
	leavesPerNode := uint64(1) << uint(t.order-d)
	leafStart := Index(pos) * leavesPerNode
	base := t.LeftmostChild()
	return base + leafStart, base + leafStart + leavesPerNode - 1
}

// IntervalContains reports whether inner's leaf span is contained in
// outer's.
func (t *Tree) IntervalContains(outer, inner uint64) bool {
	of, ot := t.Interval(outer)
	iff, it := t.Interval(inner)
	return of <= iff && it <= ot
}

// --- status, mark, release ---

// Status returns the value stored at pos: the order of the largest
// entirely-free subtree beneath pos, or 0 if pos is fully allocated.
func (t *Tree) Status(pos uint64) int {
	d := Depth(pos)
	off := t.offset[d] + int(Index(pos))*t.width[d]
	return int(t.bits.ReadField(off, t.width[d]))
}

func (t *Tree) setStatus(pos uint64, v int) {
	d := Depth(pos)
	off := t.offset[d] + int(Index(pos))*t.width[d]
	t.bits.WriteField(off, t.width[d], uint64(v))
}

// Mark records pos as allocated (status 0) and propagates the change to
// the root.
func (t *Tree) Mark(pos uint64) {
	t.setStatus(pos, 0)
	t.updateParentChain(pos)
}

// Release records pos as entirely free (status MaxValueAt(depth(pos))) and
// propagates the change to the root.
func (t *Tree) Release(pos uint64) {
	t.setStatus(pos, t.MaxValueAt(Depth(pos)))
	t.updateParentChain(pos)
}

// updateParentChain walks from pos to the root recomputing each ancestor's
// status from its two children. It stops as soon as a recomputed value
// matches what's already stored -- the early-exit that bounds the walk's
// cost in practice, not just its O(order) worst case.
func (t *Tree) updateParentChain(pos uint64) {
	for pos != Root() {
		pos = Parent(pos)
		l := t.Status(LeftChild(pos))
		r := t.Status(RightChild(pos))
		v := 0
		if l != 0 || r != 0 {
			v = l
			if r < v {
				v = r
			}
			v++
		}
		if v == t.Status(pos) {
			return
		}
		t.setStatus(pos, v)
	}
}

// --- find-free ---

// FindFree returns a position at targetDepth whose subtree is entirely
// free, preferring the leftmost such position, or 0 if none exists.
// Iterative, bounded by order steps.
func (t *Tree) FindFree(targetDepth int) uint64 {
	if targetDepth < 1 || targetDepth > t.order {
		return 0
	}
	pos := Root()
	for {
		d := Depth(pos)
		s := t.Status(pos)
		if s == 0 {
			return 0
		}
		if d == targetDepth {
			if s == t.MaxValueAt(d) {
				return pos
			}
			return 0
		}
		left := LeftChild(pos)
		if t.satisfiable(left, targetDepth) {
			pos = left
			continue
		}
		right := RightChild(pos)
		if t.satisfiable(right, targetDepth) {
			pos = right
			continue
		}
		return 0
	}
}

func (t *Tree) satisfiable(pos uint64, targetDepth int) bool {
	s := t.Status(pos)
	if s == 0 {
		return false
	}
	d := Depth(pos)
	if d == targetDepth {
		return s == t.MaxValueAt(d)
	}
	return true
}

// --- resize ---

// CanShrink reports whether the tree can lose its highest order: the right
// subtree of the root must be entirely free, and the root itself must not be
// fully allocated.
func (t *Tree) CanShrink() bool {
	if t.order <= 1 {
		return false
	}
	return t.Status(Root()) != 0 && t.Status(RightChild(Root())) == t.MaxValueAt(2)
}

// GrowInto builds a tree of order+1 into dst (which must have at least
// SizeOf(order+1) bytes) by making the current tree its left subtree and
// filling the new right subtree with fresh, entirely-free nodes. dst may
// not overlap t's own backing buffer.
func (t *Tree) GrowInto(dst []byte) (*Tree, error) {
	newOrder := t.order + 1
	need := SizeOf(newOrder)
	if need == 0 {
		return nil, fmt.Errorf("buddytree: order overflow growing from %d", t.order)
	}
	if len(dst) < need {
		return nil, fmt.Errorf("buddytree: grow destination too small: need %d, got %d", need, len(dst))
	}
	for i := range dst[:need] {
		dst[i] = 0
	}
	nt := open(dst[:need], newOrder)

	for d := 1; d <= t.order; d++ {
		count := uint64(1) << uint(d-1)
		freshVal := nt.MaxValueAt(d + 1)
		for idx := uint64(0); idx < count; idx++ {
			oldPos := (uint64(1) << uint(d-1)) + idx
			val := t.Status(oldPos)
			leftNewPos := (uint64(1) << uint(d)) + idx
			rightNewPos := (uint64(1) << uint(d)) + count + idx
			nt.setStatus(leftNewPos, val)
			nt.setStatus(rightNewPos, freshVal)
		}
	}
	l := nt.Status(LeftChild(Root()))
	r := nt.Status(RightChild(Root()))
	v := 0
	if l != 0 || r != 0 {
		v = l
		if r < v {
			v = r
		}
		v++
	}
	nt.setStatus(Root(), v)
	return nt, nil
}

// ShrinkInto builds a tree of order-1 into dst from the current tree's left
// subtree. Returns an error if CanShrink is false or dst is too small. dst
// may alias t's own backing buffer (shrink only ever needs a prefix of it).
func (t *Tree) ShrinkInto(dst []byte) (*Tree, error) {
	if !t.CanShrink() {
		return nil, fmt.Errorf("buddytree: tree cannot shrink from order %d", t.order)
	}
	newOrder := t.order - 1
	need := SizeOf(newOrder)
	if len(dst) < need {
		return nil, fmt.Errorf("buddytree: shrink destination too small: need %d, got %d", need, len(dst))
	}

	// Snapshot the surviving left subtree's values before zeroing dst, in
	// case dst aliases t's buffer.
	type kv struct {
		pos uint64
		val int
	}
	var vals []kv
	for d := 1; d <= newOrder; d++ {
		count := uint64(1) << uint(d-1)
		for idx := uint64(0); idx < count; idx++ {
			oldPos := (uint64(1) << uint(d)) + idx
			vals = append(vals, kv{pos: (uint64(1) << uint(d-1)) + idx, val: t.Status(oldPos)})
		}
	}

	for i := range dst[:need] {
		dst[i] = 0
	}
	nt := open(dst[:need], newOrder)
	for _, e := range vals {
		nt.setStatus(e.pos, e.val)
	}
	return nt, nil
}

// Reset wipes the tree back to a fresh, entirely-free state of the same
// order.
func (t *Tree) Reset() {
	for i := range t.buf[1:] {
		t.buf[1+i] = 0
	}
	for d := 1; d <= t.order; d++ {
		count := uint64(1) << uint(d-1)
		v := t.MaxValueAt(d)
		for idx := uint64(0); idx < count; idx++ {
			t.setStatus((uint64(1)<<uint(d-1))+idx, v)
		}
	}
}

// --- fragmentation & invariant ---

// Fragmentation returns a value in [0, 255]: 0 for an empty (entirely
// free) or full (fully allocated) tree, otherwise a value that grows
// as free space is held in many small maximal free blocks rather than one
// dominant one (a maximal free block is an entirely-free node whose parent
// is not itself entirely free).
//
// The metric is the largest maximal free block's share of total free
// space, squared and inverted: if that block holds all the free space the
// result is 0, and the result rises toward 255 as the largest block's
// share shrinks. The share is computed as a Q8 fixed-point fraction via
// integer division so the result is exact and platform-independent rather
// than dependent on floating-point rounding.
func (t *Tree) Fragmentation() int {
	var largest, totalFree uint64
	var blocks int
	t.walkMaximalFree(Root(), &largest, &totalFree, &blocks)
	if totalFree == 0 || blocks <= 1 {
		return 0
	}
	frac := (largest << 8) / totalFree  // Q8 fixed-point fraction in [0, 256]
	sq := (frac * frac) >> 8            // frac^2, still Q8
	return int((255*(256-sq) + 128) / 256)
}

func (t *Tree) walkMaximalFree(pos uint64, largest, totalFree *uint64, blocks *int) {
	d := Depth(pos)
	s := t.Status(pos)
	if s == 0 {
		return
	}
	if s == t.MaxValueAt(d) {
		size := uint64(1) << uint(s-1)
		if size > *largest {
			*largest = size
		}
		*totalFree += size
		*blocks++
		return
	}
	if d == t.order {
		return
	}
	t.walkMaximalFree(LeftChild(pos), largest, totalFree, blocks)
	t.walkMaximalFree(RightChild(pos), largest, totalFree, blocks)
}

// CheckInvariant reports whether every node in pos's subtree satisfies the
// parent-chain rule: status(node) == 0 when both children are 0, else
// min(status(left), status(right)) + 1. A node Mark targeted directly is
// also accepted: it holds 0 while both children keep their untouched,
// fully-free values. Used by tests, not by the hot alloc/free path.
func (t *Tree) CheckInvariant(pos uint64) bool {
	d := Depth(pos)
	if d == t.order {
		return true
	}
	l := t.Status(LeftChild(pos))
	r := t.Status(RightChild(pos))
	want := 0
	if l != 0 || r != 0 {
		want = l
		if r < want {
			want = r
		}
		want++
	}
	s := t.Status(pos)
	marked := s == 0 && l == t.MaxValueAt(d+1) && r == l
	if s != want && !marked {
		return false
	}
	return t.CheckInvariant(LeftChild(pos)) && t.CheckInvariant(RightChild(pos))
}

// Debug renders a depth-by-depth dump of every node's status, for test and
// troubleshooting use; its exact format is unspecified.
func (t *Tree) Debug() string {
	var b strings.Builder
	fmt.Fprintf(&b, "order=%d\n", t.order)
	for d := 1; d <= t.order; d++ {
		count := uint64(1) << uint(d-1)
		fmt.Fprintf(&b, "depth %d:", d)
		for idx := uint64(0); idx < count; idx++ {
			pos := (uint64(1) << uint(d-1)) + idx
			fmt.Fprintf(&b, " %d", t.Status(pos))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
