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

// Package buddyalloc is a single-threaded binary buddy allocator over a
// caller-provided byte arena. It carves the arena into power-of-two slots
// tracked by a buddytree.Tree and hands out variable-sized allocations with
// bounded-time malloc/free, no dependence on the system heap, and no
// internal locking.
//
// The allocator keeps no absolute pointers in its own state: everything it
// remembers about an arena is either a plain size/alignment value or a
// signed offset. That makes an allocator's metadata block -- standalone
// (standard mode) or embedded at the tail of the arena it manages (embedded
// mode) -- byte-wise relocatable, the same property buddytree.Tree and
// bitset.Set rely on.
package buddyalloc

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/cloudwego/buddyalloc/bitset"
	"github.com/cloudwego/buddyalloc/buddytree"
	"github.com/cloudwego/buddyalloc/internal/ptrutil"
)

// Mode distinguishes where an Allocator's own metadata lives relative to the
// arena it manages.
type Mode byte

const (
	// ModeStandard keeps metadata in a separate, caller-supplied buffer.
	ModeStandard Mode = iota
	// ModeEmbedded places metadata at the high end of the arena itself, so
	// the whole arena is self-describing and relocatable as one unit.
	ModeEmbedded
)

func (m Mode) String() string {
	if m == ModeEmbedded {
		return "embedded"
	}
	return "standard"
}

// NaturalAlignment is the default slot alignment: the size of a pointer on
// the host architecture.
const NaturalAlignment = int(unsafe.Sizeof(uintptr(0)))

// header layout within the metadata block, byte offsets. Everything here is
// a plain value or a signed offset, never an absolute pointer, so the block
// survives a byte-wise copy to a new location.
const (
	headerModeOff  = 0
	headerMemOff   = 1  // 8 bytes, little-endian memorySize
	headerAlignOff = 9  // 8 bytes, little-endian alignment
	headerRelocOff = 17 // 8 bytes, little-endian signed embedOffset
	headerSize     = 25
)

// Allocator is a handle onto buddy-allocator state stored in a caller-owned
// metadata block, managing allocations from a caller-owned arena.
type Allocator struct {
	meta        []byte // header + inline buddytree.Tree
	main        []byte // the arena (excludes metadata, even in embedded mode)
	memorySize  int
	alignment   int
	mode        Mode
	embedOffset int // embedded mode only: arena base address = meta address + embedOffset
	tree        *buddytree.Tree
}

func writeHeader(meta []byte, mode Mode, memorySize, alignment, embedOffset int) {
	meta[headerModeOff] = byte(mode)
	binary.LittleEndian.PutUint64(meta[headerMemOff:], uint64(memorySize))
	binary.LittleEndian.PutUint64(meta[headerAlignOff:], uint64(alignment))
	binary.LittleEndian.PutUint64(meta[headerRelocOff:], uint64(int64(embedOffset)))
}

func readHeader(meta []byte) (mode Mode, memorySize, alignment, embedOffset int) {
	mode = Mode(meta[headerModeOff])
	memorySize = int(binary.LittleEndian.Uint64(meta[headerMemOff:]))
	alignment = int(binary.LittleEndian.Uint64(meta[headerAlignOff:]))
	embedOffset = int(int64(binary.LittleEndian.Uint64(meta[headerRelocOff:])))
	return
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// computeOrder returns the buddy tree order whose leaf slot size equals
// alignment and whose leaf count is the smallest power of two able to cover
// size bytes.
func computeOrder(size, alignment int) int {
	units := ceilDiv(size, alignment)
	leaves := bitset.CeilingPowerOfTwo(uint64(units))
	return bitset.HighestBitPosition(leaves)
}

func metaSizeForOrder(order int) int {
	ts := buddytree.SizeOf(order)
	if ts == 0 {
		return 0
	}
	return headerSize + ts
}

// SizeOf returns the bytes of allocator metadata (header + tree) needed to
// manage an arena of memorySize bytes at NaturalAlignment. Returns 0 for
// invalid input.
func SizeOf(memorySize int) int {
	return SizeOfAlignment(memorySize, NaturalAlignment)
}

// SizeOfAlignment is SizeOf with an explicit slot alignment. Returns 0 when
// memorySize < alignment, alignment is not a power of two or zero, or the
// resulting tree order would overflow buddytree.MaxOrder.
func SizeOfAlignment(memorySize, alignment int) int {
	if memorySize <= 0 || alignment <= 0 || alignment&(alignment-1) != 0 {
		return 0
	}
	if memorySize < alignment {
		return 0
	}
	order := computeOrder(memorySize, alignment)
	if order < 1 || order > buddytree.MaxOrder {
		return 0
	}
	return metaSizeForOrder(order)
}

// Init places a fresh allocator in at, managing the arena main, both
// caller-owned buffers. at must have at least SizeOf(size) bytes and main at
// least size bytes.
func Init(at, main []byte, size int) (*Allocator, error) {
	return InitAlignment(at, main, size, NaturalAlignment)
}

// InitAlignment is Init with an explicit slot alignment.
func InitAlignment(at, main []byte, size, alignment int) (*Allocator, error) {
	need := SizeOfAlignment(size, alignment)
	if need == 0 {
		return nil, fmt.Errorf("buddyalloc: invalid size/alignment %d/%d", size, alignment)
	}
	if len(at) < need {
		return nil, fmt.Errorf("buddyalloc: metadata buffer too small: need %d, got %d", need, len(at))
	}
	if len(main) < size {
		return nil, fmt.Errorf("buddyalloc: arena smaller than requested size: need %d, got %d", size, len(main))
	}

	meta := at[:need]
	for i := range meta {
		meta[i] = 0
	}
	order := computeOrder(size, alignment)
	writeHeader(meta, ModeStandard, size, alignment, 0)
	tr, err := buddytree.Init(meta[headerSize:], order)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		meta:       meta,
		main:       main,
		memorySize: size,
		alignment:  alignment,
		mode:       ModeStandard,
		tree:       tr,
	}
	a.toggleVirtualSlots(true)
	return a, nil
}

// Embed places a fresh allocator at the high end of main, managing an arena
// of the requested size carved from main's front. len(main) must be at
// least size plus the metadata bytes SizeOf(size) needs; any additional
// slack in main beyond that is kept as headroom for a later order-changing
// Resize.
func Embed(main []byte, size int) (*Allocator, error) {
	return EmbedAlignment(main, size, NaturalAlignment)
}

// EmbedAlignment is Embed with an explicit slot alignment.
func EmbedAlignment(main []byte, size, alignment int) (*Allocator, error) {
	metaSize := SizeOfAlignment(size, alignment)
	if metaSize == 0 {
		return nil, fmt.Errorf("buddyalloc: invalid size/alignment %d/%d", size, alignment)
	}
	off := len(main) - metaSize
	off &^= NaturalAlignment - 1
	if off < size {
		return nil, fmt.Errorf("buddyalloc: arena too small to embed metadata: need %d bytes after a %d-byte arena, got %d total", metaSize, size, len(main))
	}

	meta := main[off : off+metaSize]
	for i := range meta {
		meta[i] = 0
	}
	order := computeOrder(size, alignment)
	embedOffset := -off
	writeHeader(meta, ModeEmbedded, size, alignment, embedOffset)
	tr, err := buddytree.Init(meta[headerSize:], order)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		meta:        meta,
		main:        main[:off],
		memorySize:  size,
		alignment:   alignment,
		mode:        ModeEmbedded,
		embedOffset: embedOffset,
		tree:        tr,
	}
	a.toggleVirtualSlots(true)
	return a, nil
}

// GetEmbedAt reconstructs an embedded allocator handle from a buffer
// previously populated by Embed, or relocated byte-for-byte from one -- the
// inverse of a raw copy, mirroring buddytree.Open's role for a Tree.
func GetEmbedAt(main []byte, size int) (*Allocator, error) {
	return GetEmbedAtAlignment(main, size, NaturalAlignment)
}

// GetEmbedAtAlignment is GetEmbedAt with an explicit slot alignment.
func GetEmbedAtAlignment(main []byte, size, alignment int) (*Allocator, error) {
	metaSize := SizeOfAlignment(size, alignment)
	if metaSize == 0 {
		return nil, fmt.Errorf("buddyalloc: invalid size/alignment %d/%d", size, alignment)
	}
	off := len(main) - metaSize
	off &^= NaturalAlignment - 1
	if off < size || off < 0 {
		return nil, fmt.Errorf("buddyalloc: buffer too small to hold an embedded allocator")
	}

	meta := main[off : off+metaSize]
	mode, memSize, align, embedOffset := readHeader(meta)
	if mode != ModeEmbedded || memSize != size || align != alignment {
		return nil, fmt.Errorf("buddyalloc: corrupt or mismatched embedded allocator header")
	}
	tr, err := buddytree.Open(meta[headerSize:])
	if err != nil {
		return nil, err
	}

	return &Allocator{
		meta:        meta,
		main:        main[:off],
		memorySize:  memSize,
		alignment:   align,
		mode:        mode,
		embedOffset: embedOffset,
		tree:        tr,
	}, nil
}

func (a *Allocator) effectiveSize() int {
	return a.alignment << uint(a.tree.Order()-1)
}

// slotSize returns the byte size of a slot at the given tree depth.
func (a *Allocator) slotSize(depth int) int {
	return a.alignment << uint(a.tree.Order()-depth)
}

// toggleVirtualSlots reserves (mark=true) or releases (mark=false) the
// minimal set of tree positions covering the tail region
// [memorySize, effectiveSize), the padding needed to round a non-power-of-two
// memorySize up to a perfect binary tree.
func (a *Allocator) toggleVirtualSlots(mark bool) {
	delta := a.effectiveSize() - a.memorySize
	if delta <= 0 {
		return
	}
	pos := buddytree.Root()
	remaining := delta
	for remaining > 0 {
		d := buddytree.Depth(pos)
		if d == a.tree.Order() {
			a.applyCoverage(pos, mark)
			return
		}
		subtreeSize := a.slotSize(d)
		half := subtreeSize / 2
		switch {
		case remaining == subtreeSize:
			a.applyCoverage(pos, mark)
			remaining = 0
		case remaining == half:
			a.applyCoverage(buddytree.RightChild(pos), mark)
			remaining = 0
		case remaining > half:
			a.applyCoverage(buddytree.RightChild(pos), mark)
			remaining -= half
			pos = buddytree.LeftChild(pos)
		default:
			pos = buddytree.RightChild(pos)
		}
	}
}

func (a *Allocator) applyCoverage(pos uint64, mark bool) {
	if mark {
		a.tree.Mark(pos)
	} else {
		a.tree.Release(pos)
	}
}

// depthForSize returns the deepest (smallest-slot) tree depth whose slot can
// still hold size bytes, the tightest fit available.
func (a *Allocator) depthForSize(size int) int {
	sEff := size
	if sEff < a.alignment {
		sEff = a.alignment
	}
	units := ceilDiv(sEff, a.alignment)
	leaves := bitset.CeilingPowerOfTwo(uint64(units))
	k := bitset.HighestBitPosition(leaves) - 1
	d := a.tree.Order() - k
	if d < 1 {
		d = 1
	}
	return d
}

func (a *Allocator) addressForPosition(pos uint64) uintptr {
	d := buddytree.Depth(pos)
	idx := buddytree.Index(pos)
	off := int(idx) * a.slotSize(d)
	return ptrutil.DataPointer(a.main) + uintptr(off)
}

// positionForAddress finds the tree position that owns addr, by walking
// from addr's leaf upward until it finds a position with status 0 -- the
// exact position a prior Mark targeted. Every position strictly between the
// leaf and that owner is guaranteed to still hold its untouched, fully-free
// value, because the buddy tree never marks inside an already-marked
// subtree; so the first 0 found walking up is unambiguous.
func (a *Allocator) positionForAddress(addr uintptr) (uint64, bool) {
	base := ptrutil.DataPointer(a.main)
	if addr < base {
		return 0, false
	}
	off := int(addr - base)
	if off < 0 || off >= a.memorySize || off%a.alignment != 0 {
		return 0, false
	}
	idx := uint64(off / a.alignment)
	pos := a.tree.LeftmostChild() + idx
	if !a.tree.Valid(pos) {
		return 0, false
	}
	for {
		if a.tree.Status(pos) == 0 {
			return pos, true
		}
		if pos == buddytree.Root() {
			return 0, false
		}
		pos = buddytree.Parent(pos)
	}
}

func mulOverflowCheck(n, size int) (int, bool) {
	if n < 0 || size < 0 {
		return 0, false
	}
	if n == 0 || size == 0 {
		return 0, true
	}
	total := n * size
	if total/n != size {
		return 0, false
	}
	return total, true
}
