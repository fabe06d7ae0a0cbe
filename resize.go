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
)

// Resize changes the arena managed by a to newSize bytes in place, without
// allocating a new arena or metadata buffer. Growing or shrinking the tree
// order needs extra metadata bytes; the allocator never allocates them
// itself, so it draws on whatever slack the caller left beyond the buffers it
// was originally given -- cap(main) in embedded mode, cap(meta) in standard
// mode. Growing does take a temporary heap copy of the old tree to grow from.
// Resize fails with an error, leaving a untouched, if that slack isn't
// enough.
//
// Shrinking additionally requires the upper half of the arena (the part
// being dropped) to be entirely free; Resize refuses otherwise rather than
// silently invalidating live allocations.
func (a *Allocator) Resize(newSize int) error {
	if newSize <= 0 {
		return fmt.Errorf("buddyalloc: invalid resize target %d", newSize)
	}
	newOrder := computeOrder(newSize, a.alignment)
	if newOrder < 1 || newOrder > buddytree.MaxOrder {
		return fmt.Errorf("buddyalloc: resize target %d is out of range", newSize)
	}

	switch {
	case newOrder == a.tree.Order():
		return a.resizeSameOrder(newSize)
	case newOrder > a.tree.Order():
		return a.growTo(newSize, newOrder)
	default:
		return a.shrinkTo(newSize, newOrder)
	}
}

// resizeSameOrder handles a newSize that still maps to the same tree order:
// only the virtual-slot tail and the recorded memorySize change.
func (a *Allocator) resizeSameOrder(newSize int) error {
	a.toggleVirtualSlots(false)
	oldSize := a.memorySize
	a.memorySize = newSize
	if newSize < oldSize && !a.rangeFree(newSize, oldSize-newSize) {
		a.memorySize = oldSize
		a.toggleVirtualSlots(true)
		return fmt.Errorf("buddyalloc: cannot shrink to %d, live allocations in [%d, %d)", newSize, newSize, oldSize)
	}
	a.toggleVirtualSlots(true)
	a.persistMemorySize()
	return nil
}

func (a *Allocator) growTo(newSize, newOrder int) error {
	needMeta := metaSizeForOrder(newOrder)

	if a.mode == ModeEmbedded {
		needOff := newSize
		totalNeed := needOff + needMeta
		if cap(a.main) < totalNeed {
			return fmt.Errorf("buddyalloc: arena has no headroom to grow metadata: need %d bytes total, have %d", totalNeed, cap(a.main))
		}
	} else {
		if cap(a.meta) < needMeta {
			return fmt.Errorf("buddyalloc: metadata buffer has no headroom to grow: need %d, have %d", needMeta, cap(a.meta))
		}
		if cap(a.main) < newSize {
			return fmt.Errorf("buddyalloc: arena buffer has no headroom to grow: need %d, have %d", newSize, cap(a.main))
		}
	}

	// Clear the old virtual-slot padding while the tree is still at its old
	// order, then snapshot: the new metadata region starts at the same
	// address as (embedded) or overlaps (standard, same underlying array)
	// the old one, which GrowInto's no-overlap contract forbids against a
	// live source.
	a.toggleVirtualSlots(false)
	snapshot := append([]byte(nil), a.tree.Bytes()...)
	srcTree, err := buddytree.Open(snapshot)
	if err != nil {
		a.toggleVirtualSlots(true)
		return err
	}

	if a.mode == ModeEmbedded {
		needOff := newSize
		totalNeed := needOff + needMeta
		full := a.main[:totalNeed:totalNeed]
		newMeta := full[needOff : needOff+needMeta]
		for i := range newMeta {
			newMeta[i] = 0
		}
		newTree, gerr := srcTree.GrowInto(newMeta[headerSize:])
		if gerr != nil {
			a.toggleVirtualSlots(true)
			return gerr
		}
		embedOffset := -needOff
		writeHeader(newMeta, ModeEmbedded, newSize, a.alignment, embedOffset)

		a.meta = newMeta
		a.main = full[:needOff]
		a.embedOffset = embedOffset
		a.tree = newTree
	} else {
		full := a.meta[:needMeta:needMeta]
		for i := range full {
			full[i] = 0
		}
		newTree, gerr := srcTree.GrowInto(full[headerSize:])
		if gerr != nil {
			a.toggleVirtualSlots(true)
			return gerr
		}
		a.meta = full
		a.main = a.main[:newSize:cap(a.main)]
		a.tree = newTree
	}

	a.memorySize = newSize
	a.persistMemorySize()
	a.toggleVirtualSlots(true)
	return nil
}

func (a *Allocator) shrinkTo(newSize, newOrder int) error {
	a.toggleVirtualSlots(false)
	if !a.tree.CanShrink() {
		a.toggleVirtualSlots(true)
		return fmt.Errorf("buddyalloc: right half of arena is not free, cannot shrink")
	}
	if newSize < a.memorySize && !a.rangeFree(newSize, a.memorySize-newSize) {
		a.toggleVirtualSlots(true)
		return fmt.Errorf("buddyalloc: cannot shrink to %d, live allocations above that offset", newSize)
	}

	needMeta := metaSizeForOrder(newOrder)
	var newTree *buddytree.Tree
	var err error
	if a.mode == ModeEmbedded {
		newOff := newSize
		full := a.main[:newOff+needMeta]
		newTree, err = a.tree.ShrinkInto(full[newOff+headerSize : newOff+needMeta])
		if err != nil {
			a.toggleVirtualSlots(true)
			return err
		}
		embedOffset := -newOff
		writeHeader(full[newOff:newOff+needMeta], ModeEmbedded, newSize, a.alignment, embedOffset)
		a.meta = full[newOff : newOff+needMeta]
		a.main = full[:newOff]
		a.embedOffset = embedOffset
		a.tree = newTree
	} else {
		newTree, err = a.tree.ShrinkInto(a.meta[headerSize:needMeta])
		if err != nil {
			a.toggleVirtualSlots(true)
			return err
		}
		a.meta = a.meta[:needMeta]
		a.main = a.main[:newSize]
		a.tree = newTree
	}

	a.memorySize = newSize
	a.persistMemorySize()
	a.toggleVirtualSlots(true)
	return nil
}

func (a *Allocator) persistMemorySize() {
	writeHeader(a.meta, a.mode, a.memorySize, a.alignment, a.embedOffset)
}

// rangeFree reports whether [offset, offset+length) is entirely unallocated.
func (a *Allocator) rangeFree(offset, length int) bool {
	if length <= 0 {
		return true
	}
	loLeaf := a.tree.LeftmostChild() + uint64(offset/a.alignment)
	hiLeaf := a.tree.LeftmostChild() + uint64(ceilDiv(offset+length, a.alignment))
	return a.subtreeFree(buddytree.Root(), loLeaf, hiLeaf)
}

func (a *Allocator) subtreeFree(pos, loLeaf, hiLeaf uint64) bool {
	from, to := a.tree.Interval(pos)
	if to < loLeaf || from >= hiLeaf {
		return true
	}
	d := buddytree.Depth(pos)
	s := a.tree.Status(pos)
	if s == a.tree.MaxValueAt(d) {
		return true
	}
	if s == 0 || d == a.tree.Order() {
		return false
	}
	return a.subtreeFree(buddytree.LeftChild(pos), loLeaf, hiLeaf) &&
		a.subtreeFree(buddytree.RightChild(pos), loLeaf, hiLeaf)
}
