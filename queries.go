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

// Stats is a point-in-time snapshot of an Allocator's occupancy, returned by
// Allocator.Stats for diagnostics and tests.
type Stats struct {
	ArenaSize       int
	FreeBytes       int
	UsedBytes       int
	LiveAllocations int
	Fragmentation   int
	Mode            Mode
	Alignment       int
}

// IsEmpty reports whether no bytes of the arena are currently allocated.
// Virtual-slot padding does not count as allocated.
func (a *Allocator) IsEmpty() bool {
	a.toggleVirtualSlots(false)
	empty := a.tree.Status(buddytree.Root()) == a.tree.MaxValueAt(1)
	a.toggleVirtualSlots(true)
	return empty
}

// IsFull reports whether no further allocation, of any size, would succeed.
func (a *Allocator) IsFull() bool {
	return a.tree.Status(buddytree.Root()) == 0
}

// CanShrink reports whether Resize could shrink the arena to half its
// current effective size without refusing for lack of free space; it does
// not account for headroom (cap) limits on a future grow.
func (a *Allocator) CanShrink() bool {
	a.toggleVirtualSlots(false)
	ok := a.tree.CanShrink()
	a.toggleVirtualSlots(true)
	return ok
}

// ArenaSize returns the arena size in bytes, as most recently set by
// Init/Embed/Resize.
func (a *Allocator) ArenaSize() int {
	return a.memorySize
}

// ArenaFreeSize returns the number of free bytes still available for
// allocation, excluding any virtual-slot padding beyond ArenaSize.
func (a *Allocator) ArenaFreeSize() int {
	return a.freeBytes(buddytree.Root())
}

func (a *Allocator) freeBytes(pos uint64) int {
	d := buddytree.Depth(pos)
	maxV := a.tree.MaxValueAt(d)
	s := a.tree.Status(pos)
	if s == maxV {
		return a.realBytesIn(pos)
	}
	if s == 0 || d == a.tree.Order() {
		return 0
	}
	return a.freeBytes(buddytree.LeftChild(pos)) + a.freeBytes(buddytree.RightChild(pos))
}

// realBytesIn returns how many of pos's slot bytes fall within
// [0, memorySize), excluding virtual-slot padding beyond the real arena.
func (a *Allocator) realBytesIn(pos uint64) int {
	d := buddytree.Depth(pos)
	size := a.slotSize(d)
	off := int(buddytree.Index(pos)) * size
	if off >= a.memorySize {
		return 0
	}
	if off+size > a.memorySize {
		return a.memorySize - off
	}
	return size
}

// Fragmentation returns a value in [0, 255] measuring how scattered the
// free space is: 0 means either entirely free or entirely full, 255 means
// maximally scattered across many small free blocks. See
// buddytree.Tree.Fragmentation for the underlying formula.
func (a *Allocator) Fragmentation() int {
	return a.tree.Fragmentation()
}

// Stats returns a snapshot of the allocator's current occupancy.
func (a *Allocator) Stats() Stats {
	free := a.ArenaFreeSize()
	count := 0
	a.Walk(func(slot []byte) interface{} {
		count++
		return nil
	})
	return Stats{
		ArenaSize:       a.memorySize,
		FreeBytes:       free,
		UsedBytes:       a.memorySize - free,
		LiveAllocations: count,
		Fragmentation:   a.Fragmentation(),
		Mode:            a.mode,
		Alignment:       a.alignment,
	}
}

// Debug returns a human-readable dump of the allocator's tree state, for use
// in tests and troubleshooting only -- its format is not stable API.
func (a *Allocator) Debug() string {
	return fmt.Sprintf("buddyalloc: mode=%s align=%d arenaSize=%d order=%d\n%s",
		a.mode, a.alignment, a.memorySize, a.tree.Order(), a.tree.Debug())
}
