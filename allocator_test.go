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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/buddyalloc/internal/ptrutil"
)

func newStandardAllocator(t *testing.T, size int) (*Allocator, []byte) {
	t.Helper()
	main := make([]byte, size)
	at := make([]byte, SizeOf(size))
	a, err := Init(at, main, size)
	require.NoError(t, err)
	return a, main
}

// offsetOfSlice returns slot's byte offset within main, the same value
// address_for_position/position_for_address reason about.
func offsetOfSlice(t *testing.T, a *Allocator, main, slot []byte) int {
	t.Helper()
	return ptrutil.OffsetOf(main, ptrutil.DataPointer(slot))
}

func TestSizeOfAlignmentInvalid(t *testing.T) {
	assert.Equal(t, 0, SizeOfAlignment(0, 8))
	assert.Equal(t, 0, SizeOfAlignment(100, 0))
	assert.Equal(t, 0, SizeOfAlignment(100, 3))
	assert.Equal(t, 0, SizeOfAlignment(4, 8))
}

func TestInitRejectsUndersizedBuffers(t *testing.T) {
	main := make([]byte, 4096)
	at := make([]byte, SizeOf(4096)-1)
	_, err := Init(at, main, 4096)
	assert.Error(t, err)

	at = make([]byte, SizeOf(4096))
	_, err = Init(at, main[:100], 4096)
	assert.Error(t, err)
}

// Scenario 1: basic split/merge (spec.md §8.1).
func TestScenarioBasicSplitMerge(t *testing.T) {
	a, main := newStandardAllocator(t, 4096)

	p1 := a.Malloc(2048)
	require.NotNil(t, p1)
	assert.Equal(t, 0, offsetOfSlice(t, a, main, p1))

	p2 := a.Malloc(2048)
	require.NotNil(t, p2)
	assert.Equal(t, 2048, offsetOfSlice(t, a, main, p2))

	p3 := a.Malloc(2048)
	assert.Nil(t, p3)

	a.Free(p1)
	a.Free(p2)

	p4 := a.Malloc(2048)
	require.NotNil(t, p4)
	assert.Equal(t, 0, offsetOfSlice(t, a, main, p4))
}

// Scenario 2: mixed depths (spec.md §8.2).
func TestScenarioMixedDepths(t *testing.T) {
	a, main := newStandardAllocator(t, 4096)

	p1 := a.Malloc(1024)
	require.NotNil(t, p1)
	assert.Equal(t, 0, offsetOfSlice(t, a, main, p1))

	p2 := a.Malloc(2048)
	require.NotNil(t, p2)
	assert.Equal(t, 2048, offsetOfSlice(t, a, main, p2))

	p3 := a.Malloc(1024)
	require.NotNil(t, p3)
	assert.Equal(t, 1024, offsetOfSlice(t, a, main, p3))

	p4 := a.Malloc(1024)
	assert.Nil(t, p4)
}

// Scenario 4: left-bias fragmentation (spec.md §8.4).
func TestScenarioLeftBiasFragmentation(t *testing.T) {
	a, _ := newStandardAllocator(t, 512)

	var slots [8][]byte
	for i := range slots {
		slots[i] = a.Malloc(64)
		require.NotNilf(t, slots[i], "slot %d", i)
	}

	for i := 0; i < 8; i += 2 {
		a.Free(slots[i])
	}

	assert.Nil(t, a.Malloc(256), "fragmented free space must not satisfy a 256-byte request")

	for i := 0; i < 4; i++ {
		require.NotNilf(t, a.Malloc(64), "refill %d", i)
	}
	assert.Nil(t, a.Malloc(64))
}

// Scenario 5: safe-free size mismatch leaves state untouched (spec.md §8.5).
func TestScenarioSafeFreeSizeMismatch(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p := a.Malloc(64)
	require.NotNil(t, p)
	before := append([]byte(nil), a.meta...)

	status := a.SafeFree(p, 128)
	assert.Equal(t, StatusSizeMismatch, status)
	assert.Equal(t, before, a.meta, "a failed safe_free must not mutate metadata")

	assert.Equal(t, StatusSuccess, a.SafeFree(p, 64))
	assert.Equal(t, StatusInvalidAddress, a.SafeFree(p, 64), "double safe_free must report invalid address")
}

func TestMallocZeroReturnsNonNilFreeableSlice(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p := a.Malloc(0)
	require.NotNil(t, p)
	assert.Len(t, p, 0)
	assert.False(t, a.IsEmpty())

	a.Free(p)
	assert.True(t, a.IsEmpty())
}

func TestCallocZeroOperands(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p := a.Calloc(0, 64)
	require.NotNil(t, p)
	assert.Len(t, p, 0)
	a.Free(p)

	p = a.Calloc(64, 0)
	require.NotNil(t, p)
	assert.Len(t, p, 0)
	a.Free(p)
}

func TestCallocZeroesMemory(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	p := a.Malloc(64)
	for i := range p {
		p[i] = 0xFF
	}
	a.Free(p)

	q := a.Calloc(8, 8)
	require.NotNil(t, q)
	for _, b := range q {
		assert.Equal(t, byte(0), b)
	}
}

func TestCallocOverflowReturnsNil(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	assert.Nil(t, a.Calloc(1<<62, 1<<62))
	assert.Nil(t, a.Calloc(-1, 8))
}

func TestReallocGrowShrinkAndSameDepth(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p := a.Malloc(64)
	require.NotNil(t, p)
	for i := range p {
		p[i] = byte(i)
	}

	same := a.Realloc(p, 60, false)
	require.NotNil(t, same)
	assert.Equal(t, p[:60], same[:60])

	grown := a.Realloc(same, 2048, false)
	require.NotNil(t, grown)
	for i := 0; i < 60; i++ {
		assert.Equal(t, byte(i), grown[i])
	}

	shrunk := a.Realloc(grown, 8, false)
	require.NotNil(t, shrunk)
	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(i), shrunk[i])
	}
}

func TestReallocNullAndZero(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p := a.Realloc(nil, 128, false)
	require.NotNil(t, p)
	assert.True(t, a.ArenaFreeSize() < a.memorySize)

	q := a.Realloc(p, 0, false)
	assert.Nil(t, q)
	assert.True(t, a.IsEmpty())
}

func TestReallocOutOfSpaceRestoresOriginal(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	p1 := a.Malloc(2048)
	p2 := a.Malloc(2048)
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	before := append([]byte(nil), a.meta...)
	grown := a.Realloc(p1, 4096, false)
	assert.Nil(t, grown)
	assert.Equal(t, before, a.meta, "a failed realloc must restore the original allocation")

	a.Free(p1)
	a.Free(p2)
}

func TestFreeIgnoresForeignAndDoubleFree(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	other := make([]byte, 64)

	assert.NotPanics(t, func() { a.Free(nil) })
	assert.NotPanics(t, func() { a.Free(other) })

	p := a.Malloc(64)
	require.NotNil(t, p)
	a.Free(p)
	assert.NotPanics(t, func() { a.Free(p) })
	assert.True(t, a.IsEmpty())
}

func TestReserveAndReleaseRange(t *testing.T) {
	a, main := newStandardAllocator(t, 4096)

	require.NoError(t, a.ReserveRange(0, 1024))
	p := a.Malloc(1024)
	require.NotNil(t, p, "space beyond the reserved region is still free")
	assert.Equal(t, 1024, offsetOfSlice(t, a, main, p), "the reserved region must not be handed out again")
	a.Free(p)

	require.NoError(t, a.UnsafeReleaseRange(0, 1024))
	q := a.Malloc(1024)
	require.NotNil(t, q, "released range must be allocatable again")
}

func TestReserveRangeRejectsMisaligned(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	err := a.ReserveRange(1, a.alignment)
	assert.Error(t, err)
}

func TestWalkVisitsEachAllocationOnce(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)

	p1 := a.Malloc(1024)
	p2 := a.Malloc(2048)
	p3 := a.Malloc(1024)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.NotNil(t, p3)

	seen := 0
	var totalBytes int
	a.Walk(func(slot []byte) interface{} {
		seen++
		totalBytes += len(slot)
		return nil
	})
	assert.Equal(t, 3, seen)
	assert.Equal(t, 4096, totalBytes)
}

func TestWalkCanAbortEarly(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	a.Malloc(1024)
	a.Malloc(1024)

	visited := 0
	result := a.Walk(func(slot []byte) interface{} {
		visited++
		return "stop"
	})
	assert.Equal(t, "stop", result)
	assert.Equal(t, 1, visited)
}

func TestWalkSkipsVirtualSlotPadding(t *testing.T) {
	a, _ := newStandardAllocator(t, 3840) // not a power of two: virtual slots at the tail

	for {
		if a.Malloc(64) == nil {
			break
		}
	}

	var total int
	a.Walk(func(slot []byte) interface{} {
		total += len(slot)
		return nil
	})
	assert.Equal(t, 3840, total, "walk must never surface virtual-slot padding as an allocation")
}

func TestVirtualSlotCapacity(t *testing.T) {
	a, _ := newStandardAllocator(t, 3840)

	count := 0
	for a.Malloc(64) != nil {
		count++
	}
	assert.Equal(t, 60, count)
}

func TestQueriesEmptyAndFull(t *testing.T) {
	a, _ := newStandardAllocator(t, 256)
	assert.True(t, a.IsEmpty())
	assert.False(t, a.IsFull())

	var ps [][]byte
	for {
		p := a.Malloc(a.alignment)
		if p == nil {
			break
		}
		ps = append(ps, p)
	}
	assert.True(t, a.IsFull())
	assert.False(t, a.IsEmpty())

	for _, p := range ps {
		a.Free(p)
	}
	assert.True(t, a.IsEmpty())
}

func TestArenaFreeSizeTracksAllocations(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	assert.Equal(t, 4096, a.ArenaFreeSize())

	p := a.Malloc(1024)
	require.NotNil(t, p)
	assert.Equal(t, 4096-len(p), a.ArenaFreeSize())

	a.Free(p)
	assert.Equal(t, 4096, a.ArenaFreeSize())
}

func TestStatsReflectsOccupancy(t *testing.T) {
	a, _ := newStandardAllocator(t, 256)

	p0 := a.Malloc(64)
	require.NotNil(t, p0)
	st := a.Stats()
	assert.Equal(t, 256, st.ArenaSize)
	assert.Equal(t, 1, st.LiveAllocations)
	assert.Equal(t, 64, st.UsedBytes)
	assert.Equal(t, 192, st.FreeBytes)
	assert.Equal(t, 143, a.Fragmentation())
}

// Scenario 6 (second fixture, spec.md §8.6): four 64-byte slots carved out
// of a 256-byte arena, with slots 0 and 2 freed, must report fragmentation
// 191.
func TestFragmentationAlternatingQuarters(t *testing.T) {
	a, _ := newStandardAllocator(t, 256)

	var slots [4][]byte
	for i := range slots {
		slots[i] = a.Malloc(64)
		require.NotNilf(t, slots[i], "slot %d", i)
	}

	a.Free(slots[0])
	a.Free(slots[2])

	assert.Equal(t, 191, a.Fragmentation())
}

func TestResizeNoOpOnEqualSize(t *testing.T) {
	a, _ := newStandardAllocator(t, 4096)
	p := a.Malloc(1024)
	require.NotNil(t, p)
	before := append([]byte(nil), a.meta...)

	require.NoError(t, a.Resize(4096))
	assert.Equal(t, before, a.meta)
}

func TestResizeSameOrderShrinkRefusesLiveTail(t *testing.T) {
	a, _ := newStandardAllocator(t, 8192)
	p1 := a.Malloc(4096) // occupies [0, 4096)
	p2 := a.Malloc(4096) // occupies [4096, 8192)
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	// computeOrder(5000) == computeOrder(8192) at natural alignment, so this
	// only changes virtual slots -- but the dropped tail [5000, 8192) still
	// overlaps p2.
	err := a.Resize(5000)
	assert.Error(t, err, "shrinking into a live allocation's region must fail")
}

func TestResizeGrowsOrderWithHeadroom(t *testing.T) {
	const oldSize = 4096
	meta := make([]byte, SizeOf(8192))
	main := make([]byte, oldSize, 8192)
	a, err := Init(meta[:SizeOf(oldSize)], main, oldSize)
	require.NoError(t, err)

	p := a.Malloc(1024)
	require.NotNil(t, p)

	require.NoError(t, a.Resize(8192))
	assert.Equal(t, 8192, a.ArenaSize())

	q := a.Malloc(4096)
	assert.NotNil(t, q, "the grown half of the arena must be usable")
}

func TestResizeShrinksOrderWhenRightHalfFree(t *testing.T) {
	meta := make([]byte, SizeOf(8192))
	main := make([]byte, 8192)
	a, err := Init(meta, main, 8192)
	require.NoError(t, err)

	p := a.Malloc(2048)
	require.NotNil(t, p)

	require.NoError(t, a.Resize(4096))
	assert.Equal(t, 4096, a.ArenaSize())
	assert.Nil(t, a.Malloc(4096), "post-shrink arena should have no room for another 4096-byte slot beyond what's already used")
}

func TestEmbeddedModeAndRelocation(t *testing.T) {
	size := 4096
	total := size + SizeOf(size)
	buf := make([]byte, total)

	a, err := Embed(buf, size)
	require.NoError(t, err)

	p := a.Malloc(1024)
	require.NotNil(t, p)
	p[0] = 0x42

	relocated := append([]byte(nil), buf...)
	b, err := GetEmbedAt(relocated, size)
	require.NoError(t, err)

	assert.Equal(t, a.ArenaFreeSize(), b.ArenaFreeSize())
	assert.False(t, b.IsEmpty())
	assert.Equal(t, byte(0x42), b.main[0], "relocated arena bytes must survive the copy")

	q := b.Malloc(1024)
	assert.NotNil(t, q, "the unallocated 3/4 of the relocated arena must still be usable")
}
