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

// Package ptrutil holds the handful of unsafe pointer/offset conversions the
// allocator needs to address into a caller-owned arena without copying, in
// the same spirit as internal/hack's no-copy string/[]byte conversions.
package ptrutil

import "unsafe"

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// DataPointer returns the address of b's backing array, even when len(b) is
// 0 but cap(b) is not (unlike &b[0], which panics in that case). Adapted
// from internal/hack's no-copy string/[]byte header reinterpretation,
// repurposed here to recover an allocator slot's address regardless of how
// the caller resliced it (malloc(0) hands back a zero-length, positive-cap
// slice for exactly this reason).
func DataPointer(b []byte) uintptr {
	return (*sliceHeader)(unsafe.Pointer(&b)).Data
}

// OffsetOf returns addr's byte offset within arena, which may be negative or
// beyond len(arena) if addr does not actually point inside it -- callers are
// expected to bounds-check the result themselves.
func OffsetOf(arena []byte, addr uintptr) int {
	return int(addr - DataPointer(arena))
}

// AddressAt returns the address of arena[off] without a bounds-checked slice
// expression.
func AddressAt(arena []byte, off int) uintptr {
	return DataPointer(arena) + uintptr(off)
}

// SliceAt returns an n-byte view into arena starting at byte offset off,
// without copying. The caller is responsible for off+n staying in bounds.
func SliceAt(arena []byte, off, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&arena[0]), off)), n)
}
