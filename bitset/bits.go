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

// Package bitset provides the bit-level primitives that the buddy tree and
// allocator are built on: highest-bit/popcount/ceiling-power-of-two helpers
// and a byte-buffer-backed bitset supporting bit and bit-range operations.
package bitset

import "math/bits"

// HighestBitPosition returns the one-based index of the most significant
// set bit of x, or 0 when x is 0. HighestBitPosition(1) == 1.
func HighestBitPosition(x uint64) int {
	return bits.Len64(x)
}

// CeilingPowerOfTwo returns the smallest power of two >= x, or 1 when x == 0.
func CeilingPowerOfTwo(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return uint64(1) << bits.Len64(x-1)
}

// PopcountByte returns the population count of a single byte.
func PopcountByte(x byte) int {
	return bits.OnesCount8(x)
}

// BitsForMaxValue returns ceil(log2(maxValue+1)), the number of bits needed
// to represent every integer in [0, maxValue]. maxValue is always >= 1 for
// a valid buddy tree node (leaves carry maxValue == 1), so the result is
// always >= 1.
func BitsForMaxValue(maxValue int) int {
	if maxValue <= 0 {
		return 0
	}
	return bits.Len(uint(maxValue))
}
