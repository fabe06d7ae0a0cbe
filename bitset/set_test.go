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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeOf(t *testing.T) {
	assert.Equal(t, 0, SizeOf(0))
	assert.Equal(t, 1, SizeOf(1))
	assert.Equal(t, 1, SizeOf(8))
	assert.Equal(t, 2, SizeOf(9))
	assert.Equal(t, 128, SizeOf(1024))
}

func TestSetClearFlipTest(t *testing.T) {
	s := New(make([]byte, SizeOf(64)))
	for i := 0; i < 64; i++ {
		assert.False(t, s.Test(i), "pos=%d", i)
	}

	s.Set(3)
	s.Set(40)
	assert.True(t, s.Test(3))
	assert.True(t, s.Test(40))
	assert.False(t, s.Test(4))

	s.Clear(3)
	assert.False(t, s.Test(3))

	s.Flip(5)
	assert.True(t, s.Test(5))
	s.Flip(5)
	assert.False(t, s.Test(5))
}

func TestSetRangeClearRange(t *testing.T) {
	s := New(make([]byte, SizeOf(32)))
	s.SetRange(4, 20)
	for i := 0; i < 32; i++ {
		want := i >= 4 && i <= 20
		assert.Equal(t, want, s.Test(i), "pos=%d", i)
	}

	s.ClearRange(8, 12)
	for i := 0; i < 32; i++ {
		want := i >= 4 && i <= 20 && (i < 8 || i > 12)
		assert.Equal(t, want, s.Test(i), "pos=%d", i)
	}
}

func TestRangeNoopWhenFromGreaterThanTo(t *testing.T) {
	s := New(make([]byte, SizeOf(16)))
	s.SetRange(10, 4)
	for i := 0; i < 16; i++ {
		assert.False(t, s.Test(i))
	}
}

func TestShiftRight(t *testing.T) {
	s := New(make([]byte, SizeOf(32)))
	s.SetRange(0, 3) // 1111 0000 ...
	s.ShiftRight(0, 8, 4)
	for i := 0; i < 32; i++ {
		want := i >= 4 && i <= 7
		assert.Equal(t, want, s.Test(i), "pos=%d", i)
	}
}

func TestShiftLeft(t *testing.T) {
	s := New(make([]byte, SizeOf(32)))
	s.SetRange(4, 7)
	s.ShiftLeft(4, 8, 4)
	for i := 0; i < 32; i++ {
		want := i >= 0 && i <= 3
		assert.Equal(t, want, s.Test(i), "pos=%d", i)
	}
}

func TestReadWriteField(t *testing.T) {
	s := New(make([]byte, SizeOf(64)))
	s.WriteField(0, 3, 5)
	assert.Equal(t, uint64(5), s.ReadField(0, 3))

	s.WriteField(10, 6, 42)
	assert.Equal(t, uint64(42), s.ReadField(10, 6))
	// untouched neighboring bits
	assert.Equal(t, uint64(5), s.ReadField(0, 3))

	s.WriteField(3, 4, 0)
	assert.Equal(t, uint64(0), s.ReadField(3, 4))
}

func TestDebug(t *testing.T) {
	s := New(make([]byte, SizeOf(16)))
	s.Set(0)
	s.Set(9)
	out := s.Debug(16)
	require.NotEmpty(t, out)
	assert.Contains(t, out, "1")
}
