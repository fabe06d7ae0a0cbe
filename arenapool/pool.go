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

// Package arenapool recycles the fixed-size byte arenas buddyalloc.Allocator
// manages, for callers who spin up and tear down many short-lived
// allocators rather than keeping one around for a process's lifetime.
//
// buddyalloc itself never imports this package -- every constructor there
// takes a plain []byte -- so using a pooled arena is opt-in, not a
// dependency of the core allocator.
package arenapool

import (
	"math/bits"
	"sync"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/buddyalloc/internal/ptrutil"
)

const (
	minArenaSize = 4 << 10 // 4KB
	maxArenaSize = 1 << 30 // 1GB
	footerLen    = 8       // [8]byte magic trailer, mirrors mempool's footer-not-header design
	footerMagic  = uint64(0xBADC0DEBADC0DEC0)
	footerIndexMask = uint64(0x3F)
)

type sizeClass struct {
	sync.Pool
	size int
}

var (
	classes    []*sizeClass
	size2class [64]int
)

func init() {
	i := 0
	for sz := minArenaSize; sz <= maxArenaSize; sz <<= 1 {
		c := &sizeClass{size: sz}
		capturedSize := sz
		c.New = func() interface{} {
			// reslice to an exact, self-imposed cap: mcache's own size
			// classing may round capturedSize up internally, but Put's
			// pool-index lookup depends on cap(buf) matching this class's
			// declared size exactly.
			b := mcache.Malloc(0, capturedSize)[:capturedSize:capturedSize]
			return &b
		}
		classes = append(classes, c)
		size2class[bits.Len(uint(sz))] = i
		i++
	}
}

func classIndex(size int) int {
	if size <= minArenaSize {
		return 0
	}
	i := size2class[bits.Len(uint(size))]
	if uint(size)&(uint(size)-1) == 0 {
		return i
	}
	return i + 1
}

// Get returns an arena of at least size usable bytes, plus enough trailing
// headroom (the size class's full width) for a later buddyalloc.Resize to
// grow into without the allocator needing to request fresh memory itself.
// The returned slice is NOT zeroed.
func Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	idx := classIndex(size)
	if idx >= len(classes) {
		return dirtmake.Bytes(size, size+footerLen)
	}
	c := classes[idx]
	bp := c.Get().(*[]byte)
	buf := *bp
	if cap(buf) < c.size {
		// grow-on-miss: the pooled slice was returned to a smaller class by
		// a prior Put with a shrunk len, or came from a cold New with a
		// size that changed since; refill without mcache's zero-fill.
		buf = dirtmake.Bytes(c.size, c.size)
	}
	stampFooter(buf, idx)
	return buf[:size]
}

// Put returns an arena previously obtained from Get back to its pool. It is
// a silent no-op for a slice not obtained from Get (or one whose footer was
// corrupted), the same hardened-against-caller-error posture buddyalloc
// itself takes on Free.
func Put(buf []byte) {
	c := cap(buf)
	if c < minArenaSize || c > maxArenaSize || c&(c-1) != 0 {
		return
	}
	idx, ok := readFooter(buf, c)
	if !ok || idx < 0 || idx >= len(classes) || classes[idx].size != c {
		return
	}
	full := buf[:c]
	classes[idx].Put(&full)
}

func stampFooter(buf []byte, idx int) {
	full := buf[:cap(buf)]
	footerOff := len(full) - footerLen
	val := footerMagic | uint64(idx)
	for i := 0; i < footerLen; i++ {
		full[footerOff+i] = byte(val >> (8 * i))
	}
}

func readFooter(buf []byte, c int) (int, bool) {
	if c < footerLen {
		return 0, false
	}
	full := buf[:c]
	footerOff := c - footerLen
	var val uint64
	for i := 0; i < footerLen; i++ {
		val |= uint64(full[footerOff+i]) << (8 * i)
	}
	if val&^footerIndexMask != footerMagic {
		return 0, false
	}
	return int(val & footerIndexMask), true
}

// DataPointer exposes ptrutil.DataPointer for tests and callers that need
// to reason about a pooled arena's address without a bounds-checked index
// expression (e.g. when it's been resliced to length 0 elsewhere).
func DataPointer(b []byte) uintptr {
	return ptrutil.DataPointer(b)
}
