// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package tree

import (
	"os"
	"sync/atomic"

	"github.com/couchbase/go-slab"
	"github.com/edsrzf/mmap-go"
	"github.com/inmemdb/engine/internal/diag"
)

// pageAllocCount is process-wide, per spec.md §4.2 ("a per-process
// allocation counter tracks outstanding pages").
var pageAllocCount int64

func OutstandingPages() int64 { return atomic.LoadInt64(&pageAllocCount) }

// PageAllocator hands out fixed-size B+-tree pages from a shared slab
// (spec.md §4.2, §9). When backed by a file it grows the slab's raw
// chunks via mmap; otherwise chunks come straight from the Go heap.
// FailNext lets tests force MemoryIssue on the next allocation.
type PageAllocator struct {
	arena    *slab.Arena
	pageSize int
	backing  *os.File
	regions  []mmap.MMap
	FailNext bool
}

func NewPageAllocator(pageSize int, backingFile string) (*PageAllocator, error) {
	if pageSize <= 0 {
		pageSize = 8192
	}
	pa := &PageAllocator{pageSize: pageSize}

	if backingFile != "" {
		f, err := os.OpenFile(backingFile, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, diag.Wrap(diag.MemoryIssue, err, "opening page-slab backing file")
		}
		pa.backing = f
	}

	malloc := func(size int) []byte {
		if pa.backing == nil {
			return make([]byte, size)
		}
		off, err := pa.backing.Seek(0, os.SEEK_END)
		if err != nil {
			return make([]byte, size)
		}
		if err := pa.backing.Truncate(off + int64(size)); err != nil {
			return make([]byte, size)
		}
		region, err := mmap.MapRegion(pa.backing, size, mmap.RDWR, 0, off)
		if err != nil {
			return make([]byte, size)
		}
		pa.regions = append(pa.regions, region)
		return region
	}

	pa.arena = slab.NewArena(64, pageSize, 2.0, malloc)
	return pa, nil
}

// AllocPage returns a zeroed page-sized buffer, or MemoryIssue.
func (pa *PageAllocator) AllocPage() ([]byte, error) {
	if pa.FailNext {
		pa.FailNext = false
		return nil, diag.New(diag.MemoryIssue, "page allocation injected failure")
	}
	buf := pa.arena.Alloc(pa.pageSize)
	if buf == nil {
		return nil, diag.New(diag.MemoryIssue, "page slab exhausted")
	}
	for i := range buf {
		buf[i] = 0
	}
	atomic.AddInt64(&pageAllocCount, 1)
	return buf, nil
}

func (pa *PageAllocator) FreePage(buf []byte) {
	if buf == nil {
		return
	}
	pa.arena.DecRef(buf)
	atomic.AddInt64(&pageAllocCount, -1)
}

func (pa *PageAllocator) Close() error {
	for _, r := range pa.regions {
		r.Unmap()
	}
	if pa.backing != nil {
		return pa.backing.Close()
	}
	return nil
}
