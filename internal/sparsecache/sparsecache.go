// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package sparsecache is the LRU of whole chapter indexes for chapters
// that have aged out of the dense window, reachable only through a
// record name's "hook" entry in the volume index's sparse sub-index.
// Membership changes only inside a zone barrier,
// with zone zero as captain; searches against an admitted chapter run
// lock-free in every zone thread.
package sparsecache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dm-vdo/uds/internal/atomicext"
	"github.com/dm-vdo/uds/internal/chapterindex"
	"github.com/dm-vdo/uds/internal/namehash"
)

// deadChapter marks a cache slot holding no chapter.
const deadChapter = ^uint64(0)

// ChapterReader is the narrow surface the sparse cache needs to load a
// chapter's index pages, satisfied directly by *internal/volume.Volume
// without either package importing the other.
type ChapterReader interface {
	ReadIndexPages(zone int, virtualChapter, nonce uint64) (*chapterindex.ChapterIndex, error)
}

// entry is one cache slot. virtualChapter and ci change only inside the
// barrier critical section (a single writer, zone zero); every other
// zone observes a write strictly after the barrier's release channel
// closes, so no additional synchronization guards them. skipSearch and
// consecutiveMisses are touched by ordinary (non-barrier) searches
// running concurrently in different zone threads, so those two fields
// are atomics.
type entry struct {
	virtualChapter    uint64
	ci                *chapterindex.ChapterIndex
	skipSearch        atomic.Bool
	consecutiveMisses atomic.Int32
}

// Cache is the fixed-capacity sparse chapter-index cache.
type Cache struct {
	reader ChapterReader
	nonce  uint64

	entries       []entry
	searchLists   [][]int // per zone, slot indices, most-recently-admitted first; a search hit does not reorder it
	missThreshold int32

	zoneCount int
	mu        sync.Mutex // barrier round bookkeeping only
	arrived   int
	release   chan struct{}
}

// New builds a cache of capacity chapter-index slots, shared across
// zoneCount zones, reading chapters through reader.
func New(reader ChapterReader, nonce uint64, capacity, zoneCount int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		reader:    reader,
		nonce:     nonce,
		entries:   make([]entry, capacity),
		zoneCount: zoneCount,
		release:   make(chan struct{}),
	}
	// 20000/zone_count is the original engine's fixed skip-search
	// threshold; below one zone it degenerates to a single large value.
	c.missThreshold = int32(20000 / max(zoneCount, 1))

	c.searchLists = make([][]int, zoneCount)
	initial := make([]int, capacity)
	for i := range c.entries {
		c.entries[i].virtualChapter = deadChapter
		initial[i] = i
	}
	for z := range c.searchLists {
		list := make([]int, capacity)
		copy(list, initial)
		c.searchLists[z] = list
	}
	return c
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Contains reports whether virtualChapter is currently admitted, per
// zone's own view of the shared entry table. Read-only; safe to call
// from any zone concurrently with other zones' Contains/Search calls.
func (c *Cache) Contains(virtualChapter uint64) bool {
	for i := range c.entries {
		if c.entries[i].virtualChapter == virtualChapter {
			return true
		}
	}
	return false
}

// SearchResult is the outcome of a sparse-cache lookup.
type SearchResult struct {
	VirtualChapter uint64
	RecordPage     int
	Found          bool
}

// Search looks up name across zone's search list, honoring each entry's
// skip_search flag unless wantChapter/haveHint request a direct lookup
// of one specific chapter regardless of that flag.
func (c *Cache) Search(zone int, name namehash.Name, haveHint bool, wantChapter uint64) (SearchResult, error) {
	for _, slot := range c.searchLists[zone] {
		e := &c.entries[slot]
		if e.virtualChapter == deadChapter {
			continue
		}
		direct := haveHint && e.virtualChapter == wantChapter
		if !direct && e.skipSearch.Load() {
			continue
		}
		recordPage, found, err := e.ci.Lookup(name)
		if err != nil {
			return SearchResult{}, err
		}
		if zone == 0 {
			if found {
				e.consecutiveMisses.Store(0)
				e.skipSearch.Store(false)
			} else if e.consecutiveMisses.Add(1) > c.missThreshold {
				e.skipSearch.Store(true)
			}
		}
		if found {
			return SearchResult{VirtualChapter: e.virtualChapter, RecordPage: recordPage, Found: true}, nil
		}
		if direct {
			break
		}
	}
	return SearchResult{}, nil
}

// Update admits virtualChapter into the cache via the barrier protocol:
// every zone (0..zoneCount-1) must call Update with the same
// virtualChapter for one barrier round to complete; zone zero performs
// the actual admission while every other zone blocks, then all zones
// observe the refreshed search list.
func (c *Cache) Update(zone int, virtualChapter uint64) error {
	c.mu.Lock()
	release := c.release
	c.arrived++
	c.mu.Unlock()

	if zone != 0 {
		<-release
		c.searchLists[zone] = append([]int(nil), c.searchLists[0]...)
		return nil
	}

	for {
		c.mu.Lock()
		n := c.arrived
		c.mu.Unlock()
		if n == c.zoneCount {
			break
		}
		atomicext.Pause()
		runtime.Gosched()
	}

	err := c.admit(virtualChapter)

	c.mu.Lock()
	c.arrived = 0
	old := c.release
	c.release = make(chan struct{})
	c.mu.Unlock()
	close(old)

	return err
}

// admit runs only on zone zero, inside the barrier critical section: it
// sinks dead and skip-search entries to the tail of zone zero's search
// list, then either promotes an already-present chapter to the front or
// evicts the new tail (the least-recently-used, least-useful entry) and
// loads virtualChapter into its place.
func (c *Cache) admit(virtualChapter uint64) error {
	list := c.searchLists[0]
	sinkStaleToTail(c.entries, list)

	for i, slot := range list {
		if c.entries[slot].virtualChapter == virtualChapter {
			promoteToFront(list, i)
			c.searchLists[0] = list
			return nil
		}
	}

	victim := list[len(list)-1]
	ci, err := c.reader.ReadIndexPages(0, virtualChapter, c.nonce)
	if err != nil {
		return err
	}
	c.entries[victim] = entry{virtualChapter: virtualChapter, ci: ci}
	promoteToFront(list, len(list)-1)
	c.searchLists[0] = list
	return nil
}

func sinkStaleToTail(entries []entry, list []int) {
	live := list[:0:len(list)]
	var stale []int
	for _, slot := range list {
		if entries[slot].virtualChapter == deadChapter || entries[slot].skipSearch.Load() {
			stale = append(stale, slot)
		} else {
			live = append(live, slot)
		}
	}
	copy(list, append(live, stale...))
}

func promoteToFront(list []int, i int) {
	slot := list[i]
	copy(list[1:i+1], list[0:i])
	list[0] = slot
}
