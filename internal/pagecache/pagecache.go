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

// Package pagecache caches physical volume pages read from
// internal/blockdev behind a clock-LRU slot array, coalescing concurrent
// misses on the same page into a single read and letting each zone
// search a cached page without holding a lock.
package pagecache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dm-vdo/uds/internal/atomicext"
	"github.com/dm-vdo/uds/internal/blockdev"
	"github.com/dm-vdo/uds/internal/geometry"
)

// slot holds one cached physical page. referenced is the clock bit;
// page/valid/data are guarded by readThreadsMutex for writes and by the
// slot's own RWMutex for the readers that only need the current bytes.
type slot struct {
	mu         sync.RWMutex
	page       int64
	valid      bool
	data       []byte
	referenced atomic.Bool
}

// request is one in-flight miss. Every zone that misses on the same page
// while a read is outstanding is appended to waiters instead of issuing a
// second read, the same coalescing dcache's reservation queue performs
// for concurrent readers of one segment.
type request struct {
	page    int64
	waiters []chan error
}

// Cache is a fixed-capacity cache of physical volume pages.
type Cache struct {
	dev *blockdev.Device
	geo geometry.Geometry

	// readThreadsMutex serializes every cache structural change (slot
	// install, eviction, pending-request bookkeeping). Zones never block
	// on it to search a page they already hold a reference to; they only
	// take it on a miss or to resolve a hit's slot index.
	readThreadsMutex sync.Mutex
	slots            []*slot
	index            map[int64]int
	clockHand        int
	pending          map[int64]*request

	// zoneState packs (physical page, pending-bit) per zone so a cache
	// update evicting a page can spin until every zone has stopped
	// reading it, without either side taking a lock.
	zoneState []atomic.Uint64

	work    chan int64
	wg      sync.WaitGroup
	closing chan struct{}

	hits   atomic.Int64
	misses atomic.Int64
}

const noPage = -1

func packZoneState(page int64, pending bool) uint64 {
	v := uint64(page+1) << 1
	if pending {
		v |= 1
	}
	return v
}

func unpackZoneState(v uint64) (page int64, pending bool) {
	return int64(v>>1) - 1, v&1 != 0
}

// New creates a cache of slotCount pages backed by dev, servicing misses
// with readerCount background reader threads.
func New(dev *blockdev.Device, geo geometry.Geometry, slotCount, readerCount, zoneCount int) *Cache {
	c := &Cache{
		dev:       dev,
		geo:       geo,
		slots:     make([]*slot, slotCount),
		index:     make(map[int64]int, slotCount),
		pending:   make(map[int64]*request),
		zoneState: make([]atomic.Uint64, zoneCount),
		work:      make(chan int64, slotCount),
		closing:   make(chan struct{}),
	}
	for i := range c.slots {
		c.slots[i] = &slot{page: noPage}
	}
	for i := range c.zoneState {
		c.zoneState[i].Store(packZoneState(noPage, false))
	}
	for i := 0; i < readerCount; i++ {
		c.wg.Add(1)
		go c.readerLoop()
	}
	return c
}

// Close stops the reader pool. Outstanding Get calls still complete.
func (c *Cache) Close() {
	close(c.work)
	c.wg.Wait()
}

// Hits and Misses report cumulative cache statistics.
func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }

// beginZoneRead records that zone is about to examine page without a
// lock, so a concurrent eviction of that page knows to wait.
func (c *Cache) beginZoneRead(zone int, page int64) {
	c.zoneState[zone].Store(packZoneState(page, true))
}

// endZoneRead clears zone's pending marker.
func (c *Cache) endZoneRead(zone int) {
	c.zoneState[zone].Store(packZoneState(noPage, false))
}

// waitForZonesClear spins until no zone is mid-read of victimPage. Called
// only while readThreadsMutex is held by the evicting path, matching the
// single cache-updating-thread discipline: other structural changes are
// already excluded by the mutex, so only the lock-free zone readers need
// to be waited out.
func (c *Cache) waitForZonesClear(victimPage int64) {
	for i := range c.zoneState {
		for {
			page, pending := unpackZoneState(c.zoneState[i].Load())
			if !pending || page != victimPage {
				break
			}
			atomicext.Pause()
			runtime.Gosched()
		}
	}
}

// Get returns the bytes of physical page, reading through to dev on a
// miss. zone identifies the caller for the invalidate-counter protocol;
// callers outside a zoned search path (e.g. rebuild scans) may pass any
// stable zone index reserved for sequential access.
func (c *Cache) Get(zone int, page int64) ([]byte, error) {
	c.beginZoneRead(zone, page)
	defer c.endZoneRead(zone)

	c.readThreadsMutex.Lock()
	if idx, ok := c.index[page]; ok {
		s := c.slots[idx]
		s.referenced.Store(true)
		c.readThreadsMutex.Unlock()
		c.hits.Add(1)
		s.mu.RLock()
		data := s.data
		s.mu.RUnlock()
		return data, nil
	}

	if req, ok := c.pending[page]; ok {
		ch := make(chan error, 1)
		req.waiters = append(req.waiters, ch)
		c.readThreadsMutex.Unlock()
		if err := <-ch; err != nil {
			return nil, err
		}
		return c.dataFor(page)
	}

	ch := make(chan error, 1)
	c.pending[page] = &request{page: page, waiters: []chan error{ch}}
	c.readThreadsMutex.Unlock()

	c.misses.Add(1)
	c.work <- page
	if err := <-ch; err != nil {
		return nil, err
	}
	return c.dataFor(page)
}

func (c *Cache) dataFor(page int64) ([]byte, error) {
	c.readThreadsMutex.Lock()
	idx, ok := c.index[page]
	c.readThreadsMutex.Unlock()
	if !ok {
		// Evicted again before the caller could read it; fall back to a
		// direct read rather than retrying the whole coalescing path.
		return c.read(page)
	}
	s := c.slots[idx]
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	return data, nil
}

func (c *Cache) read(page int64) ([]byte, error) {
	buf := make([]byte, c.geo.BytesPerPage)
	if _, err := c.dev.ReadAt(buf, page*int64(c.geo.BytesPerPage)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Cache) readerLoop() {
	defer c.wg.Done()
	for page := range c.work {
		data, err := c.read(page)

		c.readThreadsMutex.Lock()
		req := c.pending[page]
		delete(c.pending, page)
		if err == nil {
			c.install(page, data)
		}
		c.readThreadsMutex.Unlock()

		for _, w := range req.waiters {
			w <- err
		}
	}
}

// install places data for page into a slot, evicting a victim chosen by
// clock sweep if the cache is full. Must be called with readThreadsMutex
// held.
func (c *Cache) install(page int64, data []byte) {
	for {
		s := c.slots[c.clockHand]
		if !s.valid {
			s.mu.Lock()
			s.page, s.data, s.valid = page, data, true
			s.mu.Unlock()
			s.referenced.Store(true)
			c.index[page] = c.clockHand
			c.clockHand = (c.clockHand + 1) % len(c.slots)
			return
		}
		if s.referenced.Load() {
			s.referenced.Store(false)
			c.clockHand = (c.clockHand + 1) % len(c.slots)
			continue
		}

		victim := s.page
		victimSlot := c.clockHand
		c.clockHand = (c.clockHand + 1) % len(c.slots)
		c.waitForZonesClear(victim)

		delete(c.index, victim)
		s.mu.Lock()
		s.page, s.data = page, data
		s.mu.Unlock()
		s.referenced.Store(true)
		c.index[page] = victimSlot
		return
	}
}
