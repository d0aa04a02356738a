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

// Package volumeindex implements the RAM top-level map from a record
// name's address prefix to the virtual chapter it last appeared in
// a dense sub-index covering the chapters still resident
// in the volume's circular log, and an optional sparse sub-index that
// holds only "hook" names, mirrored into it by Put at insertion time.
package volumeindex

import (
	"math/bits"
	"sync/atomic"

	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/openchapter"
	"github.com/dm-vdo/uds/internal/udserr"
)

// minListsPerZone is a sharding heuristic ensuring every zone owns
// enough delta lists to shard meaningfully, rather than a single list
// per zone.
const minListsPerZone = 64

// SubIndex identifies which of the two delta indexes a Record cursor is
// bound to.
type SubIndex int

const (
	Dense SubIndex = iota
	Sparse
)

// Record is the transient cursor object of a volume index record:
// bound to a specific delta-index entry, consumed by at most
// one of {Remove, SetChapter, Put}. No Record survives a call to
// SetOpenChapter on the same zone.
type Record struct {
	Name           namehash.Name
	Zone           int
	Sub            SubIndex
	Found          bool
	Collision      bool
	VirtualChapter uint64

	list      int
	remainder uint64
	cursor    deltaindex.Cursor
}

// Index is the RAM top-level name-to-chapter map, sharded into zones,
// each of which may be queried and mutated lock-free from its own
// thread.
type Index struct {
	geo        geometry.Geometry
	zoneCount  int
	sampleRate uint32
	listCount  int
	valueBits  int

	dense  *deltaindex.Index
	sparse *deltaindex.Index // nil when geo.IsSparse() is false

	newest       atomic.Int64 // -1 until the first chapter closes
	earlyFlushes atomic.Int64
}

// New builds an empty volume index for the given geometry and zone
// count, estimating a mean delta from the expected steady-state record
// population spread across the chosen list count.
func New(geo geometry.Geometry, zoneCount int) (*Index, error) {
	if zoneCount <= 0 {
		return nil, udserr.BadState
	}
	listCount := zoneCount * minListsPerZone
	valueBits := bits.Len(uint(geo.ChaptersPerVolume))
	if valueBits < 1 {
		valueBits = 1
	}

	totalRecords := geo.RecordsPerChapter() * geo.DenseChaptersPerVolume()
	meanDelta := meanDeltaFor(totalRecords, listCount)

	dense, err := deltaindex.Create(zoneCount, listCount, valueBits, meanDelta, 0)
	if err != nil {
		return nil, err
	}

	ix := &Index{
		geo: geo, zoneCount: zoneCount, sampleRate: geo.SparseSampleRate,
		listCount: listCount, valueBits: valueBits, dense: dense,
	}
	ix.newest.Store(-1)

	if geo.IsSparse() {
		sparseRecords := geo.RecordsPerChapter() * geo.SparseChaptersPerVolume
		if geo.SparseSampleRate > 1 {
			sparseRecords /= int(geo.SparseSampleRate)
		}
		sparseMean := meanDeltaFor(sparseRecords, listCount)
		sparse, err := deltaindex.Create(zoneCount, listCount, valueBits, sparseMean, 0)
		if err != nil {
			return nil, err
		}
		ix.sparse = sparse
	}
	return ix, nil
}

func meanDeltaFor(records, listCount int) uint64 {
	if records < 1 {
		records = 1
	}
	perList := records / listCount
	if perList < 1 {
		perList = 1
	}
	return uint64(1<<32) / uint64(perList*listCount)
}

// addressOf splits a name's 32-bit address into a list selector and the
// remainder stored as the delta key, mirroring internal/chapterindex's
// split so that zone/list ownership is derived consistently everywhere
// a name's address prefix is used to shard work.
func addressOf(name namehash.Name, listCount int) (list int, remainder uint64) {
	addr := namehash.AddressPrefix(name)
	return int(addr) % listCount, uint64(addr) / uint64(listCount)
}

// ZoneOf returns the zone a name's delta lists belong to.
func (ix *Index) ZoneOf(name namehash.Name) int {
	list, _ := addressOf(name, ix.listCount)
	return ix.dense.ZoneOf(list)
}

// IsSample reports whether name is a "hook" name eligible for the
// sparse sub-index.
func (ix *Index) IsSample(name namehash.Name) bool {
	return ix.geo.IsSparse() && namehash.IsHook(name, ix.sampleRate)
}

// encodeChapter packs a virtual chapter number down to its
// chapters-per-volume congruence class, the compact
// virtual-chapter-mod-N storage form.
func (ix *Index) encodeChapter(v uint64) uint64 {
	return v % uint64(ix.geo.ChaptersPerVolume)
}

// decodeChapter recovers the unique virtual chapter number in
// [newest-chaptersPerVolume+1, newest] congruent to the stored mod
// value, given the index's current newest open chapter.
func (ix *Index) decodeChapter(mod uint64, newest int64) uint64 {
	if newest < 0 {
		return mod
	}
	n := int64(ix.geo.ChaptersPerVolume)
	diff := (newest - int64(mod)) % n
	if diff < 0 {
		diff += n
	}
	return uint64(newest - diff)
}

// Lookup positions a Record cursor for name: found in the dense
// sub-index, else (for hook names, when the sparse sub-index exists)
// found in the sparse sub-index, else unfound and bound to the dense
// sub-index (the implicit insertion target for Put).
func (ix *Index) Lookup(name namehash.Name) (Record, error) {
	list, remainder := addressOf(name, ix.listCount)
	zone := ix.dense.ZoneOf(list)
	fullName := [16]byte(name)

	c, err := ix.dense.Lookup(list, remainder, &fullName)
	if err != nil {
		return Record{}, err
	}
	if c.Found {
		return ix.foundRecord(name, zone, Dense, list, remainder, c), nil
	}

	if ix.sparse != nil && ix.IsSample(name) {
		sc, err := ix.sparse.Lookup(list, remainder, &fullName)
		if err != nil {
			return Record{}, err
		}
		if sc.Found {
			return ix.foundRecord(name, zone, Sparse, list, remainder, sc), nil
		}
	}

	return Record{
		Name: name, Zone: zone, Sub: Dense, Found: false,
		list: list, remainder: remainder, cursor: c,
	}, nil
}

func (ix *Index) foundRecord(name namehash.Name, zone int, sub SubIndex, list int, remainder uint64, c deltaindex.Cursor) Record {
	entry := c.Entry()
	newest := ix.newest.Load()
	return Record{
		Name: name, Zone: zone, Sub: sub, Found: true, Collision: entry.Collision,
		VirtualChapter: ix.decodeChapter(entry.Value, newest),
		list:           list, remainder: remainder, cursor: c,
	}
}

// subIndex returns the concrete delta index a record cursor is bound to.
func (ix *Index) subIndex(sub SubIndex) *deltaindex.Index {
	if sub == Sparse {
		return ix.sparse
	}
	return ix.dense
}

// Put inserts rec's name at virtualChapter if absent, or overwrites its
// chapter if already present.
// For a hook name with the sparse sub-index enabled, Put also keeps a
// mirror entry in the sparse sub-index. SetOpenChapter ages both
// sub-indexes against the same window, so the mirror and the dense
// entry age out together; see DESIGN.md for why mirroring at insertion
// avoids reconstructing full names during aging.
func (ix *Index) Put(rec Record, virtualChapter uint64) error {
	idx := ix.subIndex(rec.Sub)
	mod := ix.encodeChapter(virtualChapter)
	fullName := [16]byte(rec.Name)
	if rec.Found {
		if err := idx.SetValue(rec.cursor, mod); err != nil {
			return err
		}
	} else {
		if err := idx.Insert(rec.cursor, rec.remainder, mod, &fullName); err != nil {
			return err
		}
	}
	if ix.newest.Load() < int64(virtualChapter) {
		ix.newest.Store(int64(virtualChapter))
	}

	if rec.Sub == Dense && ix.sparse != nil && ix.IsSample(rec.Name) {
		sc, err := ix.sparse.Lookup(rec.list, rec.remainder, &fullName)
		if err != nil {
			return err
		}
		if sc.Found {
			return ix.sparse.SetValue(sc, mod)
		}
		return ix.sparse.Insert(sc, rec.remainder, mod, &fullName)
	}
	return nil
}

// Remove deletes rec's entry from its bound sub-index.
func (ix *Index) Remove(rec Record) error {
	if !rec.Found {
		return udserr.BadState
	}
	return ix.subIndex(rec.Sub).Remove(rec.cursor)
}

// SetChapter overwrites rec's recorded chapter without changing its
// position.
func (ix *Index) SetChapter(rec Record, virtualChapter uint64) error {
	if !rec.Found {
		return udserr.BadState
	}
	mod := ix.encodeChapter(virtualChapter)
	if err := ix.subIndex(rec.Sub).SetValue(rec.cursor, mod); err != nil {
		return err
	}
	if ix.newest.Load() < int64(virtualChapter) {
		ix.newest.Store(int64(virtualChapter))
	}
	return nil
}

// SetOpenChapter advances the index's view of the newest open virtual
// chapter to v, and ages out entries whose recorded chapter has fallen
// below the oldest valid chapter, v-chaptersPerVolume+1. Each zone's
// scan is independent and
// may run concurrently with other zones' scans.
func (ix *Index) SetOpenChapter(v uint64) {
	// Age out using the *prior* newest value: a stored mod value was
	// chosen to decode correctly against the window as of the previous
	// close, and decoding it against the about-to-be-current v can alias
	// an entry exactly chaptersPerVolume old with a brand new one (the
	// mod arithmetic wraps at exactly that distance). Scanning before
	// advancing newest keeps every entry's decode and its staleness
	// check consistent with the same window.
	priorNewest := ix.newest.Load()
	oldestValid := ix.geo.OldestVirtualChapter(int64(v))
	ix.ageOut(ix.dense, oldestValid, priorNewest)
	if ix.sparse != nil {
		ix.ageOut(ix.sparse, oldestValid, priorNewest)
	}
	ix.newest.Store(int64(v))
}

func (ix *Index) ageOut(idx *deltaindex.Index, oldestValid, newest int64) {
	for list := 0; list < idx.ListCount(); list++ {
		entries, err := idx.Entries(list)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if int64(ix.decodeChapter(e.Value, newest)) >= oldestValid {
				continue
			}
			var fullName *[16]byte
			if e.Collision {
				fn := e.FullName
				fullName = &fn
			}
			// Re-locate the entry against the list's current state:
			// earlier removals in this loop may have shifted indices,
			// but never the key each entry was inserted under.
			c, err := idx.Lookup(list, e.Key, fullName)
			if err != nil || !c.Found {
				continue
			}
			_ = idx.Remove(c)
		}
	}
}

// RecordEarlyFlush accounts for a zone eagerly evicting an entry before
// it ages out under memory pressure.
func (ix *Index) RecordEarlyFlush() { ix.earlyFlushes.Add(1) }

// EarlyFlushes returns the cumulative early-flush count, for stats
// reporting.
func (ix *Index) EarlyFlushes() int64 { return ix.earlyFlushes.Load() }

// ZoneCount, ListCount report the index's shape.
func (ix *Index) ZoneCount() int { return ix.zoneCount }
func (ix *Index) ListCount() int { return ix.listCount }

// RecordCount returns the number of live entries across both sub-indexes.
func (ix *Index) RecordCount() int {
	n := ix.dense.RecordCount()
	if ix.sparse != nil {
		n += ix.sparse.RecordCount()
	}
	return n
}

// SetChapterContents records that every name in entries now lives in
// virtualChapter, implementing openchapter.OpenChapterAdvancer so a
// ChapterWriter can close a chapter without depending on this package's
// concrete type. Each name is looked up fresh rather than threaded
// through as a volumeindex.Record, since the names originated as open
// chapter records, not prior Lookup calls against this index.
func (ix *Index) SetChapterContents(virtualChapter uint64, entries []openchapter.ChapterEntry) error {
	for _, e := range entries {
		rec, err := ix.Lookup(e.Name)
		if err != nil {
			return err
		}
		if err := ix.Put(rec, virtualChapter); err != nil {
			return err
		}
	}
	return nil
}

// Advance implements openchapter.OpenChapterAdvancer by calling
// SetOpenChapter, ageing out entries that fell out of the dense window.
func (ix *Index) Advance(newNewestVirtualChapter uint64) {
	ix.SetOpenChapter(newNewestVirtualChapter)
}
