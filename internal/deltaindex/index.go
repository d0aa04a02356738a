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

package deltaindex

import "github.com/dm-vdo/uds/internal/udserr"

// Index is the public, bit-packed key-value store: one mutable delta
// memory per zone, sharing Huffman coding parameters
// derived from a single configured mean delta. Each of ListCount delta
// lists belongs to exactly one zone.
type Index struct {
	zoneCount    int
	listCount    int
	listsPerZone int
	valueBits    int
	hp           HuffmanParams
	zones        []*MutableZoneMemory
}

// Create builds a new, empty delta index. byteSize is not used:
// MutableZoneMemory grows its arena on demand, so there is no fixed
// arena size to set (a deliberate simplification of the C allocator's
// fixed-arena contract; see DESIGN.md).
func Create(zoneCount, listCount, payloadBits int, meanDelta uint64, byteSize int) (*Index, error) {
	if zoneCount <= 0 || listCount <= 0 {
		return nil, udserr.BadState
	}
	listsPerZone := (listCount + zoneCount - 1) / zoneCount
	ix := &Index{
		zoneCount:    zoneCount,
		listCount:    listCount,
		listsPerZone: listsPerZone,
		valueBits:    payloadBits,
		hp:           deriveHuffman(meanDelta),
		zones:        make([]*MutableZoneMemory, zoneCount),
	}
	for z := 0; z < zoneCount; z++ {
		n := ix.listsInZone(z)
		ix.zones[z] = NewMutableZoneMemory(n, payloadBits, meanDelta)
	}
	return ix, nil
}

func (ix *Index) listsInZone(zone int) int {
	start := zone * ix.listsPerZone
	end := start + ix.listsPerZone
	if end > ix.listCount {
		end = ix.listCount
	}
	if start > ix.listCount {
		start = ix.listCount
	}
	return end - start
}

// ZoneCount, ListCount report the index's shape.
func (ix *Index) ZoneCount() int { return ix.zoneCount }
func (ix *Index) ListCount() int { return ix.listCount }

// ZoneOf returns the zone owning list.
func (ix *Index) ZoneOf(list int) int {
	z := list / ix.listsPerZone
	if z >= ix.zoneCount {
		z = ix.zoneCount - 1
	}
	return z
}

func (ix *Index) local(list int) (zone *MutableZoneMemory, localList int) {
	z := ix.ZoneOf(list)
	return ix.zones[z], list - z*ix.listsPerZone
}

// Lookup positions a cursor at key within list. See MutableZoneMemory.Lookup.
func (ix *Index) Lookup(list int, key uint64, fullName *[16]byte) (Cursor, error) {
	zm, local := ix.local(list)
	c, err := zm.Lookup(local, key, fullName)
	c.List = list
	return c, err
}

// Insert adds an entry at the cursor's position (must be !Found).
func (ix *Index) Insert(c Cursor, key, value uint64, fullName *[16]byte) error {
	zm, local := ix.local(c.List)
	c.List = local
	return zm.Insert(c, key, value, fullName)
}

// Remove deletes the entry at the cursor's position (must be Found).
func (ix *Index) Remove(c Cursor) error {
	zm, local := ix.local(c.List)
	c.List = local
	return zm.Remove(c)
}

// SetValue overwrites the payload at the cursor's position (must be Found).
func (ix *Index) SetValue(c Cursor, value uint64) error {
	zm, local := ix.local(c.List)
	c.List = local
	return zm.SetValue(c, value)
}

// Entries decodes and returns all entries of list, in ascending order.
// Used for whole-list scans (aging, rebuild) rather than point lookups.
func (ix *Index) Entries(list int) ([]Entry, error) {
	zm, local := ix.local(list)
	return zm.decodeEntries(local)
}

// Next returns the entry immediately following the cursor's position
// within its list, and ok=false at the end of the list.
func (ix *Index) Next(c Cursor) (Entry, bool) {
	if c.Index+1 >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[c.Index+1], true
}

// RecordCount returns the number of entries held across the whole index.
func (ix *Index) RecordCount() int {
	n := 0
	for _, z := range ix.zones {
		n += z.RecordCount()
	}
	return n
}

// Zone returns the zone's raw mutable memory, for use by chapter packing
// and save/load.
func (ix *Index) Zone(z int) *MutableZoneMemory { return ix.zones[z] }

// HuffmanParams exposes the derived Huffman coding parameters, e.g. for
// chapter-index page packing that needs to share them.
func (ix *Index) HuffmanParams() HuffmanParams { return ix.hp }

// ValueBits returns the configured per-entry payload width.
func (ix *Index) ValueBits() int { return ix.valueBits }

// FromZones reassembles an Index from zones previously produced by
// LoadZone, in zone order, the save-format counterpart to Create: a
// save stream round-trips a zone's MutableZoneMemory directly, so
// reconstructing the Index just needs to recompute the bookkeeping
// Create derives (list count, lists per zone, Huffman parameters) from
// the loaded pieces rather than from a fresh mean-delta estimate.
func FromZones(zones []*MutableZoneMemory, payloadBits int, meanDelta uint64) *Index {
	listCount := 0
	for _, z := range zones {
		listCount += z.ListCount()
	}
	listsPerZone := 0
	if len(zones) > 0 {
		listsPerZone = zones[0].ListCount()
	}
	return &Index{
		zoneCount:    len(zones),
		listCount:    listCount,
		listsPerZone: listsPerZone,
		valueBits:    payloadBits,
		hp:           deriveHuffman(meanDelta),
		zones:        zones,
	}
}
