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

// Package openchapter implements the per-zone insertion buffer that
// accumulates records for the chapter currently accepting writes, and
// the background writer that closes a full chapter.
package openchapter

import "github.com/dm-vdo/uds/internal/namehash"

// Record is one entry held in an open chapter zone buffer.
type Record struct {
	Name     namehash.Name
	Metadata [16]byte
}

// Zone is a single zone's insertion buffer: a flat array of records, a
// hash table from name to slot index (open addressing, linear probing),
// and a deletion mark bitset.
type Zone struct {
	capacity int
	records  []Record
	deleted  []bool
	count    int // number of live (non-deleted) records

	// table maps name -> index+1 into records (0 means empty slot);
	// sized capacity*2 to keep the linear-probe chain short even at
	// full occupancy.
	table     []int32
	tableMask uint64
}

// NewZone allocates a zone buffer sized for capacity records.
func NewZone(capacity int) *Zone {
	tableSize := nextPow2(capacity * 2)
	if tableSize < 16 {
		tableSize = 16
	}
	return &Zone{
		capacity:  capacity,
		records:   make([]Record, 0, capacity),
		deleted:   make([]bool, 0, capacity),
		table:     make([]int32, tableSize),
		tableMask: uint64(tableSize - 1),
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (z *Zone) probe(name namehash.Name) (slot uint64, recordIdx int32, found bool) {
	h := namehash.Hash64(name)
	slot = h & z.tableMask
	for {
		v := z.table[slot]
		if v == 0 {
			return slot, 0, false
		}
		idx := v - 1
		if z.records[idx].Name == name && !z.deleted[idx] {
			return slot, idx, true
		}
		slot = (slot + 1) & z.tableMask
	}
}

// Find reports whether name is present (and not deleted) in this zone's
// open chapter buffer.
func (z *Zone) Find(name namehash.Name) (Record, bool) {
	_, idx, found := z.probe(name)
	if !found {
		return Record{}, false
	}
	return z.records[idx], true
}

// Count returns the number of live records currently buffered.
func (z *Zone) Count() int { return z.count }

// Capacity returns the zone's configured record capacity.
func (z *Zone) Capacity() int { return z.capacity }

// Full reports whether this zone has reached its share of
// records_per_chapter.
func (z *Zone) Full() bool { return z.count >= z.capacity }

// Put inserts name/metadata if absent, or overwrites metadata if
// present: post if absent, update overwrites.
// It reports whether an existing entry was overwritten.
func (z *Zone) Put(name namehash.Name, metadata [16]byte) (existed bool) {
	slot, idx, found := z.probe(name)
	if found {
		z.records[idx].Metadata = metadata
		return true
	}
	newIdx := int32(len(z.records))
	z.records = append(z.records, Record{Name: name, Metadata: metadata})
	z.deleted = append(z.deleted, false)
	z.table[slot] = newIdx + 1
	z.count++
	return false
}

// Remove marks name's slot unavailable for search while retaining its
// name in the table for probe-chain consistency until Reset.
func (z *Zone) Remove(name namehash.Name) bool {
	_, idx, found := z.probe(name)
	if !found {
		return false
	}
	z.deleted[idx] = true
	z.count--
	return true
}

// Live returns the zone's live (non-deleted) records, in insertion
// order, for handoff to the chapter writer.
func (z *Zone) Live() []Record {
	out := make([]Record, 0, z.count)
	for i, r := range z.records {
		if !z.deleted[i] {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears the zone buffer for the next chapter.
func (z *Zone) Reset() {
	z.records = z.records[:0]
	z.deleted = z.deleted[:0]
	z.count = 0
	for i := range z.table {
		z.table[i] = 0
	}
}
