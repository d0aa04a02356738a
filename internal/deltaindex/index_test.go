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

import (
	"bytes"
	"testing"
)

func TestIndexInsertThenLookup(t *testing.T) {
	ix, err := Create(2, 8, 6, 100, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var name [16]byte
	name[0] = 7
	c, err := ix.Lookup(3, 42, &name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.Found {
		t.Fatalf("unexpected hit before insert")
	}
	if err := ix.Insert(c, 42, 9, &name); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	c, err = ix.Lookup(3, 42, &name)
	if err != nil {
		t.Fatalf("Lookup after insert: %v", err)
	}
	if !c.Found {
		t.Fatalf("expected a hit after insert")
	}
	if got := c.Entry().Value; got != 9 {
		t.Fatalf("value mismatch: got %d want 9", got)
	}
}

func TestFromZonesRoundTripsSaveZone(t *testing.T) {
	ix, err := Create(2, 8, 6, 100, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 4; i++ {
		var name [16]byte
		name[0] = byte(i)
		list := i % ix.ListCount()
		c, err := ix.Lookup(list, uint64(i*7), &name)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if err := ix.Insert(c, uint64(i*7), uint64(i), &name); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	zones := make([]*MutableZoneMemory, ix.ZoneCount())
	for z := 0; z < ix.ZoneCount(); z++ {
		var buf bytes.Buffer
		if err := SaveZone(&buf, ix.Zone(z), z, ix.ZoneCount()); err != nil {
			t.Fatalf("SaveZone: %v", err)
		}
		m, zoneNumber, zoneCount, err := LoadZone(&buf, ix.ValueBits(), 100)
		if err != nil {
			t.Fatalf("LoadZone: %v", err)
		}
		if zoneNumber != z || zoneCount != ix.ZoneCount() {
			t.Fatalf("zone identity mismatch: got (%d,%d) want (%d,%d)", zoneNumber, zoneCount, z, ix.ZoneCount())
		}
		zones[z] = m
	}

	loaded := FromZones(zones, ix.ValueBits(), 100)
	if loaded.ZoneCount() != ix.ZoneCount() {
		t.Fatalf("zone count mismatch: got %d want %d", loaded.ZoneCount(), ix.ZoneCount())
	}
	if loaded.RecordCount() != ix.RecordCount() {
		t.Fatalf("record count mismatch: got %d want %d", loaded.RecordCount(), ix.RecordCount())
	}
}
