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

package openchapter

import (
	"testing"

	"github.com/dm-vdo/uds/internal/namehash"
)

func nameFor(b byte) namehash.Name {
	var n namehash.Name
	n[0] = b
	return n
}

func TestZonePutFindRemove(t *testing.T) {
	z := NewZone(8)
	n := nameFor(1)

	if _, found := z.Find(n); found {
		t.Fatalf("found name before insert")
	}

	if existed := z.Put(n, [16]byte{1}); existed {
		t.Fatalf("Put reported existing entry on first insert")
	}
	if z.Count() != 1 {
		t.Fatalf("count = %d, want 1", z.Count())
	}

	rec, found := z.Find(n)
	if !found || rec.Metadata != ([16]byte{1}) {
		t.Fatalf("Find after Put = %+v, %v", rec, found)
	}

	if existed := z.Put(n, [16]byte{2}); !existed {
		t.Fatalf("Put on existing name reported not-existed")
	}
	if z.Count() != 1 {
		t.Fatalf("overwrite changed count to %d", z.Count())
	}
	rec, _ = z.Find(n)
	if rec.Metadata != ([16]byte{2}) {
		t.Fatalf("overwrite did not update metadata: %+v", rec)
	}

	if !z.Remove(n) {
		t.Fatalf("Remove reported not found")
	}
	if z.Count() != 0 {
		t.Fatalf("count after remove = %d, want 0", z.Count())
	}
	if _, found := z.Find(n); found {
		t.Fatalf("found removed name")
	}
	if z.Remove(n) {
		t.Fatalf("Remove on already-removed name reported found")
	}
}

func TestZoneRemoveKeepsProbeChain(t *testing.T) {
	// Removing the first of several names must not break the probe
	// chain to any of the names put after it.
	z := NewZone(4)
	var names []namehash.Name
	for i := byte(0); i < 4; i++ {
		names = append(names, nameFor(i))
		z.Put(names[i], [16]byte{i})
	}
	z.Remove(names[0])
	for i := byte(1); i < 4; i++ {
		if _, found := z.Find(names[i]); !found {
			t.Fatalf("name %d lost after removing an earlier entry", i)
		}
	}
}

func TestZoneFullAndReset(t *testing.T) {
	z := NewZone(2)
	if z.Full() {
		t.Fatalf("empty zone reports full")
	}
	z.Put(nameFor(1), [16]byte{})
	z.Put(nameFor(2), [16]byte{})
	if !z.Full() {
		t.Fatalf("zone at capacity does not report full")
	}
	z.Reset()
	if z.Full() || z.Count() != 0 {
		t.Fatalf("zone not cleared by Reset: count=%d full=%v", z.Count(), z.Full())
	}
	if _, found := z.Find(nameFor(1)); found {
		t.Fatalf("Reset left a stale entry findable")
	}
	// The slot must be reusable after reset.
	z.Put(nameFor(1), [16]byte{9})
	rec, found := z.Find(nameFor(1))
	if !found || rec.Metadata != ([16]byte{9}) {
		t.Fatalf("zone unusable after Reset: %+v %v", rec, found)
	}
}

func TestZoneLiveExcludesDeleted(t *testing.T) {
	z := NewZone(4)
	z.Put(nameFor(1), [16]byte{})
	z.Put(nameFor(2), [16]byte{})
	z.Remove(nameFor(1))
	live := z.Live()
	if len(live) != 1 || live[0].Name != nameFor(2) {
		t.Fatalf("Live = %+v, want only name 2", live)
	}
}
