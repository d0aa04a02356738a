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

package volumeindex

import (
	"bytes"
	"testing"
)

func TestSaveLoadRoundTripDense(t *testing.T) {
	geo := denseGeo(t)
	ix, err := New(geo, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := byte(1); i <= 10; i++ {
		rec, err := ix.Lookup(nameFor(i))
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if err := ix.Put(rec, uint64(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf, geo, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RecordCount() != ix.RecordCount() {
		t.Fatalf("record count mismatch: got %d, want %d", loaded.RecordCount(), ix.RecordCount())
	}
	for i := byte(1); i <= 10; i++ {
		rec, err := loaded.Lookup(nameFor(i))
		if err != nil {
			t.Fatalf("Lookup after load: %v", err)
		}
		if !rec.Found {
			t.Fatalf("name %d missing after load", i)
		}
		if rec.VirtualChapter != uint64(i) {
			t.Fatalf("name %d: chapter mismatch got %d want %d", i, rec.VirtualChapter, i)
		}
	}
}

func TestSaveLoadRoundTripSparse(t *testing.T) {
	geo := sparseGeo(t)
	ix, err := New(geo, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf, geo, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.sparse == nil {
		t.Fatalf("expected a sparse sub-index after loading a sparse geometry")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	geo := denseGeo(t)
	if _, err := Load(bytes.NewReader(make([]byte, 24)), geo, 1); err == nil {
		t.Fatalf("expected an error decoding a zeroed header")
	}
}
