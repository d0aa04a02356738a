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

package chapterindex

import (
	"testing"

	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/namehash"
)

func testGeo(t *testing.T) geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(4096, 4, 8, 2, 16, 0, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return geo
}

func nameFor(b byte) namehash.Name {
	var n namehash.Name
	n[0] = b
	n[1] = b >> 4
	return n
}

// reopen round-trips a built ChapterIndex's pages through the same
// on-disk bytes VerifyPage would parse, the way Volume.ReadIndexPages
// does when reading a chapter back off the volume.
func reopen(t *testing.T, ci *ChapterIndex, geo geometry.Geometry, nonce, virtualChapter uint64) *ChapterIndex {
	t.Helper()
	valueBits := ValueBitsFor(geo)
	hp := HuffmanParamsFor(geo)
	pages := make([]*deltaindex.Page, 0, len(ci.Pages()))
	for _, p := range ci.Pages() {
		reopened, err := deltaindex.VerifyPage(p.Bytes(), nonce, valueBits, hp)
		if err != nil {
			t.Fatalf("VerifyPage: %v", err)
		}
		pages = append(pages, reopened)
	}
	return Open(pages, geo, nonce, virtualChapter)
}

func TestBuildPackReopenLookup(t *testing.T) {
	geo := testGeo(t)
	const nonce = 0xabc123
	const virtualChapter = 7

	total := geo.RecordsPerChapter()
	records := make([]BuildRecord, total)
	for i := 0; i < total; i++ {
		records[i] = BuildRecord{Name: nameFor(byte(i)), RecordPage: i % geo.RecordPagesPerChapter}
	}

	ci, err := Build(records, geo, nonce, virtualChapter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	reopened := reopen(t, ci, geo, nonce, virtualChapter)

	for i := 0; i < total; i++ {
		page, found, err := reopened.Lookup(nameFor(byte(i)))
		if err != nil {
			t.Fatalf("Lookup(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("Lookup(%d): record not found after pack/reopen round trip", i)
		}
		if want := i % geo.RecordPagesPerChapter; page != want {
			t.Fatalf("Lookup(%d): got record page %d, want %d", i, page, want)
		}
	}

	if _, found, err := reopened.Lookup(nameFor(200)); err != nil {
		t.Fatalf("Lookup(absent): %v", err)
	} else if found {
		t.Fatalf("Lookup(absent): reported found for a name never inserted")
	}
}

func TestOpenDerivesSameHuffmanParamsAsBuild(t *testing.T) {
	geo := testGeo(t)
	want := HuffmanParamsFor(geo)
	got := Open(nil, geo, 0, 0).hp
	if got != want {
		t.Fatalf("Open derived %+v, want %+v", got, want)
	}
}
