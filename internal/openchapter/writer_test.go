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

	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/namehash"
)

type fakeVolume struct {
	chapter    uint64
	indexPages []*deltaindex.Page
	records    []Record
}

func (f *fakeVolume) WriteChapter(virtualChapter uint64, indexPages []*deltaindex.Page, records []Record) error {
	f.chapter = virtualChapter
	f.indexPages = indexPages
	f.records = records
	return nil
}

type fakeIndex struct {
	entries []ChapterEntry
	newest  uint64
}

func (f *fakeIndex) SetChapterContents(virtualChapter uint64, entries []ChapterEntry) error {
	f.entries = entries
	return nil
}

func (f *fakeIndex) Advance(newNewest uint64) { f.newest = newNewest }

func testGeometry(t *testing.T) geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(4096, 4, 4, 1, 16, 0, 0)
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return geo
}

func TestChapterWriterClosesFullChapter(t *testing.T) {
	geo := testGeometry(t)
	vol := &fakeVolume{}
	idx := &fakeIndex{}
	w := NewChapterWriter(geo, 2, vol, idx)

	if w.ChapterFull() {
		t.Fatalf("empty chapter reports full")
	}

	total := geo.RecordsPerChapter()
	for i := 0; i < total; i++ {
		zone := i % 2
		w.Zone(zone).Put(nameFor(byte(i)), [16]byte{byte(i)})
	}
	if !w.ChapterFull() {
		t.Fatalf("chapter at capacity does not report full")
	}

	if err := w.CloseChapter(7, 0xabc); err != nil {
		t.Fatalf("CloseChapter: %v", err)
	}
	if vol.chapter != 7 {
		t.Fatalf("volume saw chapter %d, want 7", vol.chapter)
	}
	if len(vol.records) != total {
		t.Fatalf("volume saw %d records, want %d", len(vol.records), total)
	}
	if len(idx.entries) != total {
		t.Fatalf("index saw %d entries, want %d", len(idx.entries), total)
	}
	if idx.newest != 8 {
		t.Fatalf("index newest = %d, want 8", idx.newest)
	}
	if w.ChapterFull() {
		t.Fatalf("zones were not reset after close")
	}
}

func TestChapterWriterInterleavesRoundRobin(t *testing.T) {
	geo := testGeometry(t)
	w := NewChapterWriter(geo, 3, &fakeVolume{}, &fakeIndex{})
	w.Zone(0).Put(nameFor(0), [16]byte{})
	w.Zone(0).Put(nameFor(1), [16]byte{})
	w.Zone(1).Put(nameFor(2), [16]byte{})
	w.Zone(2).Put(nameFor(3), [16]byte{})

	interleaved := w.interleave()
	if len(interleaved) != 4 {
		t.Fatalf("interleave produced %d records, want 4", len(interleaved))
	}
	// Round 0 visits zones 0,1,2 before round 1 revisits zone 0.
	want := []byte{0, 2, 3, 1}
	for i, r := range interleaved {
		if r.Name != nameFor(want[i]) {
			t.Fatalf("interleaved[%d] = %v, want name %d", i, r.Name, want[i])
		}
	}
}

func TestLessNameOrdering(t *testing.T) {
	a := namehash.Name{1, 2, 3}
	b := namehash.Name{1, 2, 4}
	if !lessName(a, b) {
		t.Fatalf("expected a < b")
	}
	if lessName(b, a) == lessName(a, b) {
		t.Fatalf("lessName not antisymmetric")
	}
	if lessName(a, a) {
		t.Fatalf("lessName(a, a) should be false")
	}
}
