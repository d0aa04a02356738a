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
	"bytes"
	"testing"

	"github.com/dm-vdo/uds/internal/namehash"
)

func nameForByte(b byte) (n namehash.Name) {
	for i := range n {
		n[i] = b
	}
	return n
}

func TestSaveLoadOpenChapterRoundTrip(t *testing.T) {
	geo := testGeometry(t)
	w := NewChapterWriter(geo, 2, &fakeVolume{}, &fakeIndex{})

	w.Zone(0).Put(nameForByte(1), [16]byte{0x11})
	w.Zone(0).Put(nameForByte(2), [16]byte{0x22})
	w.Zone(1).Put(nameForByte(3), [16]byte{0x33})

	var buf bytes.Buffer
	if err := w.SaveOpenChapter(&buf); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}

	w2 := NewChapterWriter(geo, 2, &fakeVolume{}, &fakeIndex{})
	if err := w2.LoadOpenChapter(&buf); err != nil {
		t.Fatalf("LoadOpenChapter: %v", err)
	}

	rec, ok := w2.Zone(0).Find(nameForByte(1))
	if !ok || rec.Metadata != ([16]byte{0x11}) {
		t.Fatalf("zone 0 name 1: got %v, ok=%v", rec, ok)
	}
	rec, ok = w2.Zone(0).Find(nameForByte(2))
	if !ok || rec.Metadata != ([16]byte{0x22}) {
		t.Fatalf("zone 0 name 2: got %v, ok=%v", rec, ok)
	}
	rec, ok = w2.Zone(1).Find(nameForByte(3))
	if !ok || rec.Metadata != ([16]byte{0x33}) {
		t.Fatalf("zone 1 name 3: got %v, ok=%v", rec, ok)
	}
}

func TestLoadOpenChapterRejectsZoneCountMismatch(t *testing.T) {
	geo := testGeometry(t)
	w := NewChapterWriter(geo, 2, &fakeVolume{}, &fakeIndex{})
	var buf bytes.Buffer
	if err := w.SaveOpenChapter(&buf); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}

	w3 := NewChapterWriter(geo, 3, &fakeVolume{}, &fakeIndex{})
	if err := w3.LoadOpenChapter(&buf); err == nil {
		t.Fatalf("expected a zone-count mismatch error")
	}
}
