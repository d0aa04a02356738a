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
	"sort"
	"sync"

	"github.com/dm-vdo/uds/internal/chapterindex"
	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/namehash"
)

// ChapterWriter is the single background task that closes a full open
// chapter: it interleaves all zones' buffers round-robin, assigns record
// pages by that interleaved order, builds the chapter's delta index, and
// hands the result to a VolumeWriter.
//
// ChapterWriter depends only on the small interfaces below rather than
// concrete volume/volume-index types, so that those packages can in turn
// depend on openchapter's zone buffers without an import cycle,
// communicating through narrow, request-shaped
// interfaces rather than direct back-references").
type ChapterWriter struct {
	geo    geometry.Geometry
	volume VolumeWriter
	index  OpenChapterAdvancer

	mu    sync.Mutex
	zones []*Zone
}

// VolumeWriter is the narrow surface ChapterWriter needs from the volume
// to persist a closed chapter.
type VolumeWriter interface {
	WriteChapter(virtualChapter uint64, indexPages []*deltaindex.Page, records []Record) error
}

// OpenChapterAdvancer is the narrow surface ChapterWriter needs from the
// volume index to record a chapter's closing.
type OpenChapterAdvancer interface {
	SetChapterContents(virtualChapter uint64, entries []ChapterEntry) error
	Advance(newNewestVirtualChapter uint64)
}

// ChapterEntry is one name/record-page pair handed to the volume index
// once a chapter closes, so it can stop tracking the name as "in the
// open chapter" and start tracking it as "in virtual chapter v".
type ChapterEntry struct {
	Name       namehash.Name
	RecordPage int
}

// NewChapterWriter constructs a writer for zoneCount zones, each sized to
// its even share of geo.RecordsPerChapter().
func NewChapterWriter(geo geometry.Geometry, zoneCount int, volume VolumeWriter, index OpenChapterAdvancer) *ChapterWriter {
	perZone := geo.RecordsPerChapter() / zoneCount
	if perZone < 1 {
		perZone = 1
	}
	zones := make([]*Zone, zoneCount)
	for i := range zones {
		zones[i] = NewZone(perZone)
	}
	return &ChapterWriter{
		geo: geo, volume: volume, index: index,
		zones: zones,
	}
}

// Zone returns the buffer a given zone posts and queries against.
func (w *ChapterWriter) Zone(z int) *Zone { return w.zones[z] }

// ChapterFull reports whether every zone has filled its share of the
// current chapter, meaning the chapter is ready to close.
func (w *ChapterWriter) ChapterFull() bool {
	for _, z := range w.zones {
		if !z.Full() {
			return false
		}
	}
	return true
}

// CloseChapter interleaves the zone buffers round-robin rather than
// concatenating them, so that no single zone's insertion order dominates
// one contiguous run of record pages"), assigns record pages in that
// order, sorts each page-sized batch by name, builds the chapter's
// delta index, writes the
// chapter through VolumeWriter, advances the volume index, and resets
// every zone buffer for the next chapter.
func (w *ChapterWriter) CloseChapter(virtualChapter uint64, nonce uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	interleaved := w.interleave()
	recordsPerPage := w.geo.RecordsPerPage
	if recordsPerPage < 1 {
		recordsPerPage = 1
	}

	build := make([]chapterindex.BuildRecord, 0, len(interleaved))
	entries := make([]ChapterEntry, 0, len(interleaved))
	for start := 0; start < len(interleaved); start += recordsPerPage {
		end := start + recordsPerPage
		if end > len(interleaved) {
			end = len(interleaved)
		}
		page := interleaved[start:end]
		sort.Slice(page, func(i, j int) bool {
			return lessName(page[i].Name, page[j].Name)
		})
		recordPage := start / recordsPerPage
		for _, r := range page {
			build = append(build, chapterindex.BuildRecord{Name: r.Name, RecordPage: recordPage})
			entries = append(entries, ChapterEntry{Name: r.Name, RecordPage: recordPage})
		}
	}

	ci, err := chapterindex.Build(build, w.geo, nonce, virtualChapter)
	if err != nil {
		return err
	}

	records := make([]Record, len(interleaved))
	copy(records, interleaved)

	if err := w.volume.WriteChapter(virtualChapter, ci.Pages(), records); err != nil {
		return err
	}
	if err := w.index.SetChapterContents(virtualChapter, entries); err != nil {
		return err
	}
	w.index.Advance(virtualChapter + 1)

	for _, z := range w.zones {
		z.Reset()
	}
	return nil
}

// interleave visits each zone's live records round-robin: position 0 of
// zone 0, position 0 of zone 1, ..., position 1 of zone 0, and so on.
func (w *ChapterWriter) interleave() []Record {
	live := make([][]Record, len(w.zones))
	total := 0
	maxLen := 0
	for i, z := range w.zones {
		live[i] = z.Live()
		total += len(live[i])
		if len(live[i]) > maxLen {
			maxLen = len(live[i])
		}
	}
	out := make([]Record, 0, total)
	for pos := 0; pos < maxLen; pos++ {
		for _, zr := range live {
			if pos < len(zr) {
				out = append(out, zr[pos])
			}
		}
	}
	return out
}

func lessName(a, b namehash.Name) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
