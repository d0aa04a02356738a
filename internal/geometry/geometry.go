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

// Package geometry derives and validates the immutable layout parameters
// of a volume: page and chapter sizing, the sparse/dense chapter split,
// and the sampling rate used to pick "hook" names for the sparse index.
package geometry

import "fmt"

// Geometry holds the immutable layout parameters of a volume. All
// fields are fixed at volume-create time.
type Geometry struct {
	BytesPerPage        int
	RecordsPerPage      int
	RecordPagesPerChapter int
	IndexPagesPerChapter  int
	ChaptersPerVolume     int
	SparseChaptersPerVolume int
	SparseSampleRate        uint32

	// RemappedPhysical and RemappedVirtual support a single historical
	// on-disk reshape: the physical slot RemappedPhysical holds the
	// chapter whose virtual number is RemappedVirtual rather than the
	// slot's usual virtual mod chaptersPerVolume congruence class. Both
	// are -1 when no remap is in effect.
	RemappedPhysical int64
	RemappedVirtual  int64
}

// New validates and returns a Geometry. It returns an error describing
// the first invariant violated.
func New(bytesPerPage, recordsPerPage, recordPagesPerChapter, indexPagesPerChapter,
	chaptersPerVolume, sparseChaptersPerVolume int, sparseSampleRate uint32) (Geometry, error) {
	g := Geometry{
		BytesPerPage:            bytesPerPage,
		RecordsPerPage:          recordsPerPage,
		RecordPagesPerChapter:   recordPagesPerChapter,
		IndexPagesPerChapter:    indexPagesPerChapter,
		ChaptersPerVolume:       chaptersPerVolume,
		SparseChaptersPerVolume: sparseChaptersPerVolume,
		SparseSampleRate:        sparseSampleRate,
		RemappedPhysical:        -1,
		RemappedVirtual:         -1,
	}
	return g, g.validate()
}

func (g Geometry) validate() error {
	if g.ChaptersPerVolume <= 0 {
		return fmt.Errorf("geometry: chapters_per_volume must be positive, got %d", g.ChaptersPerVolume)
	}
	if g.RecordPagesPerChapter <= 0 || g.IndexPagesPerChapter <= 0 {
		return fmt.Errorf("geometry: a chapter must have at least one index page and one record page")
	}
	if g.BytesPerPage <= 0 || g.RecordsPerPage <= 0 {
		return fmt.Errorf("geometry: bytes_per_page and records_per_page must be positive")
	}
	if g.SparseChaptersPerVolume < 0 || g.SparseChaptersPerVolume > g.ChaptersPerVolume {
		return fmt.Errorf("geometry: sparse_chapters_per_volume out of range [0,%d]", g.ChaptersPerVolume)
	}
	if g.DenseChaptersPerVolume() <= 0 {
		return fmt.Errorf("geometry: dense_chapters_per_volume must be positive, all chapters are sparse")
	}
	return nil
}

// DenseChaptersPerVolume returns chapters_per_volume - sparse_chapters_per_volume.
func (g Geometry) DenseChaptersPerVolume() int {
	return g.ChaptersPerVolume - g.SparseChaptersPerVolume
}

// PagesPerChapter returns IndexPagesPerChapter + RecordPagesPerChapter.
func (g Geometry) PagesPerChapter() int {
	return g.IndexPagesPerChapter + g.RecordPagesPerChapter
}

// RecordsPerChapter returns the total record capacity of one chapter.
func (g Geometry) RecordsPerChapter() int {
	return g.RecordPagesPerChapter * g.RecordsPerPage
}

// IsSparse reports whether this geometry enables the sparse sub-index.
// A sample rate of 0 disables the sparse sub-index entirely.
func (g Geometry) IsSparse() bool {
	return g.SparseSampleRate > 0 && g.SparseChaptersPerVolume > 0
}

// ChapterSlot returns the physical chapter slot for a virtual chapter
// number, honoring the single remap pair if present.
func (g Geometry) ChapterSlot(virtual int64) int64 {
	if g.RemappedVirtual == virtual && g.RemappedPhysical >= 0 {
		return g.RemappedPhysical
	}
	return virtual % int64(g.ChaptersPerVolume)
}

// OldestVirtualChapter returns the oldest virtual chapter still resident
// given the newest virtual chapter currently open.
func (g Geometry) OldestVirtualChapter(newest int64) int64 {
	oldest := newest - int64(g.ChaptersPerVolume) + 1
	if oldest < 0 {
		oldest = 0
	}
	return oldest
}

// IsDenseChapter reports whether virtual chapter v is still within the
// dense window given the newest open virtual chapter.
func (g Geometry) IsDenseChapter(v, newest int64) bool {
	return v > newest-int64(g.DenseChaptersPerVolume())
}
