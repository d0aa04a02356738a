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
	"encoding/binary"
	"io"
	"math/bits"

	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/udserr"
)

// saveHeaderMagic extends each zone's delta-index save stream with the
// volume-index-specific fields: a dense/sparse flag and
// the newest virtual chapter as of this save, followed by one
// deltaindex stream per zone for the dense sub-index and, when present,
// one more per zone for the sparse sub-index.
const saveHeaderMagic = "VI-00001"

// Save writes a volume index snapshot. It persists
// the *post-flush* state: whatever early-flush eviction already
// happened to a zone before Save was called is not undone, since the
// stream has no field for "pending unflushed" entries (see DESIGN.md).
func (ix *Index) Save(w io.Writer) error {
	var header [24]byte
	copy(header[0:8], saveHeaderMagic)
	binary.LittleEndian.PutUint64(header[8:16], boolToUint64(ix.sparse != nil))
	binary.LittleEndian.PutUint64(header[16:24], uint64(ix.newest.Load()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if err := saveSubIndex(w, ix.dense); err != nil {
		return err
	}
	if ix.sparse != nil {
		if err := saveSubIndex(w, ix.sparse); err != nil {
			return err
		}
	}
	return nil
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func saveSubIndex(w io.Writer, idx *deltaindex.Index) error {
	for z := 0; z < idx.ZoneCount(); z++ {
		if err := deltaindex.SaveZone(w, idx.Zone(z), z, idx.ZoneCount()); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds a volume index previously written by Save. geo and
// zoneCount come from the caller's already-open super block, the same
// way New derives valueBits and the mean-delta estimate from geometry
// rather than from the stream: LoadZone's own doc notes the Huffman
// parameters are not persisted and must match at reopen time.
func Load(r io.Reader, geo geometry.Geometry, zoneCount int) (*Index, error) {
	if zoneCount <= 0 {
		return nil, udserr.BadState
	}
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, udserr.CorruptData
	}
	if string(header[0:8]) != saveHeaderMagic {
		return nil, udserr.CorruptData
	}
	hasSparse := binary.LittleEndian.Uint64(header[8:16]) != 0
	newest := int64(binary.LittleEndian.Uint64(header[16:24]))

	listCount := zoneCount * minListsPerZone
	valueBits := bits.Len(uint(geo.ChaptersPerVolume))
	if valueBits < 1 {
		valueBits = 1
	}

	totalRecords := geo.RecordsPerChapter() * geo.DenseChaptersPerVolume()
	denseMean := meanDeltaFor(totalRecords, listCount)
	dense, err := loadSubIndex(r, zoneCount, valueBits, denseMean)
	if err != nil {
		return nil, err
	}

	ix := &Index{
		geo: geo, zoneCount: zoneCount, sampleRate: geo.SparseSampleRate,
		listCount: listCount, valueBits: valueBits, dense: dense,
	}
	ix.newest.Store(newest)

	if hasSparse {
		sparseRecords := geo.RecordsPerChapter() * geo.SparseChaptersPerVolume
		if geo.SparseSampleRate > 1 {
			sparseRecords /= int(geo.SparseSampleRate)
		}
		sparseMean := meanDeltaFor(sparseRecords, listCount)
		sparse, err := loadSubIndex(r, zoneCount, valueBits, sparseMean)
		if err != nil {
			return nil, err
		}
		ix.sparse = sparse
	}
	return ix, nil
}

func loadSubIndex(r io.Reader, zoneCount, valueBits int, meanDelta uint64) (*deltaindex.Index, error) {
	zones := make([]*deltaindex.MutableZoneMemory, zoneCount)
	for z := 0; z < zoneCount; z++ {
		m, zoneNumber, _, err := deltaindex.LoadZone(r, valueBits, meanDelta)
		if err != nil {
			return nil, err
		}
		if zoneNumber != z {
			return nil, udserr.CorruptData
		}
		zones[z] = m
	}
	return deltaindex.FromZones(zones, valueBits, meanDelta), nil
}
