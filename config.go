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

package uds

import (
	"os"

	"sigs.k8s.io/yaml"

	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/layout"
)

// recordBytes is the on-disk size of one record: a 16-byte name
// followed by 16 bytes of caller metadata.
const recordBytes = 32

// bytesPerPage is the fixed physical page size this repository formats
// volumes with.
const bytesPerPage = 4096

// Configuration holds the fields a caller sets before calling Open on a
// fresh or existing volume.
type Configuration struct {
	// MemorySize is the target RAM footprint in bytes. Chapter count,
	// records per chapter, and delta-memory sizing are all derived
	// from it.
	MemorySize int64 `json:"memory_size"`

	// Sparse enables the sparse-region cache and sparse sub-index.
	Sparse bool `json:"sparse"`

	// ZoneCount fixes the number of parallel zones (>=1, <=MaxZones).
	ZoneCount int `json:"zone_count"`

	// ReadThreads sizes the volume's page-cache reader pool.
	ReadThreads int `json:"read_threads"`

	// CacheChapters sizes the page cache and sparse cache, in
	// chapters.
	CacheChapters int `json:"cache_chapters"`

	// Nonce is the anti-rollback value embedded in every page header.
	Nonce uint64 `json:"nonce"`
}

// MaxZones bounds ZoneCount.
const MaxZones = 256

// defaultConfiguration ships a usable zero-configuration default (in the
// spirit of dcache.NewCache's implicit sizing) rather than requiring
// every field to be set explicitly.
func defaultConfiguration() Configuration {
	return Configuration{
		MemorySize:    256 << 20,
		ZoneCount:     1,
		ReadThreads:   2,
		CacheChapters: 8,
	}
}

// LoadConfiguration reads a Configuration from a JSON or YAML file. The
// file extension is not consulted: the contents always go through
// sigs.k8s.io/yaml, which transcodes YAML to JSON and then unmarshals
// it, so JSON documents are accepted as a (trivial) special case of
// YAML.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := defaultConfiguration()
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, cfg.validate()
}

func (cfg Configuration) validate() error {
	if cfg.ZoneCount < 1 || cfg.ZoneCount > MaxZones {
		return ErrBadState
	}
	if cfg.MemorySize <= 0 {
		return ErrBadState
	}
	return nil
}

// geometry derives the physical layout memory_size implies: chapters
// sized so that a full volume's resident working set
// (records plus their index pages) is close to MemorySize, with one
// in ten chapters held back as sparse when Sparse is set.
func (cfg Configuration) geometry() (geometry.Geometry, error) {
	recordsPerPage := bytesPerPage / recordBytes

	chapterBytes := cfg.MemorySize / 16
	minChapterBytes := int64(bytesPerPage * 4)
	if chapterBytes < minChapterBytes {
		chapterBytes = minChapterBytes
	}
	recordPagesPerChapter := int(chapterBytes / bytesPerPage)
	if recordPagesPerChapter < 1 {
		recordPagesPerChapter = 1
	}
	indexPagesPerChapter := recordPagesPerChapter / 8
	if indexPagesPerChapter < 1 {
		indexPagesPerChapter = 1
	}

	bytesPerChapter := int64(recordPagesPerChapter+indexPagesPerChapter) * bytesPerPage
	chaptersPerVolume := int(cfg.MemorySize / bytesPerChapter)
	if chaptersPerVolume < 4 {
		chaptersPerVolume = 4
	}

	var sparseChapters int
	var sampleRate uint32
	if cfg.Sparse {
		sparseChapters = chaptersPerVolume / 10
		if sparseChapters < 1 {
			sparseChapters = 1
		}
		if sparseChapters >= chaptersPerVolume {
			sparseChapters = chaptersPerVolume - 1
		}
		sampleRate = 32
	}

	return geometry.New(bytesPerPage, recordsPerPage, recordPagesPerChapter,
		indexPagesPerChapter, chaptersPerVolume, sparseChapters, sampleRate)
}

// ComputeIndexSize returns the number of bytes a volume formatted with
// cfg would occupy on disk: the super block, the volume region, and a
// saved-state region sized to hold one complete suspend image.
func ComputeIndexSize(cfg Configuration) (int64, error) {
	geo, err := cfg.geometry()
	if err != nil {
		return 0, err
	}
	volumeBytes := int64(geo.ChaptersPerVolume) * int64(geo.PagesPerChapter()) * int64(geo.BytesPerPage)
	// The saved-state region holds the open-chapter image and the
	// volume index's delta memory; both are bounded by the same
	// records-per-chapter budget the volume region itself uses, so a
	// second volumeBytes-sized allowance is a safe upper estimate
	// without walking the actual delta-index arena sizing logic twice.
	savedStateBytes := volumeBytes
	return int64(layout.SuperBlockBytes) + volumeBytes + savedStateBytes, nil
}

// volumeOffset is where the volume region starts: right after the super
// block. The saved-state region follows the volume region; Session.Open
// reserves room for it when sizing the file and Session.Suspend writes
// it.
func volumeOffset() int64 { return int64(layout.SuperBlockBytes) }
