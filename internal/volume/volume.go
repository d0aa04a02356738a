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

// Package volume is the circular chapter log: the on-disk home for
// every closed chapter's index pages and record pages, addressed by
// physical slot (virtual chapter modulo chapters_per_volume, honoring
// the single remap pair), and read back through internal/pagecache.
package volume

import (
	"sort"

	"github.com/dm-vdo/uds/internal/blockdev"
	"github.com/dm-vdo/uds/internal/chapterindex"
	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/layout"
	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/openchapter"
	"github.com/dm-vdo/uds/internal/pagecache"
	"github.com/dm-vdo/uds/internal/udserr"
)

// recordBytes is the on-disk width of one record: a 16-byte name
// followed by 16 bytes of caller metadata.
const recordBytes = 32

// maxBadChapters bounds how many contiguous corrupt chapter slots a
// rebuild scan tolerates before giving up, matching the original
// engine's fixed tolerance for a partially-written circular log.
const maxBadChapters = 100

// Volume owns the backing file and page cache for one index's circular
// chapter log.
type Volume struct {
	dev   *blockdev.Device
	cache *pagecache.Cache
	geo   geometry.Geometry
	super layout.SuperBlock
}

// Open wraps an already-formatted backing file: dev must already be
// sized to hold super.VolumeOffset plus the full circular log described
// by super.Geo.
func Open(dev *blockdev.Device, super layout.SuperBlock, cacheSlots, readers, zoneCount int) *Volume {
	return &Volume{
		dev:   dev,
		cache: pagecache.New(dev, super.Geo, cacheSlots, readers, zoneCount),
		geo:   super.Geo,
		super: super,
	}
}

// Close releases the page cache's reader pool. The backing device is
// owned by the caller and is not closed here.
func (v *Volume) Close() { v.cache.Close() }

func (v *Volume) pageOffset(virtualChapter uint64, pageInChapter int) int64 {
	slot := v.geo.ChapterSlot(int64(virtualChapter))
	chapterOffset := v.super.ChapterOffset(slot)
	return chapterOffset + int64(pageInChapter)*int64(v.geo.BytesPerPage)
}

func (v *Volume) physicalPage(virtualChapter uint64, pageInChapter int) int64 {
	return v.pageOffset(virtualChapter, pageInChapter) / int64(v.geo.BytesPerPage)
}

// WriteChapter persists a freshly closed chapter's index pages and
// record pages, implementing openchapter.VolumeWriter. Writes go
// straight to the backing device: the page cache only serves reads, so
// a write here simply leaves any previously cached copy of this
// chapter's physical pages stale until the next read re-fetches them.
func (v *Volume) WriteChapter(virtualChapter uint64, indexPages []*deltaindex.Page, records []openchapter.Record) error {
	for i, p := range indexPages {
		off := v.pageOffset(virtualChapter, i)
		if _, err := v.dev.WriteAt(p.Bytes(), off); err != nil {
			return err
		}
	}

	recordsPerPage := v.geo.RecordsPerPage
	if recordsPerPage < 1 {
		recordsPerPage = 1
	}
	for page := 0; page < v.geo.RecordPagesPerChapter; page++ {
		start := page * recordsPerPage
		if start >= len(records) {
			break
		}
		end := start + recordsPerPage
		if end > len(records) {
			end = len(records)
		}
		buf := make([]byte, v.geo.BytesPerPage)
		encodeRecordPage(buf, records[start:end])
		off := v.pageOffset(virtualChapter, v.geo.IndexPagesPerChapter+page)
		if _, err := v.dev.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return v.dev.Sync()
}

func encodeRecordPage(buf []byte, records []openchapter.Record) {
	for i, r := range records {
		off := i * recordBytes
		if off+recordBytes > len(buf) {
			break
		}
		copy(buf[off:off+16], r.Name[:])
		copy(buf[off+16:off+32], r.Metadata[:])
	}
}

func decodeRecordPage(buf []byte, count int) []openchapter.Record {
	out := make([]openchapter.Record, 0, count)
	for i := 0; i < count; i++ {
		off := i * recordBytes
		if off+recordBytes > len(buf) {
			break
		}
		var r openchapter.Record
		copy(r.Name[:], buf[off:off+16])
		copy(r.Metadata[:], buf[off+16:off+32])
		out = append(out, r)
	}
	return out
}

// ReadIndexPages reads back and verifies virtualChapter's index pages
// through the page cache, reconstructing the chapter's delta index.
func (v *Volume) ReadIndexPages(zone int, virtualChapter, nonce uint64) (*chapterindex.ChapterIndex, error) {
	pages := make([]*deltaindex.Page, 0, v.geo.IndexPagesPerChapter)
	hp := chapterindex.HuffmanParamsFor(v.geo)
	valueBits := chapterindex.ValueBitsFor(v.geo)
	for i := 0; i < v.geo.IndexPagesPerChapter; i++ {
		raw, err := v.cache.Get(zone, v.physicalPage(virtualChapter, i))
		if err != nil {
			return nil, err
		}
		p, err := deltaindex.VerifyPage(raw, nonce, valueBits, hp)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return chapterindex.Open(pages, v.geo, nonce, virtualChapter), nil
}

// ReadRecordPage reads back record page recordPage (0-based within the
// chapter) of virtualChapter through the page cache.
func (v *Volume) ReadRecordPage(zone int, virtualChapter uint64, recordPage int) ([]openchapter.Record, error) {
	raw, err := v.cache.Get(zone, v.physicalPage(virtualChapter, v.geo.IndexPagesPerChapter+recordPage))
	if err != nil {
		return nil, err
	}
	return decodeRecordPage(raw, v.geo.RecordsPerPage), nil
}

// LookupName resolves name within virtualChapter: it reads the
// chapter's index pages, finds the record page the name's address
// routes to (if any), and returns that record's metadata.
func (v *Volume) LookupName(zone int, virtualChapter, nonce uint64, name namehash.Name) (metadata [16]byte, found bool, err error) {
	ci, err := v.ReadIndexPages(zone, virtualChapter, nonce)
	if err != nil {
		return metadata, false, err
	}
	recordPage, found, err := ci.Lookup(name)
	if err != nil || !found {
		return metadata, false, err
	}
	records, err := v.ReadRecordPage(zone, virtualChapter, recordPage)
	if err != nil {
		return metadata, false, err
	}
	for _, r := range records {
		if r.Name == name {
			return r.Metadata, true, nil
		}
	}
	return metadata, false, nil
}

// RebuildResult summarizes what a rebuild scan found.
type RebuildResult struct {
	NewestVirtualChapter int64
	OldestVirtualChapter int64
	BadChapters          []int64
}

// Rebuild scans every physical chapter slot's first index page to
// recover the newest and oldest virtual chapter numbers a volume holds,
// tolerating up to maxBadChapters contiguous unreadable slots. It only
// reads: Session.Open does not call it, and cmd/udsinspect's -rebuild
// flag prints its result.
func Rebuild(dev *blockdev.Device, super layout.SuperBlock) (RebuildResult, error) {
	geo := super.Geo
	n := geo.ChaptersPerVolume
	type probe struct {
		slot    int64
		virtual uint64
		ok      bool
	}
	probes := make([]probe, n)
	buf := make([]byte, geo.BytesPerPage)
	// Rebuild only ever reads a verified page's header fields (below, just
	// VirtualChapter), never its list entries, so the exact Huffman
	// parameters don't affect the scan; they're still derived correctly
	// rather than left zero, since VerifyPage bakes hp into the returned
	// Page regardless of whether this caller needs it.
	hp := chapterindex.HuffmanParamsFor(geo)
	valueBits := chapterindex.ValueBitsFor(geo)

	for slot := int64(0); slot < int64(n); slot++ {
		off := super.ChapterOffset(slot)
		if _, err := dev.ReadAt(buf, off); err != nil {
			continue
		}
		// The super block's nonce is a necessary condition for a valid
		// page but virtual chapter number is read directly, since the
		// nonce check alone cannot disambiguate which chapter occupies
		// this slot.
		p, err := deltaindex.VerifyPage(buf, super.Nonce, valueBits, hp)
		if err != nil {
			continue
		}
		probes[slot] = probe{slot: slot, virtual: p.VirtualChapter, ok: true}
	}

	var good []probe
	for _, pr := range probes {
		if pr.ok {
			good = append(good, pr)
		}
	}
	if len(good) == 0 {
		return RebuildResult{}, udserr.CorruptData
	}
	sort.Slice(good, func(i, j int) bool { return good[i].virtual < good[j].virtual })

	newest := good[len(good)-1].virtual
	oldest := good[0].virtual

	var bad []int64
	run := 0
	for slot, pr := range probes {
		if pr.ok {
			run = 0
			continue
		}
		run++
		if run > maxBadChapters {
			return RebuildResult{}, udserr.CorruptData
		}
		bad = append(bad, int64(slot))
	}

	return RebuildResult{
		NewestVirtualChapter: int64(newest),
		OldestVirtualChapter: int64(oldest),
		BadChapters:          bad,
	}, nil
}
