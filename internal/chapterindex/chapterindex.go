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

// Package chapterindex wraps internal/deltaindex with the immutable,
// per-chapter semantics of a closed chapter: a delta index keyed by the
// address prefix of each record's name, storing the record-page number
// the record resides on, built once when a chapter closes and packed
// into index pages for the volume.
package chapterindex

import (
	"math/bits"

	"github.com/dm-vdo/uds/internal/deltaindex"
	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/udserr"
)

// listsPerIndexPage is a fixed packing heuristic: each index page can
// hold several delta lists, so the chapter index is sharded into more
// lists than there are index pages, letting PackPage greedily fill each
// page to near capacity: pack a range of lists onto a page until the
// next list's bits would not fit.
const listsPerIndexPage = 4

// BuildRecord is one record handed to Build: its name and the record
// page (0-based, within the chapter) it will reside on once the open
// chapter's records are interleaved, sorted, and paged.
type BuildRecord struct {
	Name       namehash.Name
	RecordPage int
}

// ChapterIndex is the immutable per-chapter wrapper: either freshly
// built (backed by a single-zone mutable deltaindex.Index, before it is
// packed into pages) or reopened from packed pages read off the volume.
type ChapterIndex struct {
	listCount int
	valueBits int
	hp        deltaindex.HuffmanParams
	nonce     uint64
	virtual   uint64

	pages []*deltaindex.Page
}

// listCountFor derives the chapter index's delta-list count from its
// geometry: more lists than index pages, so PackPage has slack to work
// with when deciding how many lists fit on each page.
func listCountFor(geo geometry.Geometry) int {
	n := geo.IndexPagesPerChapter * listsPerIndexPage
	if n < 1 {
		n = 1
	}
	return n
}

// valueBitsFor returns the number of bits needed to hold any record-page
// number within a chapter.
func valueBitsFor(geo geometry.Geometry) int {
	n := bits.Len(uint(geo.RecordPagesPerChapter))
	if n < 1 {
		n = 1
	}
	return n
}

// ValueBitsFor exposes valueBitsFor so callers reading raw index pages
// back off the volume (outside a ChapterIndex) can verify a page with
// the same value width it was packed with.
func ValueBitsFor(geo geometry.Geometry) int { return valueBitsFor(geo) }

// HuffmanParamsFor returns the Huffman coding parameters Build would
// derive for geo. A caller verifying index pages straight off the
// volume (before a ChapterIndex exists to wrap them) needs this to
// parse each page with the same parameters it was packed with.
func HuffmanParamsFor(geo geometry.Geometry) deltaindex.HuffmanParams {
	return deltaindex.DeriveHuffman(meanDeltaFor(geo, listCountFor(geo)))
}

// meanDeltaFor estimates the mean gap between consecutive addresses
// (by remainder key space) assigned to the same delta list, given the
// expected record population of one chapter.
func meanDeltaFor(geo geometry.Geometry, listCount int) uint64 {
	records := geo.RecordsPerChapter()
	if records < 1 {
		records = 1
	}
	// Address remainders are drawn from a 32-bit space (see addressOf);
	// the mean gap within one list is that space divided by the
	// expected number of entries routed to the list.
	perList := records / listCount
	if perList < 1 {
		perList = 1
	}
	return uint64(1<<32) / uint64(perList*listCount)
}

// addressOf splits a name's 32-bit hash-derived address into the list
// selector (mod listCount) and the remainder stored as the delta key,
// the address prefix used to pick a delta list, plus a remainder
// stored as the delta key.
func addressOf(name namehash.Name, listCount int) (list int, remainder uint64) {
	addr := namehash.AddressPrefix(name)
	return int(addr) % listCount, uint64(addr) / uint64(listCount)
}

// Build closes an open chapter's records into a packed chapter index.
// records must already reflect the final record-page assignment (i.e.
// interleaving, sorting, and paging have already happened).
func Build(records []BuildRecord, geo geometry.Geometry, nonce, virtualChapter uint64) (*ChapterIndex, error) {
	listCount := listCountFor(geo)
	valueBits := valueBitsFor(geo)
	meanDelta := meanDeltaFor(geo, listCount)
	ix, err := deltaindex.Create(1, listCount, valueBits, meanDelta, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		list, remainder := addressOf(r.Name, listCount)
		name := [16]byte(r.Name)
		c, err := ix.Lookup(list, remainder, &name)
		if err != nil {
			return nil, err
		}
		if c.Found {
			// A Found cursor means an entry with this list and
			// remainder is already present: the same name handed
			// to Build twice, or a different name sharing its
			// address. Only the first such record is indexed.
			continue
		}
		if err := ix.Insert(c, remainder, uint64(r.RecordPage), &name); err != nil {
			return nil, err
		}
	}

	pages, err := packPages(ix, geo, nonce, virtualChapter)
	if err != nil {
		return nil, err
	}
	return &ChapterIndex{
		listCount: listCount, valueBits: valueBits, hp: ix.HuffmanParams(),
		nonce: nonce, virtual: virtualChapter, pages: pages,
	}, nil
}

func packPages(ix *deltaindex.Index, geo geometry.Geometry, nonce, virtualChapter uint64) ([]*deltaindex.Page, error) {
	zone := ix.Zone(0)
	var pages []*deltaindex.Page
	list := 0
	for list < ix.ListCount() {
		p, consumed := deltaindex.PackPage(zone, list, ix.ListCount(), geo.BytesPerPage, ix.ValueBits(), ix.HuffmanParams(), nonce, virtualChapter)
		if consumed == 0 {
			return nil, udserr.CorruptData
		}
		pages = append(pages, p)
		list += consumed
	}
	return pages, nil
}

// Pages returns the packed index pages, ready to be written to the
// volume.
func (c *ChapterIndex) Pages() []*deltaindex.Page { return c.pages }

// Open reconstructs a ChapterIndex from index pages previously read off
// the volume. The Huffman parameters must be rederived the same way
// Build derived them (from the geometry's expected record population),
// since they are not themselves stored in a page: decoding with any
// other parameters silently yields garbage deltas.
func Open(pages []*deltaindex.Page, geo geometry.Geometry, nonce, virtualChapter uint64) *ChapterIndex {
	return &ChapterIndex{
		listCount: listCountFor(geo), valueBits: valueBitsFor(geo),
		hp: HuffmanParamsFor(geo), nonce: nonce, virtual: virtualChapter, pages: pages,
	}
}

// Lookup returns the record-page number for name, if present. Only Key
// is matched against the delta-list entries: FullName is populated only
// on collision entries (consecutive entries sharing a Key), so comparing
// it unconditionally would reject every ordinary, non-collision entry.
// The caller still confirms the match against the actual record page
// (see Volume.LookupName), so a Key-only match here cannot return a
// false positive to the requester.
func (c *ChapterIndex) Lookup(name namehash.Name) (recordPage int, found bool, err error) {
	list, remainder := addressOf(name, c.listCount)
	page, local, ok := c.pageFor(list)
	if !ok {
		return 0, false, nil
	}
	entries, err := page.Entries(local)
	if err != nil {
		return 0, false, err
	}
	fn := [16]byte(name)
	for _, e := range entries {
		if e.Key != remainder {
			continue
		}
		if e.Collision && e.FullName != fn {
			continue
		}
		return int(e.Value), true, nil
	}
	return 0, false, nil
}

func (c *ChapterIndex) pageFor(list int) (page *deltaindex.Page, localList int, ok bool) {
	for _, p := range c.pages {
		if list >= p.FirstList && list < p.FirstList+p.ListCount {
			return p, list - p.FirstList, true
		}
	}
	return nil, 0, false
}
