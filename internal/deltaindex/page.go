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

package deltaindex

import (
	"encoding/binary"

	"github.com/dm-vdo/uds/internal/udserr"
)

// headerBytes is the fixed byte size of a page header:
// {nonce uint64, virtual_chapter uint64, first_list uint32, list_count uint32}.
const headerBytes = 24

// offsetBits is the width of each entry in a page's offset table.
const offsetBits = 19

// maxOffset is the largest bit offset a 19-bit field can hold.
const maxOffset = 1<<offsetBits - 1

// Page is an immutable, packed delta-index page: a read-only view over a
// byte buffer holding the on-disk chapter page format. It has no
// per-list descriptors; each list's start bit is
// recovered from the offset table at the front of the page.
type Page struct {
	Nonce          uint64
	VirtualChapter uint64
	FirstList      int
	ListCount      int

	mem       []byte
	valueBits int
	hp        HuffmanParams
	dataStart int // bit offset, relative to mem, where list 0's data begins
	offsets   []int
}

// ListSource supplies a list's already bit-packed encoding, as held by a
// MutableZoneMemory, for packing into a page.
type ListSource interface {
	// EncodedList returns the raw bits of list (relative to the list's
	// own start) and their bit length.
	EncodedList(list int) ([]byte, int)
}

// EncodedList implements ListSource for a mutable zone memory.
func (m *MutableZoneMemory) EncodedList(list int) ([]byte, int) {
	d := &m.lists[list]
	if d.sizeBits == 0 {
		return nil, 0
	}
	out := make([]byte, bitsToBytes(d.sizeBits))
	copyBitsFrom(out, 0, m.mem, d.startBit, d.sizeBits)
	return out, d.sizeBits
}

// fillGuardBits sets every bit from fromBit (inclusive) to the end of
// mem to 1, ORing in the guard without disturbing the data bits packed
// into the same byte as fromBit.
func fillGuardBits(mem []byte, fromBit int) {
	totalBits := len(mem) * 8
	for i := fromBit; i < totalBits; i++ {
		byteIdx := i / 8
		bitOff := uint(i % 8)
		mem[byteIdx] |= 1 << bitOff
	}
}

func copyBitsFrom(dst []byte, dstStart int, src []byte, srcStart, nbits int) {
	for i := 0; i < nbits; i++ {
		srcByteIdx := (srcStart + i) / 8
		srcBitOff := uint((srcStart + i) % 8)
		bit := (src[srcByteIdx] >> srcBitOff) & 1
		if bit == 0 {
			continue
		}
		dstByteIdx := (dstStart + i) / 8
		dstBitOff := uint((dstStart + i) % 8)
		dst[dstByteIdx] |= 1 << dstBitOff
	}
}

// PackPage packs as many lists starting at firstList as fit into a page
// of bytesPerPage bytes, pulling each list's encoded bits from src. It
// returns the page and the number of lists consumed. When the list at
// firstList does not fit on a page by itself it returns (nil, 0), and
// the caller surfaces that as an error.
func PackPage(src ListSource, firstList, availableLists int, bytesPerPage int, valueBits int, hp HuffmanParams, nonce, virtualChapter uint64) (*Page, int) {
	capacityBits := bytesPerPage*8 - headerBytes*8 - guardBits
	// Reserve room for the offset table as we go; its size depends on
	// how many lists we end up including, so grow greedily and check
	// the running total against capacity each time.
	consumed := 0
	dataBits := 0
	for firstList+consumed < availableLists {
		_, n := src.EncodedList(firstList + consumed)
		offsetTableBits := offsetBits * (consumed + 2) // +1 already included, +1 for the new list's own trailing edge
		if offsetTableBits+dataBits+n > capacityBits {
			break
		}
		dataBits += n
		consumed++
	}
	if consumed == 0 && firstList < availableLists {
		// A list may grow to maxListBits, which exceeds a small page's
		// capacity; writing it here would run past the page, and
		// truncating it would corrupt data, so consume nothing.
		return nil, 0
	}
	offsetTableBits := offsetBits * (consumed + 1)
	dataStart := headerBytes*8 + offsetTableBits
	mem := make([]byte, bytesPerPage)
	binary.LittleEndian.PutUint64(mem[0:8], nonce)
	binary.LittleEndian.PutUint64(mem[8:16], virtualChapter)
	binary.LittleEndian.PutUint32(mem[16:20], uint32(firstList))
	binary.LittleEndian.PutUint32(mem[20:24], uint32(consumed))

	offsets := make([]int, consumed+1)
	ow := &bitWriter{}
	cursor := 0
	for i := 0; i < consumed; i++ {
		bits, n := src.EncodedList(firstList + i)
		offsets[i] = cursor
		ow.writeBits(uint64(cursor), offsetBits)
		copyBitsFrom(mem, dataStart+cursor, bits, 0, n)
		cursor += n
	}
	offsets[consumed] = cursor
	ow.writeBits(uint64(cursor), offsetBits)
	copy(mem[headerBytes:headerBytes+bitsToBytes(offsetTableBits)], ow.buf)

	// Guard the trailing bits after the last list's data (not the data
	// region itself) with all-ones, so a 64-bit overread past the true
	// end of data during decode never reads uninitialised zero bytes.
	fillGuardBits(mem, dataStart+cursor)

	p := &Page{
		Nonce: nonce, VirtualChapter: virtualChapter,
		FirstList: firstList, ListCount: consumed,
		mem: mem, valueBits: valueBits, hp: hp,
		dataStart: dataStart, offsets: offsets,
	}
	return p, consumed
}

// VerifyPage parses and validates a page's header and offset table
// against the expected nonce and capacity, trying little-endian first
// and big-endian second. It returns ErrCorruptData without
// logging on any failure, since a failed verification during a volume
// rebuild scan is an expected, benign outcome.
func VerifyPage(mem []byte, expectNonce uint64, valueBits int, hp HuffmanParams) (*Page, error) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		p, err := parsePage(mem, order, expectNonce, valueBits, hp)
		if err == nil {
			return p, nil
		}
	}
	return nil, udserr.CorruptData
}

func parsePage(mem []byte, order binary.ByteOrder, expectNonce uint64, valueBits int, hp HuffmanParams) (*Page, error) {
	if len(mem) < headerBytes {
		return nil, udserr.CorruptData
	}
	nonce := order.Uint64(mem[0:8])
	if nonce != expectNonce {
		return nil, udserr.CorruptData
	}
	vcn := order.Uint64(mem[8:16])
	firstList := int(order.Uint32(mem[16:20]))
	listCount := int(order.Uint32(mem[20:24]))
	if listCount < 0 || listCount > (len(mem)*8) {
		return nil, udserr.CorruptData
	}
	offsetTableBits := offsetBits * (listCount + 1)
	dataStart := headerBytes*8 + offsetTableBits
	capacityBits := len(mem)*8 - guardBits
	if dataStart > capacityBits {
		return nil, udserr.CorruptData
	}
	r := newBitReader(mem, headerBytes*8, dataStart)
	offsets := make([]int, listCount+1)
	prev := -1
	for i := range offsets {
		v, err := r.readBits(offsetBits)
		if err != nil {
			return nil, udserr.CorruptData
		}
		off := int(v)
		if off < prev {
			return nil, udserr.CorruptData
		}
		prev = off
		offsets[i] = off
	}
	if dataStart+offsets[listCount] > capacityBits {
		return nil, udserr.CorruptData
	}
	return &Page{
		Nonce: nonce, VirtualChapter: vcn,
		FirstList: firstList, ListCount: listCount,
		mem: mem, valueBits: valueBits, hp: hp,
		dataStart: dataStart, offsets: offsets,
	}, nil
}

// Entries decodes and returns the entries of the i'th list held by this
// page (0 <= i < ListCount).
func (p *Page) Entries(i int) ([]Entry, error) {
	if i < 0 || i >= p.ListCount {
		return nil, udserr.BadState
	}
	start := p.dataStart + p.offsets[i]
	end := p.dataStart + p.offsets[i+1]
	return decodeList(p.mem, start, end, p.valueBits, p.hp)
}

// Bytes returns the page's raw byte buffer, suitable for writing to the
// volume.
func (p *Page) Bytes() []byte { return p.mem }
