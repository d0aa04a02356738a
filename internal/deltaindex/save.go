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
	"io"

	"github.com/dm-vdo/uds/internal/udserr"
)

// saveMagic is this package's single delta-index save-format magic.
// This implementation picks one magic string and rejects anything else
// with ErrIndexObsolete rather than carrying a legacy reader.
const saveMagic = "DI-00002"

const guardTag = 'z'
const entryTag = 'e'

// preambleBytes is the size of the per-list {tag, bit_offset,
// byte_count, list_index} preamble.
const preambleBytes = 1 + 4 + 4 + 4

// SaveZone writes m's contents in the "DI-00002" per-zone save format.
func SaveZone(w io.Writer, m *MutableZoneMemory, zoneNumber, zoneCount int) error {
	var header [40]byte
	copy(header[0:8], saveMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(zoneNumber))
	binary.LittleEndian.PutUint32(header[12:16], uint32(zoneCount))
	binary.LittleEndian.PutUint32(header[16:20], 0) // first_list: this zone owns all its lists
	binary.LittleEndian.PutUint32(header[20:24], uint32(m.listCount))
	recordCount, collisionCount := 0, 0
	for i := range m.lists {
		recordCount += m.lists[i].recordCount
		collisionCount += m.lists[i].collisionCount
	}
	binary.LittleEndian.PutUint64(header[24:32], uint64(recordCount))
	binary.LittleEndian.PutUint64(header[32:40], uint64(collisionCount))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	// Sizes are recorded in bits, not bytes: maxListBits (65535) fits
	// exactly in a uint16, and byte-rounding here would make the
	// decoder unable to tell padding bits from a trailing entry.
	sizes := make([]byte, 2*m.listCount)
	for i := range m.lists {
		binary.LittleEndian.PutUint16(sizes[2*i:], uint16(m.lists[i].sizeBits))
	}
	if _, err := w.Write(sizes); err != nil {
		return err
	}

	for i := range m.lists {
		if m.lists[i].sizeBits == 0 {
			continue
		}
		bits, n := m.EncodedList(i)
		byteCount := bitsToBytes(n)
		var pre [preambleBytes]byte
		pre[0] = entryTag
		binary.LittleEndian.PutUint32(pre[1:5], 0)
		binary.LittleEndian.PutUint32(pre[5:9], uint32(byteCount))
		binary.LittleEndian.PutUint32(pre[9:13], uint32(i))
		if _, err := w.Write(pre[:]); err != nil {
			return err
		}
		if _, err := w.Write(bits[:byteCount]); err != nil {
			return err
		}
	}

	var guard [preambleBytes]byte
	guard[0] = guardTag
	_, err := w.Write(guard[:])
	return err
}

// LoadZone reads a zone previously written by SaveZone, reconstructing a
// MutableZoneMemory with the given per-entry payload width and mean
// delta (the Huffman parameters are not themselves persisted; the caller
// must reopen with the same configuration the index was created with).
func LoadZone(r io.Reader, valueBits int, meanDelta uint64) (m *MutableZoneMemory, zoneNumber, zoneCount int, err error) {
	var header [40]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return nil, 0, 0, err
	}
	if string(header[0:8]) != saveMagic {
		return nil, 0, 0, udserr.IndexObsolete
	}
	zoneNumber = int(binary.LittleEndian.Uint32(header[8:12]))
	zoneCount = int(binary.LittleEndian.Uint32(header[12:16]))
	listCount := int(binary.LittleEndian.Uint32(header[20:24]))

	sizes := make([]byte, 2*listCount)
	if _, err = io.ReadFull(r, sizes); err != nil {
		return nil, 0, 0, err
	}

	m = NewMutableZoneMemory(listCount, valueBits, meanDelta)
	for {
		var pre [preambleBytes]byte
		if _, err = io.ReadFull(r, pre[:]); err != nil {
			return nil, 0, 0, err
		}
		if pre[0] == guardTag {
			break
		}
		if pre[0] != entryTag {
			return nil, 0, 0, udserr.CorruptData
		}
		byteCount := int(binary.LittleEndian.Uint32(pre[5:9]))
		listIndex := int(binary.LittleEndian.Uint32(pre[9:13]))
		if listIndex < 0 || listIndex >= listCount {
			return nil, 0, 0, udserr.CorruptData
		}
		buf := make([]byte, byteCount)
		if _, err = io.ReadFull(r, buf); err != nil {
			return nil, 0, 0, err
		}
		nbits := int(binary.LittleEndian.Uint16(sizes[2*listIndex:]))
		entries, derr := decodeList(buf, 0, nbits, valueBits, m.hp)
		if derr != nil {
			return nil, 0, 0, udserr.CorruptData
		}
		if cerr := m.commitList(listIndex, entries); cerr != nil {
			return nil, 0, 0, cerr
		}
	}
	return m, zoneNumber, zoneCount, nil
}
