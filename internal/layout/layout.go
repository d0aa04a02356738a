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

// Package layout describes the on-disk region map of a volume file: the
// super block, the volume region (the circular chapter log), and the
// saved-state region written on a clean suspend.
package layout

import (
	"encoding/binary"

	"github.com/dm-vdo/uds/internal/geometry"
	"github.com/dm-vdo/uds/internal/udserr"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// superMagic identifies a formatted volume file.
const superMagic = "UDSSUPR1"

// superBlockBytes is the fixed on-disk size of the super block, padded
// well past its used fields so future fields never shift the volume
// region's start offset.
const superBlockBytes = 512

// SuperBlockBytes exports superBlockBytes for callers sizing a volume
// file before it has been formatted.
const SuperBlockBytes = superBlockBytes

// macKeyLen is the BLAKE2b keyed-MAC key size used for region integrity
// checks; the key is derived from the nonce so no separate key material
// needs to be persisted.
const macKeyLen = 32

// SuperBlock is the first on-disk region: format identity, geometry, and
// the region offsets that follow it.
type SuperBlock struct {
	Nonce          uint64
	InstanceID     uuid.UUID
	Geo            geometry.Geometry
	VolumeOffset   int64
	SavedOffset    int64
	SavedLength    int64
	HasSavedState  bool
}

// Format builds a fresh super block for a newly created volume around
// the caller's nonce, minting a random instance identifier at
// resource-creation time, the same way a tenant-scoped identifier gets
// minted once and kept stable.
func Format(geo geometry.Geometry, nonce uint64, volumeOffset int64) SuperBlock {
	return SuperBlock{
		Nonce:        nonce,
		InstanceID:   uuid.New(),
		Geo:          geo,
		VolumeOffset: volumeOffset,
	}
}

func macKey(nonce uint64) []byte {
	key := make([]byte, macKeyLen)
	binary.LittleEndian.PutUint64(key, nonce)
	return key
}

// Encode serializes the super block, appending a keyed BLAKE2b-256 MAC
// computed over the preceding bytes so Decode can detect corruption or a
// mismatched nonce without a separate checksum scheme.
func (s SuperBlock) Encode() ([]byte, error) {
	buf := make([]byte, superBlockBytes)
	copy(buf[0:8], superMagic)
	binary.LittleEndian.PutUint64(buf[8:16], s.Nonce)
	idBytes, err := s.InstanceID.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(buf[16:32], idBytes)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(s.Geo.BytesPerPage))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(s.Geo.RecordsPerPage))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(s.Geo.RecordPagesPerChapter))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(s.Geo.IndexPagesPerChapter))
	binary.LittleEndian.PutUint32(buf[48:52], uint32(s.Geo.ChaptersPerVolume))
	binary.LittleEndian.PutUint32(buf[52:56], uint32(s.Geo.SparseChaptersPerVolume))
	binary.LittleEndian.PutUint32(buf[56:60], s.Geo.SparseSampleRate)
	binary.LittleEndian.PutUint64(buf[60:68], uint64(s.Geo.RemappedPhysical))
	binary.LittleEndian.PutUint64(buf[68:76], uint64(s.Geo.RemappedVirtual))
	binary.LittleEndian.PutUint64(buf[76:84], uint64(s.VolumeOffset))
	binary.LittleEndian.PutUint64(buf[84:92], uint64(s.SavedOffset))
	binary.LittleEndian.PutUint64(buf[92:100], uint64(s.SavedLength))
	if s.HasSavedState {
		buf[100] = 1
	}

	mac, err := blake2b.New256(macKey(s.Nonce))
	if err != nil {
		return nil, err
	}
	const macOffset = superBlockBytes - blake2b.Size256
	mac.Write(buf[:macOffset])
	copy(buf[macOffset:], mac.Sum(nil))
	return buf, nil
}

// Decode parses and verifies a super block previously written by
// Encode, returning ErrCorruptData if the magic, MAC, or geometry fail
// validation.
func Decode(buf []byte) (SuperBlock, error) {
	if len(buf) < superBlockBytes || string(buf[0:8]) != superMagic {
		return SuperBlock{}, udserr.CorruptData
	}
	nonce := binary.LittleEndian.Uint64(buf[8:16])

	const macOffset = superBlockBytes - blake2b.Size256
	mac, err := blake2b.New256(macKey(nonce))
	if err != nil {
		return SuperBlock{}, err
	}
	mac.Write(buf[:macOffset])
	sum := mac.Sum(nil)
	for i, b := range sum {
		if buf[macOffset+i] != b {
			return SuperBlock{}, udserr.CorruptData
		}
	}

	var id uuid.UUID
	if err := id.UnmarshalBinary(buf[16:32]); err != nil {
		return SuperBlock{}, udserr.CorruptData
	}
	geo, err := geometry.New(
		int(binary.LittleEndian.Uint32(buf[32:36])),
		int(binary.LittleEndian.Uint32(buf[36:40])),
		int(binary.LittleEndian.Uint32(buf[40:44])),
		int(binary.LittleEndian.Uint32(buf[44:48])),
		int(binary.LittleEndian.Uint32(buf[48:52])),
		int(binary.LittleEndian.Uint32(buf[52:56])),
		binary.LittleEndian.Uint32(buf[56:60]),
	)
	if err != nil {
		return SuperBlock{}, udserr.CorruptData
	}
	geo.RemappedPhysical = int64(binary.LittleEndian.Uint64(buf[60:68]))
	geo.RemappedVirtual = int64(binary.LittleEndian.Uint64(buf[68:76]))

	return SuperBlock{
		Nonce: nonce, InstanceID: id, Geo: geo,
		VolumeOffset:  int64(binary.LittleEndian.Uint64(buf[76:84])),
		SavedOffset:   int64(binary.LittleEndian.Uint64(buf[84:92])),
		SavedLength:   int64(binary.LittleEndian.Uint64(buf[92:100])),
		HasSavedState: buf[100] != 0,
	}, nil
}

// VolumeRegionOffset returns the byte offset of chapter 0's first page.
func (s SuperBlock) VolumeRegionOffset() int64 { return s.VolumeOffset }

// ChapterOffset returns the byte offset of the given physical chapter
// slot's first page.
func (s SuperBlock) ChapterOffset(physicalSlot int64) int64 {
	bytesPerChapter := int64(s.Geo.PagesPerChapter()) * int64(s.Geo.BytesPerPage)
	return s.VolumeOffset + physicalSlot*bytesPerChapter
}
