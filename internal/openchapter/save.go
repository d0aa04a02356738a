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
	"encoding/binary"
	"io"

	"github.com/dm-vdo/uds/internal/namehash"
	"github.com/dm-vdo/uds/internal/udserr"
)

// openChapterImageMagic identifies a saved open-chapter image: every
// zone's live records, in Live() order, so a reload can simply Put each
// one back.
const openChapterImageMagic = "OC-00001"

// SaveOpenChapter writes every zone's live records.
func (w *ChapterWriter) SaveOpenChapter(dst io.Writer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var header [16]byte
	copy(header[0:8], openChapterImageMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(w.zones)))
	if _, err := dst.Write(header[:]); err != nil {
		return err
	}
	for _, z := range w.zones {
		live := z.Live()
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(live)))
		if _, err := dst.Write(countBuf[:]); err != nil {
			return err
		}
		for _, rec := range live {
			var buf [32]byte
			copy(buf[0:16], rec.Name[:])
			copy(buf[16:32], rec.Metadata[:])
			if _, err := dst.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadOpenChapter replaces every zone buffer's contents with a
// previously saved image. The writer's zone count and per-zone
// capacity must already match the configuration the image was saved
// under; a mismatched zone count is rejected rather than silently
// redistributing records across a different shard count.
func (w *ChapterWriter) LoadOpenChapter(src io.Reader) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var header [16]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return udserr.CorruptData
	}
	if string(header[0:8]) != openChapterImageMagic {
		return udserr.CorruptData
	}
	zoneCount := int(binary.LittleEndian.Uint32(header[8:12]))
	if zoneCount != len(w.zones) {
		return udserr.CorruptData
	}

	for _, z := range w.zones {
		z.Reset()
		var countBuf [4]byte
		if _, err := io.ReadFull(src, countBuf[:]); err != nil {
			return udserr.CorruptData
		}
		count := binary.LittleEndian.Uint32(countBuf[:])
		for i := uint32(0); i < count; i++ {
			var buf [32]byte
			if _, err := io.ReadFull(src, buf[:]); err != nil {
				return udserr.CorruptData
			}
			var name namehash.Name
			var metadata [16]byte
			copy(name[:], buf[0:16])
			copy(metadata[:], buf[16:32])
			z.Put(name, metadata)
		}
	}
	return nil
}
