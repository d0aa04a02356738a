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

import "github.com/dm-vdo/uds/internal/udserr"

// maxListBits is the overflow threshold: a list whose
// encoded size exceeds this many bits surfaces ErrOverflow rather than
// being committed.
const maxListBits = 65535

// fullNameBits is the width of the overflow bits a collision entry
// carries: the complete 16-byte record name.
const fullNameBits = 128

// Entry is one decoded delta-list entry: an address (the "key", strictly
// increasing across entries except at collisions) and its payload value.
// A Collision entry carries the same Key as its predecessor plus the
// full 16-byte name that produced the tie.
type Entry struct {
	Key       uint64
	Value     uint64
	Collision bool
	FullName  [16]byte
}

// encodeList writes entries (already sorted ascending by Key, with
// collisions represented as consecutive entries sharing a Key) using the
// wire format below, and returns the encoded bit length.
// It returns ErrOverflow without mutating the caller's state if the
// result would exceed maxListBits.
func encodeList(entries []Entry, valueBits int, hp HuffmanParams) ([]byte, int, error) {
	w := &bitWriter{}
	prev := uint64(0)
	for i, e := range entries {
		w.writeBits(e.Value, valueBits)
		if i > 0 && e.Collision {
			hp.encodeDelta(w, 0)
			hi := uint64(0)
			for j := 0; j < 8; j++ {
				hi = hi<<8 | uint64(e.FullName[j])
			}
			lo := uint64(0)
			for j := 8; j < 16; j++ {
				lo = lo<<8 | uint64(e.FullName[j])
			}
			w.writeBits(hi, 64)
			w.writeBits(lo, 64)
		} else {
			hp.encodeDelta(w, e.Key-prev)
			prev = e.Key
		}
		if w.bitLen() > maxListBits {
			return nil, 0, udserr.Overflow
		}
	}
	return w.buf, w.bitLen(), nil
}

// decodeList reverses encodeList, reading exactly the bits in
// [startBit,endBit) of buf.
func decodeList(buf []byte, startBit, endBit, valueBits int, hp HuffmanParams) ([]Entry, error) {
	r := newBitReader(buf, startBit, endBit)
	var entries []Entry
	prev := uint64(0)
	first := true
	for r.remaining() > 0 {
		value, err := r.readBits(valueBits)
		if err != nil {
			return nil, err
		}
		delta, err := hp.decodeDelta(r)
		if err != nil {
			return nil, err
		}
		if delta == 0 && !first {
			hi, err := r.readBits(64)
			if err != nil {
				return nil, err
			}
			lo, err := r.readBits(64)
			if err != nil {
				return nil, err
			}
			var name [16]byte
			for j := 0; j < 8; j++ {
				name[j] = byte(hi >> uint(56-8*j))
			}
			for j := 0; j < 8; j++ {
				name[8+j] = byte(lo >> uint(56-8*j))
			}
			entries = append(entries, Entry{Key: prev, Value: value, Collision: true, FullName: name})
			continue
		}
		prev += delta
		entries = append(entries, Entry{Key: prev, Value: value})
		first = false
	}
	return entries, nil
}
