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

import "math"

// HuffmanParams holds the delta-coding parameters derived from a
// configured mean delta:
//
//	incrKeys ≈ ln(2) · mean
//	minBits  = ceil(log2(incrKeys+1))
//	minKeys  = 2^minBits - incrKeys
type HuffmanParams struct {
	minBits  uint
	minKeys  uint64
	incrKeys uint64
}

// DeriveHuffman exposes deriveHuffman so a caller that knows the mean
// delta a chapter index was built with (but not the Index itself, e.g.
// after reopening packed pages read off the volume) can reconstruct the
// exact same coding parameters rather than decoding with a zero value.
func DeriveHuffman(meanDelta uint64) HuffmanParams { return deriveHuffman(meanDelta) }

func deriveHuffman(meanDelta uint64) HuffmanParams {
	if meanDelta < 1 {
		meanDelta = 1
	}
	incr := uint64(math.Round(math.Ln2 * float64(meanDelta)))
	if incr < 1 {
		incr = 1
	}
	minBits := uint(math.Ceil(math.Log2(float64(incr) + 1)))
	if minBits < 1 {
		minBits = 1
	}
	minKeys := (uint64(1) << minBits) - incr
	return HuffmanParams{minBits: minBits, minKeys: minKeys, incrKeys: incr}
}

// encodeDelta appends the Huffman code for delta to w:
//
//	if delta < minKeys:       minBits bits holding delta
//	else:                     minBits bits holding ((delta-minKeys) mod incrKeys)+minKeys,
//	                          followed by floor((delta-minKeys)/incrKeys) zero bits
//	                          and a single terminating one bit.
func (p HuffmanParams) encodeDelta(w *bitWriter, delta uint64) {
	if delta < p.minKeys {
		w.writeBits(delta, int(p.minBits))
		return
	}
	rem := delta - p.minKeys
	fixed := (rem % p.incrKeys) + p.minKeys
	unary := rem / p.incrKeys
	w.writeBits(fixed, int(p.minBits))
	w.writeZeros(int(unary))
	w.writeOne()
}

// decodeDelta reverses encodeDelta.
func (p HuffmanParams) decodeDelta(r *bitReader) (uint64, error) {
	fixed, err := r.readBits(int(p.minBits))
	if err != nil {
		return 0, err
	}
	if fixed < p.minKeys {
		return fixed, nil
	}
	unary, err := r.readUnary()
	if err != nil {
		return 0, err
	}
	return p.minKeys + (fixed-p.minKeys)+uint64(unary)*p.incrKeys, nil
}
