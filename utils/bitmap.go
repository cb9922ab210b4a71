// Copyright (c) 2024 The Mstarc Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package utils

import "mstarc/internal/diag"

// BitMap is a fixed-size bit vector, one bit per virtual register, backing
// the dataflow package's liveness and reaching-definitions sets: a block's
// live-in/live-out set is one BitMap, and the fixpoint loop's per-iteration
// work is almost entirely Unite/Intersect/Equals over these.
type BitMap struct {
	words []uint8
	bits  int
}

func NewBitMap(bits int) *BitMap {
	return &BitMap{
		words: make([]uint8, (bits+7)/8),
		bits:  bits,
	}
}

func (bm *BitMap) Size() int {
	return bm.bits
}

func (bm *BitMap) Set(i int) {
	w := i / 8
	bm.words[w] = bm.words[w] | (1 << uint8(i%8))
}

func (bm *BitMap) Reset(i int) {
	w := i / 8
	bm.words[w] = bm.words[w] & (^(1 << uint8(i%8)))
}

func (bm *BitMap) IsSet(i int) bool {
	return (bm.words[i/8] & (1 << uint8(i%8))) != uint8(0)
}

func (bm *BitMap) sameSize(o *BitMap) {
	if bm.bits != o.bits {
		panic(diag.NewInternalError("bitmap size mismatch: %d vs %d", bm.bits, o.bits))
	}
}

// Unite ORs o into bm in place and reports whether bm actually changed, so
// a dataflow fixpoint loop knows whether to keep iterating.
func (bm *BitMap) Unite(o *BitMap) bool {
	bm.sameSize(o)
	changed := false
	for i := range bm.words {
		nv := bm.words[i] | o.words[i]
		if nv != bm.words[i] {
			bm.words[i] = nv
			changed = true
		}
	}
	return changed
}

// Intersect ANDs o into bm in place and reports whether bm changed.
func (bm *BitMap) Intersect(o *BitMap) bool {
	bm.sameSize(o)
	changed := false
	for i := range bm.words {
		v := bm.words[i] & o.words[i]
		if v != bm.words[i] {
			bm.words[i] = v
			changed = true
		}
	}
	return changed
}

// SetFrom overwrites bm's bits with o's and reports whether anything
// changed.
func (bm *BitMap) SetFrom(o *BitMap) bool {
	bm.sameSize(o)
	changed := false
	for i := range o.words {
		if o.words[i] != bm.words[i] {
			bm.words[i] = o.words[i]
			changed = true
		}
	}
	return changed
}

// Remove clears every bit in bm that's set in o (bm &^= o) and reports
// whether anything changed.
func (bm *BitMap) Remove(o *BitMap) bool {
	bm.sameSize(o)
	changed := false
	for i := range o.words {
		nv := bm.words[i] & (^o.words[i])
		if nv != bm.words[i] {
			bm.words[i] = nv
			changed = true
		}
	}
	return changed
}

func (bm *BitMap) Copy() *BitMap {
	words := make([]uint8, len(bm.words))
	copy(words, bm.words)
	return &BitMap{words: words, bits: bm.bits}
}

func (bm *BitMap) Equals(o *BitMap) bool {
	if bm.bits != o.bits {
		return false
	}
	for i := range bm.words {
		if bm.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

func (bm *BitMap) IsEmpty() bool {
	for _, w := range bm.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// ForEach invokes f with the index of every set bit, in ascending order.
func (bm *BitMap) ForEach(f func(int)) {
	for i := 0; i < bm.bits; i++ {
		if bm.IsSet(i) {
			f(i)
		}
	}
}
