// Copyright 2023 The VexDB Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap is a flat fixed-size bitset. The bloom filter sits on
// top of it; bloom bit positions are uniform random, so a compressed
// bitmap buys nothing here.
package bitmap

import (
	"encoding/binary"
	"math/bits"

	"github.com/vexdb/vexdb/pkg/common/verr"
)

// In case len is not a multiple of 64, the code below assumes the
// trailing bits of the last word are zero.
type Bitmap struct {
	len  int64
	data []uint64
}

func New(nbits int64) *Bitmap {
	var bm Bitmap
	bm.InitWithSize(nbits)
	return &bm
}

func (n *Bitmap) InitWithSize(nbits int64) {
	n.len = nbits
	n.data = make([]uint64, (nbits+63)/64)
}

func (n *Bitmap) Len() int64 {
	return n.len
}

func (n *Bitmap) Add(pos uint64) {
	n.data[pos>>6] |= 1 << (pos & 63)
}

func (n *Bitmap) AddMany(poss []uint64) {
	for _, pos := range poss {
		n.data[pos>>6] |= 1 << (pos & 63)
	}
}

func (n *Bitmap) Contains(pos uint64) bool {
	return n.data[pos>>6]&(1<<(pos&63)) != 0
}

// Or merges other into n. Both bitmaps must be the same length.
func (n *Bitmap) Or(other *Bitmap) error {
	if other.len != n.len {
		return verr.NewInternal(verr.Context(), "bitmap length mismatch: %d vs %d", n.len, other.len)
	}
	for i := range n.data {
		n.data[i] |= other.data[i]
	}
	return nil
}

func (n *Bitmap) Count() int64 {
	var cnt int64
	for _, w := range n.data {
		cnt += int64(bits.OnesCount64(w))
	}
	return cnt
}

func (n *Bitmap) IsEmpty() bool {
	for _, w := range n.data {
		if w != 0 {
			return false
		}
	}
	return true
}

func (n *Bitmap) Reset() {
	n.len = 0
	n.data = nil
}

// Size returns the heap footprint in bytes.
func (n *Bitmap) Size() int64 {
	return int64(len(n.data)) * 8
}

// Marshal encodes as [len:u64][words...:u64], little-endian.
func (n *Bitmap) Marshal() []byte {
	data := make([]byte, 0, 8+len(n.data)*8)
	data = binary.LittleEndian.AppendUint64(data, uint64(n.len))
	for _, w := range n.data {
		data = binary.LittleEndian.AppendUint64(data, w)
	}
	return data
}

func (n *Bitmap) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return verr.NewInvalidInput(verr.Context(), "short bitmap encoding")
	}
	nbits := int64(binary.LittleEndian.Uint64(data))
	data = data[8:]
	nwords := int((nbits + 63) / 64)
	if len(data) < nwords*8 {
		return verr.NewInvalidInput(verr.Context(), "truncated bitmap encoding")
	}
	n.len = nbits
	n.data = make([]uint64, nwords)
	for i := 0; i < nwords; i++ {
		n.data[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return nil
}
