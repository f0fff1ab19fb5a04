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

// Package bloomfilter implements the runtime-filter bloom filter pushed
// from the build side to probers and remote fragments.
package bloomfilter

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/vexdb/vexdb/pkg/common/bitmap"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

// BuildParams is one lane's contribution before the global filter size
// is known: the unique key column plus its cardinality. The final filter
// is sized from the aggregate row count across lanes and then fed every
// lane's keys.
type BuildParams struct {
	RowCount int64
	Keys     *vector.Vector
}

type BloomFilter struct {
	bm        *bitmap.Bitmap
	hashCount uint32
}

// ProbabilityForRows picks the false positive rate from the build-side
// row count, trading memory against filtering accuracy.
func ProbabilityForRows(rowCount int64) float64 {
	switch {
	case rowCount < 100_001:
		return 0.00001
	case rowCount < 1_000_001:
		return 0.000003
	case rowCount < 10_000_001:
		return 0.000001
	case rowCount < 100_000_001:
		return 0.0000005
	case rowCount < 1_000_000_001:
		return 0.0000002
	default:
		return 0.0000001
	}
}

// New sizes a filter for rowCount keys at the given false positive
// probability: m = -n*ln(p)/(ln 2)^2 bits, k = m/n*ln 2 hashes.
func New(rowCount int64, probability float64) *BloomFilter {
	if rowCount < 1 {
		rowCount = 1
	}
	ln2 := math.Ln2
	m := int64(math.Ceil(-float64(rowCount) * math.Log(probability) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(rowCount) * ln2))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{bm: bitmap.New(m), hashCount: k}
}

// positions derives the k bit positions from one 64-bit hash
// (Kirsch-Mitzenmacher double hashing).
func (bf *BloomFilter) positions(h uint64, out []uint64) []uint64 {
	m := uint64(bf.bm.Len())
	h2 := bits.RotateLeft64(h, 32) | 1
	for i := uint32(0); i < bf.hashCount; i++ {
		out = append(out, h%m)
		h += h2
	}
	return out
}

func (bf *BloomFilter) Add(key []byte) {
	var poss [32]uint64
	bf.bm.AddMany(bf.positions(xxhash.Sum64(key), poss[:0]))
}

func (bf *BloomFilter) AddInt64(key int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	bf.Add(buf[:])
}

func (bf *BloomFilter) AddVector(v *vector.Vector) {
	if v.Typ() == vector.TInt64 {
		for _, key := range v.Ints() {
			bf.AddInt64(key)
		}
		return
	}
	for i := 0; i < v.Length(); i++ {
		bf.Add(v.GetBytes(i))
	}
}

func (bf *BloomFilter) MayContain(key []byte) bool {
	var poss [32]uint64
	for _, pos := range bf.positions(xxhash.Sum64(key), poss[:0]) {
		if !bf.bm.Contains(pos) {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) MayContainInt64(key int64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return bf.MayContain(buf[:])
}

// OrMerge unions a same-shape filter into bf. Shape mismatch means the
// two filters were built from different params and cannot be combined.
func (bf *BloomFilter) OrMerge(other *BloomFilter) error {
	if other.hashCount != bf.hashCount || other.bm.Len() != bf.bm.Len() {
		return verr.NewInternal(verr.Context(),
			"bloom filter shape mismatch: %d/%d bits, %d/%d hashes",
			bf.bm.Len(), other.bm.Len(), bf.hashCount, other.hashCount)
	}
	return bf.bm.Or(other.bm)
}

// AllocSize reports the filter's bit array footprint for metrics.
func (bf *BloomFilter) AllocSize() int64 {
	return bf.bm.Size()
}

// Marshal encodes as [hashCount:u32][bitmap bytes].
func (bf *BloomFilter) Marshal() ([]byte, error) {
	bm := bf.bm.Marshal()
	data := make([]byte, 0, 4+len(bm))
	data = binary.LittleEndian.AppendUint32(data, bf.hashCount)
	data = append(data, bm...)
	return data, nil
}

func (bf *BloomFilter) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return verr.NewInvalidInput(verr.Context(), "short bloom filter encoding")
	}
	k := binary.LittleEndian.Uint32(data)
	if k == 0 {
		return verr.NewInvalidInput(verr.Context(), "bloom filter with zero hashes")
	}
	var bm bitmap.Bitmap
	if err := bm.Unmarshal(data[4:]); err != nil {
		return err
	}
	bf.hashCount = k
	bf.bm = &bm
	return nil
}
