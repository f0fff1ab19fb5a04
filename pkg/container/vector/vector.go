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

// Package vector holds one column of a chunk. Two physical layouts are
// enough for join keys: fixed-width int64 and variable-length bytes.
package vector

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/vexdb/vexdb/pkg/common/verr"
)

type T uint8

const (
	TInt64 T = iota
	TVarlen
)

type Vector struct {
	typ  T
	ints []int64
	area [][]byte
}

func NewInt64(vals ...int64) *Vector {
	return &Vector{typ: TInt64, ints: append([]int64(nil), vals...)}
}

func NewVarlen(vals ...[]byte) *Vector {
	v := &Vector{typ: TVarlen}
	for _, val := range vals {
		v.AppendBytes(val)
	}
	return v
}

func (v *Vector) Typ() T {
	return v.typ
}

func (v *Vector) Length() int {
	if v.typ == TInt64 {
		return len(v.ints)
	}
	return len(v.area)
}

func (v *Vector) AppendInt64(val int64) {
	v.ints = append(v.ints, val)
}

// AppendBytes copies val; the vector owns its payload so retained key
// columns stay valid after the producer reuses its buffers.
func (v *Vector) AppendBytes(val []byte) {
	v.area = append(v.area, append([]byte(nil), val...))
}

func (v *Vector) GetInt64(i int) int64 {
	return v.ints[i]
}

func (v *Vector) GetBytes(i int) []byte {
	return v.area[i]
}

func (v *Vector) Ints() []int64 {
	return v.ints
}

// Size returns the payload footprint in bytes.
func (v *Vector) Size() int64 {
	if v.typ == TInt64 {
		return int64(len(v.ints)) * 8
	}
	var sz int64
	for _, b := range v.area {
		sz += int64(len(b))
	}
	return sz
}

// Dup deep-copies the vector.
func (v *Vector) Dup() *Vector {
	nv := &Vector{typ: v.typ}
	nv.ints = append([]int64(nil), v.ints...)
	for _, b := range v.area {
		nv.area = append(nv.area, append([]byte(nil), b...))
	}
	return nv
}

// Union appends all rows of other. Types must match.
func (v *Vector) Union(other *Vector) error {
	if other.typ != v.typ {
		return verr.NewInternal(verr.Context(), "union of mismatched vector types")
	}
	v.ints = append(v.ints, other.ints...)
	v.area = append(v.area, other.area...)
	return nil
}

// InplaceSortDedup sorts the vector and drops duplicate keys, keeping
// runtime in-filter payloads canonical.
func (v *Vector) InplaceSortDedup() {
	if v.typ == TInt64 {
		sort.Slice(v.ints, func(i, j int) bool { return v.ints[i] < v.ints[j] })
		out := v.ints[:0]
		for i, val := range v.ints {
			if i == 0 || val != out[len(out)-1] {
				out = append(out, val)
			}
		}
		v.ints = out
		return
	}
	sort.Slice(v.area, func(i, j int) bool { return bytes.Compare(v.area[i], v.area[j]) < 0 })
	out := v.area[:0]
	for i, val := range v.area {
		if i == 0 || !bytes.Equal(val, out[len(out)-1]) {
			out = append(out, val)
		}
	}
	v.area = out
}

// MarshalBinary encodes as
// [typ:u8][n:u32] then n int64 words, or n length-prefixed byte rows.
func (v *Vector) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.typ))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(v.Length()))
	buf.Write(n[:])
	if v.typ == TInt64 {
		var w [8]byte
		for _, val := range v.ints {
			binary.LittleEndian.PutUint64(w[:], uint64(val))
			buf.Write(w[:])
		}
		return buf.Bytes(), nil
	}
	var l [4]byte
	for _, b := range v.area {
		binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
		buf.Write(l[:])
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func (v *Vector) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return verr.NewInvalidInput(verr.Context(), "short vector encoding")
	}
	typ := T(data[0])
	n := int(binary.LittleEndian.Uint32(data[1:]))
	data = data[5:]
	v.typ = typ
	v.ints = nil
	v.area = nil
	if typ == TInt64 {
		if len(data) < n*8 {
			return verr.NewInvalidInput(verr.Context(), "truncated int64 vector")
		}
		v.ints = make([]int64, n)
		for i := 0; i < n; i++ {
			v.ints[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return nil
	}
	v.area = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(data) < 4 {
			return verr.NewInvalidInput(verr.Context(), "truncated varlen vector")
		}
		l := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < l {
			return verr.NewInvalidInput(verr.Context(), "truncated varlen row")
		}
		v.area = append(v.area, append([]byte(nil), data[:l]...))
		data = data[l:]
	}
	return nil
}
