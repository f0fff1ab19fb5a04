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

// Package hashmap is the join-table capability consumed by the build
// operator. Keys group build-side rows; each group keeps the selection
// vector of row positions that carry the key.
package hashmap

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

// UnitLimit is the batch granularity for bulk insert/find.
const UnitLimit = 256

// HashMap is the hash table interface exposed to the join.
type HashMap interface {
	// Insert adds the keys of vec, remembering row offsets starting at base.
	Insert(vec *vector.Vector, base int64) error
	// FindInt returns the selection vector for an integer key, nil if absent.
	FindInt(key int64) []int64
	// FindBytes returns the selection vector for a bytes key, nil if absent.
	FindBytes(key []byte) []int64
	// GroupCount returns the number of distinct keys.
	GroupCount() uint64
	// Size returns the table footprint estimate in bytes.
	Size() int64
	// Free drops the table.
	Free()
}

// IntHashMap groups int64 keys.
type IntHashMap struct {
	groups map[int64][]int64
	size   int64
}

func NewIntHashMap() *IntHashMap {
	return &IntHashMap{groups: make(map[int64][]int64)}
}

func (m *IntHashMap) Insert(vec *vector.Vector, base int64) error {
	if vec.Typ() != vector.TInt64 {
		return verr.NewInternal(verr.Context(), "int hashmap fed a varlen vector")
	}
	for i, key := range vec.Ints() {
		if _, ok := m.groups[key]; !ok {
			m.size += 16
		}
		m.groups[key] = append(m.groups[key], base+int64(i))
		m.size += 8
	}
	return nil
}

func (m *IntHashMap) FindInt(key int64) []int64 {
	return m.groups[key]
}

func (m *IntHashMap) FindBytes(key []byte) []int64 {
	return nil
}

func (m *IntHashMap) GroupCount() uint64 {
	return uint64(len(m.groups))
}

func (m *IntHashMap) Size() int64 {
	return m.size
}

func (m *IntHashMap) Free() {
	m.groups = nil
	m.size = 0
}

// strGroup is one distinct key and the build rows that carry it. The
// key bytes are owned by the group, not borrowed from the inserted
// vector.
type strGroup struct {
	key  []byte
	sels []int64
}

// StrHashMap groups variable-length keys. Buckets are keyed by xxhash;
// full keys that collide chain within the bucket, and both insert and
// find compare payloads so a hash collision never merges or matches
// distinct keys.
type StrHashMap struct {
	buckets map[uint64][]strGroup
	count   uint64
	size    int64
}

func NewStrHashMap() *StrHashMap {
	return &StrHashMap{buckets: make(map[uint64][]strGroup)}
}

func (m *StrHashMap) Insert(vec *vector.Vector, base int64) error {
	if vec.Typ() != vector.TVarlen {
		return verr.NewInternal(verr.Context(), "str hashmap fed an int vector")
	}
	for i := 0; i < vec.Length(); i++ {
		key := vec.GetBytes(i)
		h := xxhash.Sum64(key)
		chain := m.buckets[h]
		idx := -1
		for gi := range chain {
			if bytes.Equal(chain[gi].key, key) {
				idx = gi
				break
			}
		}
		if idx < 0 {
			chain = append(chain, strGroup{key: append([]byte(nil), key...)})
			idx = len(chain) - 1
			m.count++
			m.size += int64(len(key)) + 24
		}
		chain[idx].sels = append(chain[idx].sels, base+int64(i))
		m.buckets[h] = chain
		m.size += 8
	}
	return nil
}

func (m *StrHashMap) FindInt(key int64) []int64 {
	return nil
}

func (m *StrHashMap) FindBytes(key []byte) []int64 {
	for gi, chain := 0, m.buckets[xxhash.Sum64(key)]; gi < len(chain); gi++ {
		if bytes.Equal(chain[gi].key, key) {
			return chain[gi].sels
		}
	}
	return nil
}

func (m *StrHashMap) GroupCount() uint64 {
	return m.count
}

func (m *StrHashMap) Size() int64 {
	return m.size
}

func (m *StrHashMap) Free() {
	m.buckets = nil
	m.count = 0
	m.size = 0
}
