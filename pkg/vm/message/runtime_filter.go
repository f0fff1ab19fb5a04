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

// Package message carries cross-operator state of a running query: the
// runtime filters the build side derives for the probe side, the merge
// barrier that combines per-lane contributions, and the hub where the
// merged result is published.
package message

import (
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

// InFilter is the exact-membership runtime filter over one join key
// column. Integer keys sit in a roaring bitmap; string keys keep a
// sorted unique vector whose payloads reference the retained build-side
// key columns, so those columns must outlive the merge.
//
// A filter that crossed its cardinality limit degenerates into a
// pass-through: it admits every row and merges into pass-through.
type InFilter struct {
	limit  int
	pass   bool
	intSet *roaring64.Bitmap
	strSet *vector.Vector
}

// NewInFilter builds a filter from a lane's unique key column.
// limit <= 0 means unlimited.
func NewInFilter(keys *vector.Vector, limit int) *InFilter {
	f := &InFilter{limit: limit}
	if limit > 0 && keys.Length() > limit {
		f.pass = true
		return f
	}
	if keys.Typ() == vector.TInt64 {
		f.intSet = roaring64.New()
		for _, key := range keys.Ints() {
			f.intSet.Add(uint64(key))
		}
		return f
	}
	f.strSet = keys.Dup()
	f.strSet.InplaceSortDedup()
	return f
}

// NewPassInFilter is the admit-everything filter.
func NewPassInFilter() *InFilter {
	return &InFilter{pass: true}
}

func (f *InFilter) IsPass() bool {
	return f.pass
}

func (f *InFilter) Card() uint64 {
	if f.pass {
		return 0
	}
	if f.intSet != nil {
		return f.intSet.GetCardinality()
	}
	return uint64(f.strSet.Length())
}

func (f *InFilter) ContainsInt64(key int64) bool {
	if f.pass {
		return true
	}
	if f.intSet == nil {
		return false
	}
	return f.intSet.Contains(uint64(key))
}

func (f *InFilter) ContainsBytes(key []byte) bool {
	if f.pass {
		return true
	}
	if f.strSet == nil {
		return false
	}
	lo, hi := 0, f.strSet.Length()
	for lo < hi {
		mid := (lo + hi) / 2
		if string(f.strSet.GetBytes(mid)) < string(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < f.strSet.Length() && string(f.strSet.GetBytes(lo)) == string(key)
}

// Merge unions other into f. Merging into or from a pass-through yields
// a pass-through; crossing the limit during the union degenerates too.
func (f *InFilter) Merge(other *InFilter) error {
	if f.pass {
		return nil
	}
	if other.pass {
		f.pass = true
		f.intSet = nil
		f.strSet = nil
		return nil
	}
	if (f.intSet == nil) != (other.intSet == nil) {
		return verr.NewInternal(verr.Context(), "merging in-filters of different key types")
	}
	if f.intSet != nil {
		f.intSet.Or(other.intSet)
		if f.limit > 0 && f.intSet.GetCardinality() > uint64(f.limit) {
			f.pass = true
			f.intSet = nil
		}
		return nil
	}
	if err := f.strSet.Union(other.strSet); err != nil {
		return err
	}
	f.strSet.InplaceSortDedup()
	if f.limit > 0 && f.strSet.Length() > f.limit {
		f.pass = true
		f.strSet = nil
	}
	return nil
}

// Marshal encodes the filter payload for an IN message. Pass-through
// filters have no payload; callers send PASS instead.
func (f *InFilter) Marshal() ([]byte, error) {
	if f.pass {
		return nil, verr.NewInternal(verr.Context(), "marshal of pass-through in-filter")
	}
	if f.intSet != nil {
		return f.intSet.ToBytes()
	}
	return f.strSet.MarshalBinary()
}
