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

// Package join owns the shared state of one hash join node: the
// build-side table, split into one disjoint partition per build lane,
// and the per-lane filter-computation scratch. Build operators and
// probe operators hold it jointly through an atomic reference count;
// the last reference dropped tears the table down.
package join

import (
	"sync/atomic"

	"github.com/vexdb/vexdb/pkg/common/bloomfilter"
	"github.com/vexdb/vexdb/pkg/common/hashmap"
	"github.com/vexdb/vexdb/pkg/common/mpool"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/vm/message"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

type Phase int32

const (
	Building Phase = iota
	Probing
)

// partition is one lane's share of the build side. Only its owning lane
// touches it during the build phase, so it carries no lock; probers read
// it only after the phase gate flips.
type partition struct {
	batches    []*batch.Batch
	rowCount   int64
	accounted  int64
	tables     []hashmap.HashMap // one per key column
	uniqueKeys []*vector.Vector  // one per key column, filled at filter build
}

type Joiner struct {
	nodeID     int32
	buildLanes int32
	keyCols    []int
	mp         *mpool.MPool

	refCnt     atomic.Int64
	reserved   atomic.Int64
	phase      atomic.Int32
	readyLanes atomic.Int32
	valid      atomic.Bool

	partitions []*partition
}

// NewJoiner creates the joiner with a zero reference count; every owner,
// builder or prober, must Ref (or consume a reservation) before use.
func NewJoiner(nodeID, buildLanes int32, keyCols []int, mp *mpool.MPool) *Joiner {
	j := &Joiner{
		nodeID:     nodeID,
		buildLanes: buildLanes,
		keyCols:    append([]int(nil), keyCols...),
		mp:         mp,
		partitions: make([]*partition, buildLanes),
	}
	for i := range j.partitions {
		j.partitions[i] = &partition{}
	}
	j.valid.Store(true)
	return j
}

func (j *Joiner) NodeID() int32 {
	return j.nodeID
}

func (j *Joiner) BuildLanes() int32 {
	return j.buildLanes
}

func (j *Joiner) KeyCols() []int {
	return j.keyCols
}

func (j *Joiner) Phase() Phase {
	return Phase(j.phase.Load())
}

func (j *Joiner) IsValid() bool {
	return j.valid.Load()
}

func (j *Joiner) RefCount() int64 {
	return j.refCnt.Load()
}

// Ref acquires one ownership reference.
func (j *Joiner) Ref() {
	j.refCnt.Add(1)
}

// ReserveFutureOwner acquires a reference on behalf of a prober that
// will be instantiated lazily. The intent is explicit so reference
// audits can pair every acquire with its future owner.
func (j *Joiner) ReserveFutureOwner() {
	j.refCnt.Add(1)
	j.reserved.Add(1)
}

// BindProber hands a previously reserved reference to a now-real
// prober. Without an outstanding reservation it falls back to a plain
// Ref, so late probers beyond the reserved set still own safely.
func (j *Joiner) BindProber() {
	for {
		r := j.reserved.Load()
		if r == 0 {
			j.refCnt.Add(1)
			return
		}
		if j.reserved.CompareAndSwap(r, r-1) {
			return
		}
	}
}

// ReleaseReservation drops a reservation whose prober will never exist
// (e.g. the query failed before probe setup).
func (j *Joiner) ReleaseReservation(proc *process.Process) {
	for {
		r := j.reserved.Load()
		if r == 0 {
			return
		}
		if j.reserved.CompareAndSwap(r, r-1) {
			j.Unref(proc)
			return
		}
	}
}

// Unref drops one reference; the holder must not touch the joiner
// afterwards. The reference reaching zero frees the table and filter
// state. Builder and prober closes race across threads, which is why
// this is atomic all the way down.
func (j *Joiner) Unref(proc *process.Process) {
	if n := j.refCnt.Add(-1); n > 0 {
		return
	} else if n < 0 {
		// closing more owners than ever acquired is a bug upstream
		proc.Error("joiner reference count went negative")
		return
	}
	j.freeMemory()
}

func (j *Joiner) freeMemory() {
	if !j.valid.CompareAndSwap(true, false) {
		return
	}
	for _, part := range j.partitions {
		for _, tbl := range part.tables {
			if tbl != nil {
				tbl.Free()
			}
		}
		part.tables = nil
		part.batches = nil
		part.uniqueKeys = nil
		if part.accounted > 0 {
			j.mp.Free(part.accounted)
			part.accounted = 0
		}
	}
}

// AppendChunk stages a copy of bat into lane's partition. Purely
// additive; no cross-lane work happens here.
func (j *Joiner) AppendChunk(proc *process.Process, lane int32, bat *batch.Batch) error {
	if j.Phase() != Building {
		return verr.NewInvalidState(proc.Ctx, "append to joiner in probe phase")
	}
	if lane < 0 || lane >= j.buildLanes {
		return verr.NewInvalidArg(proc.Ctx, "driver sequence", lane)
	}
	if err := bat.Sanity(); err != nil {
		return err
	}
	size := bat.Size()
	if err := j.mp.Alloc(size); err != nil {
		return err
	}
	part := j.partitions[lane]
	part.batches = append(part.batches, bat.Dup())
	part.rowCount += int64(bat.RowCount())
	part.accounted += size
	return nil
}

// FinalizeLane builds lane's hash tables from its staged batches.
func (j *Joiner) FinalizeLane(proc *process.Process, lane int32) error {
	if j.Phase() != Building {
		return verr.NewInvalidState(proc.Ctx, "finalize in probe phase")
	}
	part := j.partitions[lane]
	part.tables = make([]hashmap.HashMap, len(j.keyCols))
	for slot, col := range j.keyCols {
		var tbl hashmap.HashMap
		if j.keyType(part, col) == vector.TInt64 {
			tbl = hashmap.NewIntHashMap()
		} else {
			tbl = hashmap.NewStrHashMap()
		}
		var base int64
		for _, bat := range part.batches {
			if err := tbl.Insert(bat.Vecs[col], base); err != nil {
				return err
			}
			base += int64(bat.RowCount())
		}
		if err := j.mp.Alloc(tbl.Size()); err != nil {
			tbl.Free()
			return err
		}
		part.accounted += tbl.Size()
		part.tables[slot] = tbl
	}
	return nil
}

func (j *Joiner) keyType(part *partition, col int) vector.T {
	if len(part.batches) == 0 {
		return vector.TInt64
	}
	return part.batches[0].Vecs[col].Typ()
}

// BuildRuntimeFilters computes lane's local contribution: row count,
// one in-filter and one bloom build param per key column. Realized
// bloom filters stay nil on this path; the merger sizes the global one
// from the aggregate count.
func (j *Joiner) BuildRuntimeFilters(proc *process.Process, lane int32, inFilterLimit int) (
	int64, []*message.InFilter, []bloomfilter.BuildParams, []*bloomfilter.BloomFilter, error,
) {
	if j.Phase() != Building {
		return 0, nil, nil, nil, verr.NewInvalidState(proc.Ctx, "filter build in probe phase")
	}
	part := j.partitions[lane]
	part.uniqueKeys = make([]*vector.Vector, len(j.keyCols))

	inFilters := make([]*message.InFilter, len(j.keyCols))
	params := make([]bloomfilter.BuildParams, len(j.keyCols))
	for slot, col := range j.keyCols {
		unique := j.collectKeys(part, col)
		unique.InplaceSortDedup()
		part.uniqueKeys[slot] = unique
		inFilters[slot] = message.NewInFilter(unique, inFilterLimit)
		params[slot] = bloomfilter.BuildParams{
			RowCount: int64(unique.Length()),
			Keys:     unique,
		}
	}
	return part.rowCount, inFilters, params, nil, nil
}

func (j *Joiner) collectKeys(part *partition, col int) *vector.Vector {
	if len(part.batches) == 0 {
		return vector.NewInt64()
	}
	keys := part.batches[0].Vecs[col].Dup()
	for _, bat := range part.batches[1:] {
		// Union never fails here: one lane, one column, one type.
		verr.PermitUnchecked(keys.Union(bat.Vecs[col]))
	}
	return keys
}

// StringKeyColumns returns lane's varlen unique key vectors. Their
// payloads back the in-filters, so the caller must retain them until
// the global merge completes.
func (j *Joiner) StringKeyColumns(lane int32) []*vector.Vector {
	part := j.partitions[lane]
	var cols []*vector.Vector
	for _, vec := range part.uniqueKeys {
		if vec != nil && vec.Typ() == vector.TVarlen {
			cols = append(cols, vec)
		}
	}
	return cols
}

// LaneProbeReady marks lane's partition finished. The table becomes
// probe-readable only once every build lane has reported; nothing is
// visible to probers before that.
func (j *Joiner) LaneProbeReady(lane int32) {
	if n := j.readyLanes.Add(1); n == j.buildLanes {
		j.phase.Store(int32(Probing))
	}
}

// RowCount is the staged build-side row total.
func (j *Joiner) RowCount() int64 {
	var total int64
	for _, part := range j.partitions {
		total += part.rowCount
	}
	return total
}

// GroupCount sums distinct keys of the first key column across lanes.
func (j *Joiner) GroupCount() uint64 {
	var total uint64
	for _, part := range j.partitions {
		if len(part.tables) > 0 && part.tables[0] != nil {
			total += part.tables[0].GroupCount()
		}
	}
	return total
}

// ProbeBatch selects the probe rows whose key has at least one build
// match, fanning each lookup out over the per-lane partitions. Invalid
// before the probe phase: an early prober is a scheduling bug, not an
// empty result.
func (j *Joiner) ProbeBatch(proc *process.Process, bat *batch.Batch) (*batch.Batch, error) {
	if j.Phase() != Probing {
		return nil, verr.NewInvalidState(proc.Ctx, "probe before build finished")
	}
	if !j.IsValid() {
		return nil, verr.NewInvalidState(proc.Ctx, "probe on a freed joiner")
	}
	matched := make([]int, 0, bat.RowCount())
	keyVec := bat.Vecs[j.keyCols[0]]
	for row := 0; row < bat.RowCount(); row++ {
		if j.rowMatches(keyVec, row) {
			matched = append(matched, row)
		}
	}
	return selectRows(bat, matched), nil
}

func (j *Joiner) rowMatches(keyVec *vector.Vector, row int) bool {
	for _, part := range j.partitions {
		if len(part.tables) == 0 || part.tables[0] == nil {
			continue
		}
		var sels []int64
		if keyVec.Typ() == vector.TInt64 {
			sels = part.tables[0].FindInt(keyVec.GetInt64(row))
		} else {
			sels = part.tables[0].FindBytes(keyVec.GetBytes(row))
		}
		if len(sels) > 0 {
			return true
		}
	}
	return false
}
