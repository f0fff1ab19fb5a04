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

// Package hashbuild implements the build side of a parallel hash join.
// A factory fans one plan node out into dop lanes; each lane stages its
// chunk stream into its joiner partition, and on finishing contributes
// its partial runtime filters to the node's merger. Whichever lane
// completes the merger performs the global merge and publishes.
package hashbuild

import (
	"sync"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/metrics"
	"github.com/vexdb/vexdb/pkg/sql/colexec/join"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/message"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

const DefaultInFilterLimit = 1024

// HashJoinBuildFactory owns the state shared by all build lanes of one
// join node: the joiner, the merger barrier, and the retained string key
// columns whose payloads back the in-filters until the merge completes.
//
// Call order is Create for every driver sequence, then Prepare once the
// query context exists, then the lanes run.
type HashJoinBuildFactory struct {
	NodeID        int32
	Mode          vm.DistributionMode
	KeyCols       []int
	InFilterLimit int

	merger *message.PartialRuntimeFilterMerger

	mu       sync.Mutex
	lanes    int32
	joiner   *join.Joiner
	retained map[int32][]*vector.Vector
}

func NewHashJoinBuildFactory(nodeID int32, mode vm.DistributionMode, keyCols []int) *HashJoinBuildFactory {
	return &HashJoinBuildFactory{
		NodeID:        nodeID,
		Mode:          mode,
		KeyCols:       append([]int(nil), keyCols...),
		InFilterLimit: DefaultInFilterLimit,
		merger:        message.NewPartialRuntimeFilterMerger(),
		retained:      make(map[int32][]*vector.Vector),
	}
}

// buildLanes is the number of build driver sequences: a broadcast build
// is single-lane regardless of the pipeline's dop.
func (f *HashJoinBuildFactory) buildLanes(dop int32) int32 {
	if f.Mode == vm.Broadcast {
		return 1
	}
	return dop
}

// Create mints the lane operator for one driver sequence. Every call
// must agree on dop; the lane count is fixed by the first.
func (f *HashJoinBuildFactory) Create(dop, driverSequence int32) (vm.Operator, error) {
	lanes := f.buildLanes(dop)
	if driverSequence < 0 || driverSequence >= lanes {
		return nil, verr.NewInvalidArg(verr.Context(), "driver sequence", driverSequence)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lanes == 0 {
		f.lanes = lanes
	} else if f.lanes != lanes {
		return nil, verr.NewInternal(verr.Context(),
			"build lanes changed between creates: %d then %d", f.lanes, lanes)
	}

	op := &HashJoinBuildOperator{fac: f}
	op.SetInfo(vm.OperatorInfo{
		PlanNodeID:     f.NodeID,
		Name:           "hash_join_build",
		DriverSequence: driverSequence,
		Dop:            lanes,
	})
	return op, nil
}

// Prepare instantiates the joiner sized to the created lane set.
func (f *HashJoinBuildFactory) Prepare(proc *process.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lanes == 0 {
		return verr.NewInvalidState(proc.Ctx, "build factory prepared before any lane was created")
	}
	if f.joiner != nil {
		return verr.NewInvalidState(proc.Ctx, "build factory prepared twice")
	}
	f.joiner = join.NewJoiner(f.NodeID, f.lanes, f.KeyCols, proc.Mp())
	metrics.ActiveJoiners.Inc()
	return nil
}

// Joiner exposes the shared joiner to the probe-side plan. Nil until
// Prepare.
func (f *HashJoinBuildFactory) Joiner() *join.Joiner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joiner
}

// RetainStringKeyColumns keeps lane's varlen key vectors reachable until
// the global merge has consumed them.
func (f *HashJoinBuildFactory) RetainStringKeyColumns(lane int32, cols []*vector.Vector) {
	if len(cols) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained[lane] = cols
}

// Close drops the retained key columns; the merge, if it happened, is
// long done by pipeline teardown.
func (f *HashJoinBuildFactory) Close(proc *process.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained = make(map[int32][]*vector.Vector)
	if f.joiner != nil {
		metrics.ActiveJoiners.Dec()
	}
	return nil
}
