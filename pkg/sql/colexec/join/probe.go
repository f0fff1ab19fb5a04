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

package join

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/message"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

// HashJoinProbeOperator is one probe-side lane. It consumes a joiner
// reservation made at plan construction, filters incoming chunks with
// the node's merged runtime filters and emits the matching rows.
type HashJoinProbeOperator struct {
	vm.OperatorBase

	joiner    *Joiner
	collector *message.RuntimeFilterCollector

	// set once Prepare has bound this lane's joiner reference
	bound bool

	pending []*batch.Batch
}

func NewHashJoinProbeOperator(j *Joiner, info vm.OperatorInfo) *HashJoinProbeOperator {
	op := &HashJoinProbeOperator{joiner: j}
	op.SetInfo(info)
	return op
}

func (op *HashJoinProbeOperator) String(buf *bytes.Buffer) {
	buf.WriteString("hash_join_probe")
}

// Prepare binds this lane to the joiner, consuming the reservation made
// for it, and fetches the node's merged filters from the hub. The build
// side publishes before any probe lane is scheduled; an absent entry is
// a scheduling bug, distinct from a node with empty filters.
func (op *HashJoinProbeOperator) Prepare(proc *process.Process) error {
	if err := op.MarkPrepared(); err != nil {
		return err
	}
	op.joiner.BindProber()
	op.bound = true

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(op.joiner.NodeID())
	if !ok {
		return verr.NewInvalidState(proc.Ctx,
			"runtime filters for node %d not published before probe", op.joiner.NodeID())
	}
	op.collector = collector
	return nil
}

// PushChunk pre-filters the probe rows with the merged in/bloom filters
// and probes the survivors against the build table.
func (op *HashJoinProbeOperator) PushChunk(proc *process.Process, bat *batch.Batch) error {
	if err := op.EnterRunning(); err != nil {
		return err
	}
	if err := vm.CancelCheck(proc); err != nil {
		return err
	}
	filtered := op.applyFilters(bat)
	op.Stats.InputRows.Add(int64(bat.RowCount()))
	op.Stats.InputBytes.Add(bat.Size())
	if filtered.IsEmpty() {
		return nil
	}
	out, err := op.joiner.ProbeBatch(proc, filtered)
	if err != nil {
		return err
	}
	if !out.IsEmpty() {
		op.pending = append(op.pending, out)
	}
	return nil
}

// applyFilters drops probe rows the runtime filters prove unmatched.
// Pass-through slots keep everything; the filters only ever shrink the
// probe set, never the result.
func (op *HashJoinProbeOperator) applyFilters(bat *batch.Batch) *batch.Batch {
	keyCols := op.joiner.KeyCols()
	keep := make([]int, 0, bat.RowCount())
row:
	for r := 0; r < bat.RowCount(); r++ {
		for slot, col := range keyCols {
			if col >= len(bat.Vecs) {
				continue
			}
			vec := bat.Vecs[col]
			if slot < len(op.collector.InFilters) {
				f := op.collector.InFilters[slot]
				if f != nil && !f.IsPass() {
					if vec.Typ() == vector.TInt64 {
						if !f.ContainsInt64(vec.GetInt64(r)) {
							continue row
						}
					} else if !f.ContainsBytes(vec.GetBytes(r)) {
						continue row
					}
				}
			}
			if slot < len(op.collector.BloomFilters) {
				bf := op.collector.BloomFilters[slot]
				if bf != nil && vec.Typ() == vector.TInt64 &&
					!bf.MayContainInt64(vec.GetInt64(r)) {
					continue row
				}
			}
		}
		keep = append(keep, r)
	}
	if len(keep) == bat.RowCount() {
		return bat
	}
	return selectRows(bat, keep)
}

func selectRows(bat *batch.Batch, rows []int) *batch.Batch {
	out := batch.NewWithSize(len(bat.Vecs))
	for i, vec := range bat.Vecs {
		if vec.Typ() == vector.TInt64 {
			nv := vector.NewInt64()
			for _, r := range rows {
				nv.AppendInt64(vec.GetInt64(r))
			}
			out.Vecs[i] = nv
		} else {
			nv := vector.NewVarlen()
			for _, r := range rows {
				nv.AppendBytes(vec.GetBytes(r))
			}
			out.Vecs[i] = nv
		}
	}
	out.SetRowCount(len(rows))
	return out
}

func (op *HashJoinProbeOperator) PullChunk(proc *process.Process) (*batch.Batch, error) {
	if len(op.pending) == 0 {
		return nil, verr.GetOkExpectedEOF()
	}
	out := op.pending[0]
	op.pending = op.pending[1:]
	return out, nil
}

func (op *HashJoinProbeOperator) SetFinishing(proc *process.Process) error {
	if !op.BeginFinishing() {
		return nil
	}
	defer op.MarkFinished()
	return nil
}

// Close releases this lane's joiner reference exactly once.
func (op *HashJoinProbeOperator) Close(proc *process.Process) error {
	if !op.TransitionClosed() {
		return nil
	}
	op.pending = nil
	if op.bound {
		op.joiner.Unref(proc)
	}
	proc.Debug("probe lane closed",
		zap.Int32("node", op.PlanNodeID),
		zap.Int32("lane", op.DriverSequence))
	return nil
}
