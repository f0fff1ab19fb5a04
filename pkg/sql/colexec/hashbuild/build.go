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

package hashbuild

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/fault"
	"github.com/vexdb/vexdb/pkg/metrics"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/message"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

// HashJoinBuildOperator is one build lane. It never emits chunks; its
// output is the side effect of filling its joiner partition and, for
// the lane that completes the merger, publishing the node's merged
// runtime filters.
type HashJoinBuildOperator struct {
	vm.OperatorBase

	fac *HashJoinBuildFactory

	// set once Prepare has taken this lane's joiner references, so a
	// Close after a failed Prepare does not release what was never held
	registered bool

	finishErr error
}

func (op *HashJoinBuildOperator) String(buf *bytes.Buffer) {
	buf.WriteString("hash_join_build")
}

// Prepare registers this lane with the merger and takes its joiner
// references: one for the lane itself, one reserved for the probe lane
// that will be instantiated after the build completes. Registration
// happens before any lane can push data, so the merger's expected count
// is stable by the time the first lane finishes.
func (op *HashJoinBuildOperator) Prepare(proc *process.Process) error {
	if err := op.MarkPrepared(); err != nil {
		return err
	}
	j := op.fac.Joiner()
	if j == nil {
		return verr.NewInvalidState(proc.Ctx, "build lane prepared before its factory")
	}
	op.fac.merger.IncrBuilder()
	j.Ref()
	j.ReserveFutureOwner()
	op.registered = true
	return nil
}

// PushChunk stages one chunk into this lane's partition. Lanes push
// concurrently with each other but each lane is single-threaded, so the
// partition needs no lock.
func (op *HashJoinBuildOperator) PushChunk(proc *process.Process, bat *batch.Batch) error {
	if err := op.EnterRunning(); err != nil {
		return err
	}
	if err := vm.CancelCheck(proc); err != nil {
		return err
	}
	if bat == nil || bat.IsEmpty() {
		return nil
	}
	if err := op.fac.Joiner().AppendChunk(proc, op.DriverSequence, bat); err != nil {
		return err
	}
	op.Stats.InputRows.Add(int64(bat.RowCount()))
	op.Stats.InputBytes.Add(bat.Size())
	metrics.BuildRowsTotal.Add(float64(bat.RowCount()))
	metrics.BuildBytesTotal.Add(float64(bat.Size()))
	return nil
}

// PullChunk is not supported: the build side is a sink.
func (op *HashJoinBuildOperator) PullChunk(proc *process.Process) (*batch.Batch, error) {
	return nil, verr.NewNotSupported(proc.Ctx, "pull from hash join build")
}

// SetFinishing seals this lane: build the partition's hash table,
// compute the partial runtime filters and contribute them to the
// merger. The call that completes the merger performs the global merge
// and publishes, so the hub entry has a single writer. Repeat calls
// return the first call's outcome without redoing any work, and the
// lane reads as finished on every exit path.
func (op *HashJoinBuildOperator) SetFinishing(proc *process.Process) error {
	if !op.BeginFinishing() {
		return op.finishErr
	}
	start := time.Now()
	defer func() {
		op.MarkFinished()
		metrics.LaneFinishSeconds.Observe(time.Since(start).Seconds())
	}()

	op.finishErr = op.finish(proc)
	return op.finishErr
}

func (op *HashJoinBuildOperator) finish(proc *process.Process) error {
	// a cancelled lane finishes without contributing; the merger never
	// completes and the query fails through the scheduler's error path
	if err := vm.CancelCheck(proc); err != nil {
		return err
	}
	if err := fault.TriggerFault("hashbuild.finish"); err != nil {
		return err
	}

	j := op.fac.Joiner()
	lane := op.DriverSequence

	if err := j.FinalizeLane(proc, lane); err != nil {
		return err
	}
	rowCount, inFilters, params, blooms, err := j.BuildRuntimeFilters(proc, lane, op.fac.InFilterLimit)
	if err != nil {
		return err
	}
	op.fac.RetainStringKeyColumns(lane, j.StringKeyColumns(lane))

	last, err := op.fac.merger.AddPartialFilters(lane, rowCount, inFilters, params, blooms)
	if err != nil {
		return err
	}
	if last {
		if err := op.publishMerged(proc); err != nil {
			return err
		}
	}
	j.LaneProbeReady(lane)
	return nil
}

// publishMerged runs on exactly one lane per node: global merge, hub
// install, cross-fragment broadcast.
func (op *HashJoinBuildOperator) publishMerged(proc *process.Process) error {
	collector, err := op.fac.merger.Merge()
	if err != nil {
		return err
	}
	metrics.RuntimeFilterMergesTotal.Inc()
	metrics.RuntimeFilterBloomBytes.Set(float64(collector.BloomAllocSize()))

	msgs, err := message.BuildBroadcastMessages(op.fac.NodeID, collector)
	if err != nil {
		return err
	}
	if port := proc.GetRuntimeFilterPort(); port != nil && len(msgs) > 0 {
		if err := port.PublishRuntimeFilters(msgs); err != nil {
			return err
		}
	}
	if err := proc.GetRuntimeFilterHub().SetCollector(op.fac.NodeID, collector); err != nil {
		return err
	}
	proc.Info("runtime filters published",
		zap.Int32("node", op.fac.NodeID),
		zap.Int64("buildRows", op.fac.merger.TotalRowCount()),
		zap.Int64("bloomBytes", collector.BloomAllocSize()))
	return nil
}

// Close releases this lane's joiner reference exactly once. The
// reservation made for the future prober is not ours to drop; the
// pipeline releases it if the probe side never materializes.
func (op *HashJoinBuildOperator) Close(proc *process.Process) error {
	if !op.TransitionClosed() {
		return nil
	}
	if op.registered {
		op.fac.Joiner().Unref(proc)
	}
	return nil
}
