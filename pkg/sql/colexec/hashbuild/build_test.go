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
	"context"
	"sync"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/mpool"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/fault"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

func newTestProc(t *testing.T) *process.Process {
	proc := process.New(context.Background(), mpool.MustNewNoFixed(t.Name()), nil)
	t.Cleanup(proc.Cancel)
	return proc
}

func laneBatch(lane, rows int) *batch.Batch {
	vec := vector.NewInt64()
	for i := 0; i < rows; i++ {
		vec.AppendInt64(int64(lane*rows + i))
	}
	return batch.New(vec)
}

func createLanes(t *testing.T, fac *HashJoinBuildFactory, proc *process.Process, dop int32) []vm.Operator {
	ops := make([]vm.Operator, 0, dop)
	for seq := int32(0); seq < fac.buildLanes(dop); seq++ {
		op, err := fac.Create(dop, seq)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	require.NoError(t, fac.Prepare(proc))
	for _, op := range ops {
		require.NoError(t, op.Prepare(proc))
	}
	return ops
}

func TestPartitionedBuildPublishesOnce(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)
	const dop, rowsPerLane = 4, 1000

	fac := NewHashJoinBuildFactory(11, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, dop)
	require.Equal(t, int32(dop), fac.merger.ExpectedBuilders())

	var wg sync.WaitGroup
	for seq, op := range ops {
		wg.Add(1)
		go func(seq int, op vm.Operator) {
			defer wg.Done()
			require.NoError(t, op.PushChunk(proc, laneBatch(seq, rowsPerLane)))
			require.NoError(t, op.SetFinishing(proc))
		}(seq, op)
	}
	wg.Wait()

	for _, op := range ops {
		require.True(t, op.IsFinished())
	}
	require.Equal(t, int64(dop*rowsPerLane), fac.merger.TotalRowCount())
	require.Equal(t, int64(dop*rowsPerLane), fac.Joiner().RowCount())

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(11)
	require.True(t, ok)
	require.Len(t, collector.InFilters, 1)
	require.Len(t, collector.BloomFilters, 1)
	require.True(t, collector.InFilters[0].IsPass()) // 4000 keys exceed the in-filter limit
	require.NotNil(t, collector.BloomFilters[0])
	for i := 0; i < dop*rowsPerLane; i += 97 {
		require.True(t, collector.BloomFilters[0].MayContainInt64(int64(i)))
	}

	for _, op := range ops {
		require.NoError(t, op.Close(proc))
	}
	require.NoError(t, fac.Close(proc))
	// the prober reservations still hold the joiner alive
	require.True(t, fac.Joiner().IsValid())
	for range ops {
		fac.Joiner().ReleaseReservation(proc)
	}
	require.False(t, fac.Joiner().IsValid())
	require.Equal(t, int64(0), proc.Mp().CurrNB())
}

func TestBroadcastBuildIsSingleLane(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)

	fac := NewHashJoinBuildFactory(3, vm.Broadcast, []int{0})
	require.Equal(t, int32(1), fac.buildLanes(8))

	_, err := fac.Create(8, 1)
	require.True(t, verr.IsErrCode(err, verr.ErrInvalidArg))

	ops := createLanes(t, fac, proc, 8)
	require.Len(t, ops, 1)
	require.Equal(t, int32(1), fac.merger.ExpectedBuilders())

	require.NoError(t, ops[0].PushChunk(proc, laneBatch(0, 10)))
	require.NoError(t, ops[0].SetFinishing(proc))

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(3)
	require.True(t, ok)
	require.False(t, collector.InFilters[0].IsPass())
	require.Equal(t, uint64(10), collector.InFilters[0].Card())

	require.NoError(t, ops[0].Close(proc))
	require.NoError(t, fac.Close(proc))
	fac.Joiner().ReleaseReservation(proc)
	require.Equal(t, int64(0), proc.Mp().CurrNB())
}

func TestCancelledLaneFinishesWithoutContributing(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)

	fac := NewHashJoinBuildFactory(5, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 2)

	require.NoError(t, ops[0].PushChunk(proc, laneBatch(0, 5)))
	require.NoError(t, ops[0].SetFinishing(proc))

	proc.Cancel()
	err := ops[1].SetFinishing(proc)
	require.True(t, verr.IsCancelled(err))
	require.True(t, ops[1].IsFinished()) // finished on the failure path too

	// the merger never completed, so nothing was published
	_, ok := proc.GetRuntimeFilterHub().GetCollector(5)
	require.False(t, ok)

	for _, op := range ops {
		require.NoError(t, op.Close(proc))
	}
	require.NoError(t, fac.Close(proc))
	fac.Joiner().ReleaseReservation(proc)
	fac.Joiner().ReleaseReservation(proc)
	require.Equal(t, int64(0), proc.Mp().CurrNB())
}

func TestContributionAfterMergeIsInternalError(t *testing.T) {
	proc := newTestProc(t)

	fac := NewHashJoinBuildFactory(9, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 2)
	for seq, op := range ops {
		require.NoError(t, op.PushChunk(proc, laneBatch(seq, 8)))
		require.NoError(t, op.SetFinishing(proc))
	}

	// a contribution arriving after the merge means the builder set was
	// miscounted; the merger rejects it rather than corrupting state
	_, err := fac.merger.AddPartialFilters(2, 8, nil, nil, nil)
	require.True(t, verr.IsInternal(err))

	for _, op := range ops {
		require.NoError(t, op.Close(proc))
	}
	require.NoError(t, fac.Close(proc))
	for range ops {
		fac.Joiner().ReleaseReservation(proc)
	}
}

func TestSetFinishingIsIdempotent(t *testing.T) {
	proc := newTestProc(t)

	fac := NewHashJoinBuildFactory(13, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 1)
	op := ops[0]

	require.NoError(t, op.PushChunk(proc, laneBatch(0, 4)))
	require.NoError(t, op.SetFinishing(proc))
	// the repeat returns the stored outcome without re-contributing
	require.NoError(t, op.SetFinishing(proc))

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(13)
	require.True(t, ok)
	require.Equal(t, uint64(4), collector.InFilters[0].Card())

	require.NoError(t, op.Close(proc))
	require.NoError(t, op.Close(proc)) // close is exactly-once too
	require.NoError(t, fac.Close(proc))
	fac.Joiner().ReleaseReservation(proc)
	require.False(t, fac.Joiner().IsValid())
}

func TestPullFromBuildIsNotSupported(t *testing.T) {
	proc := newTestProc(t)
	fac := NewHashJoinBuildFactory(1, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 1)
	_, err := ops[0].PullChunk(proc)
	require.True(t, verr.IsNotSupported(err))
	require.NoError(t, ops[0].SetFinishing(proc))
	require.NoError(t, ops[0].Close(proc))
	require.NoError(t, fac.Close(proc))
	fac.Joiner().ReleaseReservation(proc)
}

func TestInjectedFinishFaultFailsLane(t *testing.T) {
	proc := newTestProc(t)
	fault.Enable()
	defer fault.Disable()
	fault.AddFaultPoint("hashbuild.finish", verr.NewIOError(verr.Context(), "injected"))
	defer fault.RemoveFaultPoint("hashbuild.finish")

	fac := NewHashJoinBuildFactory(31, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 1)
	require.NoError(t, ops[0].PushChunk(proc, laneBatch(0, 3)))

	err := ops[0].SetFinishing(proc)
	require.True(t, verr.IsErrCode(err, verr.ErrIO))
	require.True(t, ops[0].IsFinished())
	// the repeat returns the stored failure, it does not retry
	err = ops[0].SetFinishing(proc)
	require.True(t, verr.IsErrCode(err, verr.ErrIO))

	_, ok := proc.GetRuntimeFilterHub().GetCollector(31)
	require.False(t, ok)

	require.NoError(t, ops[0].Close(proc))
	require.NoError(t, fac.Close(proc))
	fac.Joiner().ReleaseReservation(proc)
}

func TestEmptyBuildSidePublishesPassFilters(t *testing.T) {
	proc := newTestProc(t)
	fac := NewHashJoinBuildFactory(21, vm.Partitioned, []int{0})
	ops := createLanes(t, fac, proc, 2)
	for _, op := range ops {
		require.NoError(t, op.SetFinishing(proc)) // no data pushed at all
	}

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(21)
	require.True(t, ok)
	require.Len(t, collector.InFilters, 1)
	require.Equal(t, uint64(0), collector.InFilters[0].Card())
	require.Nil(t, collector.BloomFilters[0]) // zero rows: no bloom to build

	for _, op := range ops {
		require.NoError(t, op.Close(proc))
	}
	require.NoError(t, fac.Close(proc))
	for range ops {
		fac.Joiner().ReleaseReservation(proc)
	}
}
