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

package pipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/mpool"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/connector"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/sql/colexec/hashbuild"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

func newTestProc(t *testing.T) *process.Process {
	proc := process.New(context.Background(), mpool.MustNewNoFixed(t.Name()), nil)
	t.Cleanup(proc.Cancel)
	return proc
}

func laneSource(lane, rows int) connector.DataSource {
	vec := vector.NewInt64()
	for i := 0; i < rows; i++ {
		vec.AppendInt64(int64(lane*rows + i))
	}
	return connector.NewMemorySource(batch.New(vec))
}

func TestPipelineRunsBuildLanes(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)

	fac := hashbuild.NewHashJoinBuildFactory(17, vm.Partitioned, []int{0})
	sources := []connector.DataSource{
		laneSource(0, 100), laneSource(1, 100), laneSource(2, 100), laneSource(3, 100),
	}
	p := New("build-17", fac, sources)
	require.Equal(t, int32(4), p.Dop())
	require.NoError(t, p.Run(proc))

	collector, ok := proc.GetRuntimeFilterHub().GetCollector(17)
	require.True(t, ok)
	require.Equal(t, uint64(400), collector.InFilters[0].Card())

	j := fac.Joiner()
	require.Equal(t, int64(400), j.RowCount())
	// the build lanes closed; only the prober reservations remain
	require.True(t, j.IsValid())
	require.Equal(t, int64(4), j.RefCount())
	for range sources {
		j.ReleaseReservation(proc)
	}
	require.False(t, j.IsValid())
	require.Equal(t, int64(0), proc.Mp().CurrNB())
}

type failingSource struct {
	connector.DataSource
	failAfter int
	served    int
}

func (s *failingSource) GetNext(ctx context.Context) (*batch.Batch, error) {
	if s.served >= s.failAfter {
		return nil, verr.NewIOError(ctx, "stream torn down")
	}
	s.served++
	return s.DataSource.GetNext(ctx)
}

func TestPipelineFirstErrorWins(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)

	fac := hashbuild.NewHashJoinBuildFactory(19, vm.Partitioned, []int{0})
	sources := []connector.DataSource{
		laneSource(0, 10),
		&failingSource{DataSource: laneSource(1, 10), failAfter: 0},
	}
	err := New("build-19", fac, sources).Run(proc)
	require.Error(t, err)
	// the IO failure wins; sibling interrupts fold underneath it
	require.True(t, verr.IsErrCode(err, verr.ErrIO))

	_, ok := proc.GetRuntimeFilterHub().GetCollector(19)
	require.False(t, ok)

	j := fac.Joiner()
	j.ReleaseReservation(proc)
	j.ReleaseReservation(proc)
	require.False(t, j.IsValid())
	require.Equal(t, int64(0), proc.Mp().CurrNB())
}

type panicOperator struct {
	vm.OperatorBase
}

func (op *panicOperator) String(buf *bytes.Buffer) { buf.WriteString("panic") }
func (op *panicOperator) Prepare(proc *process.Process) error {
	return op.MarkPrepared()
}
func (op *panicOperator) PushChunk(proc *process.Process, bat *batch.Batch) error {
	panic("chunk exploded")
}
func (op *panicOperator) PullChunk(proc *process.Process) (*batch.Batch, error) {
	return nil, verr.GetOkExpectedEOF()
}
func (op *panicOperator) SetFinishing(proc *process.Process) error {
	op.MarkFinished()
	return nil
}
func (op *panicOperator) Close(proc *process.Process) error {
	op.TransitionClosed()
	return nil
}

type panicFactory struct{}

func (f *panicFactory) Create(dop, seq int32) (vm.Operator, error) { return &panicOperator{}, nil }
func (f *panicFactory) Prepare(proc *process.Process) error        { return nil }
func (f *panicFactory) Close(proc *process.Process) error          { return nil }

func TestPipelineRecoversLanePanic(t *testing.T) {
	defer leaktest.AfterTest(t)()
	proc := newTestProc(t)

	err := New("panic", &panicFactory{}, []connector.DataSource{laneSource(0, 1)}).Run(proc)
	require.True(t, verr.IsInternal(err))
}

func TestPipelineRejectsZeroLanes(t *testing.T) {
	proc := newTestProc(t)
	err := New("empty", &panicFactory{}, nil).Run(proc)
	require.True(t, verr.IsErrCode(err, verr.ErrInvalidArg))
}
