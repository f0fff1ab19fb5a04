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

// Package vm defines the pipeline operator contract. An operator is one
// lane of one plan node; a factory mints one operator per driver
// sequence. Data is pushed in chunks; the finishing transition and close
// are exactly-once by construction.
package vm

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

// Operator lifecycle: Prepare once, PushChunk zero or more times (never
// concurrently with itself, freely concurrent with sibling lanes),
// SetFinishing once data stops, Close when the lane is torn down.
// SetFinishing must leave IsFinished true on every exit path, including
// failures, so the scheduler never waits on a dead lane.
type Operator interface {
	String(buf *bytes.Buffer)

	Prepare(proc *process.Process) error

	PushChunk(proc *process.Process, bat *batch.Batch) error

	PullChunk(proc *process.Process) (*batch.Batch, error)

	SetFinishing(proc *process.Process) error

	Close(proc *process.Process) error

	IsFinished() bool

	GetOperatorBase() *OperatorBase
}

// OperatorFactory creates the per-lane operators of one plan node at
// pipeline construction time.
type OperatorFactory interface {
	Create(dop, driverSequence int32) (Operator, error)

	Prepare(proc *process.Process) error

	Close(proc *process.Process) error
}

type State int32

const (
	Created State = iota
	Prepared
	Running
	Finishing
	Closed
)

type DistributionMode int32

const (
	// Broadcast replicates the build side: exactly one build lane,
	// driver sequence 0.
	Broadcast DistributionMode = iota
	// Partitioned gives each of the dop lanes a disjoint key partition.
	Partitioned
)

func (m DistributionMode) String() string {
	switch m {
	case Broadcast:
		return "broadcast"
	case Partitioned:
		return "partitioned"
	default:
		return "unknown"
	}
}

type OperatorInfo struct {
	ID             int32
	PlanNodeID     int32
	Name           string
	DriverSequence int32
	Dop            int32
}

type OperatorStats struct {
	InputRows  atomic.Int64
	InputBytes atomic.Int64
	FinishTime atomic.Int64 // unix nanos, 0 until finished
}

type OperatorBase struct {
	OperatorInfo
	Stats OperatorStats

	state    atomic.Int32
	finished atomic.Bool
}

func (o *OperatorBase) GetOperatorBase() *OperatorBase {
	return o
}

func (o *OperatorBase) SetInfo(info OperatorInfo) {
	o.OperatorInfo = info
}

func (o *OperatorBase) State() State {
	return State(o.state.Load())
}

// MarkPrepared moves Created -> Prepared. Fails fast on reuse.
func (o *OperatorBase) MarkPrepared() error {
	if !o.state.CompareAndSwap(int32(Created), int32(Prepared)) {
		return verr.NewInvalidState(verr.Context(),
			"operator %s prepared twice or after close", o.Name)
	}
	return nil
}

// EnterRunning moves Prepared -> Running on the first chunk. Idempotent
// while running.
func (o *OperatorBase) EnterRunning() error {
	if o.state.CompareAndSwap(int32(Prepared), int32(Running)) {
		return nil
	}
	if o.State() == Running {
		return nil
	}
	return verr.NewInvalidState(verr.Context(),
		"operator %s received data in state %d", o.Name, o.State())
}

// BeginFinishing is the single guarded transition into Finishing.
// It returns false when another (or an earlier) call already made the
// transition, making SetFinishing structurally idempotent.
func (o *OperatorBase) BeginFinishing() bool {
	if o.state.CompareAndSwap(int32(Prepared), int32(Finishing)) {
		return true
	}
	return o.state.CompareAndSwap(int32(Running), int32(Finishing))
}

// MarkFinished is the scope-exit action of SetFinishing: it must run on
// every exit path so the scheduler observes the lane as done.
func (o *OperatorBase) MarkFinished() {
	if o.finished.CompareAndSwap(false, true) {
		o.Stats.FinishTime.Store(time.Now().UnixNano())
	}
}

func (o *OperatorBase) IsFinished() bool {
	return o.finished.Load()
}

// TransitionClosed makes Close exactly-once: only the first caller gets
// true and releases resources. Safe in any state, including a partially
// failed Prepare.
func (o *OperatorBase) TransitionClosed() bool {
	for {
		cur := o.state.Load()
		if cur == int32(Closed) {
			return false
		}
		if o.state.CompareAndSwap(cur, int32(Closed)) {
			return true
		}
	}
}

// CancelCheck polls the query context; builders call it before any
// finishing work.
func CancelCheck(proc *process.Process) error {
	select {
	case <-proc.Ctx.Done():
		return verr.NewQueryInterrupted(proc.Ctx)
	default:
		return nil
	}
}
