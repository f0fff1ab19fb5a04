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

// Package pipeline drives one plan node's lanes to completion: each
// driver sequence pulls its source dry, pushes into its operator, seals
// it with SetFinishing and closes it. Lanes run on a shared goroutine
// pool; the first failure cancels the query and wins the returned
// error.
package pipeline

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/connector"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

type Pipeline struct {
	name    string
	fac     vm.OperatorFactory
	sources []connector.DataSource // one per driver sequence
}

// New builds a pipeline of len(sources) lanes over one factory.
func New(name string, fac vm.OperatorFactory, sources []connector.DataSource) *Pipeline {
	return &Pipeline{name: name, fac: fac, sources: sources}
}

func (p *Pipeline) Dop() int32 {
	return int32(len(p.sources))
}

// Run executes every lane and blocks until all have finished. The
// first lane error cancels the process so sibling lanes stop at their
// next cancellation check; their interrupt errors lose to the first
// under first-error-wins folding.
func (p *Pipeline) Run(proc *process.Process) (err error) {
	dop := p.Dop()
	if dop == 0 {
		return verr.NewInvalidArg(proc.Ctx, "pipeline dop", 0)
	}

	ops := make([]vm.Operator, dop)
	for seq := int32(0); seq < dop; seq++ {
		op, cerr := p.fac.Create(dop, seq)
		if cerr != nil {
			return cerr
		}
		ops[seq] = op
	}
	if err = p.fac.Prepare(proc); err != nil {
		return err
	}
	defer func() {
		for _, op := range ops {
			if op != nil {
				verr.Update(&err, op.Close(proc))
			}
		}
		verr.Update(&err, p.fac.Close(proc))
	}()
	for _, op := range ops {
		if perr := op.Prepare(proc); perr != nil {
			return perr
		}
	}

	pool, perr := ants.NewPool(int(dop))
	if perr != nil {
		return verr.ConvertGoError(proc.Ctx, perr)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	// root cause wins: an interrupt recorded first still loses to the
	// error that triggered the cancellation
	fail := func(lerr error) {
		if lerr == nil {
			return
		}
		mu.Lock()
		if firstErr == nil || (verr.IsCancelled(firstErr) && !verr.IsCancelled(lerr)) {
			verr.PermitUnchecked(firstErr)
			firstErr = lerr
		} else {
			verr.PermitUnchecked(lerr)
		}
		mu.Unlock()
		proc.Cancel()
	}

	for seq := int32(0); seq < dop; seq++ {
		seq := seq
		wg.Add(1)
		serr := pool.Submit(func() {
			defer wg.Done()
			fail(p.runLane(proc, seq, ops[seq]))
		})
		if serr != nil {
			wg.Done()
			fail(verr.ConvertGoError(proc.Ctx, serr))
		}
	}
	wg.Wait()

	verr.Update(&err, firstErr)
	return err
}

// runLane is one driver sequence: drain the source into the operator,
// then seal it. SetFinishing runs even when the drain failed so the
// lane always reads as finished.
func (p *Pipeline) runLane(proc *process.Process, seq int32, op vm.Operator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = verr.ConvertPanicError(proc.Ctx, r)
			proc.Error("lane panicked",
				zap.String("pipeline", p.name),
				zap.Int32("lane", seq),
				zap.Error(err))
		}
	}()

	src := p.sources[seq]
	if err = src.Open(proc.Ctx); err != nil {
		verr.Update(&err, op.SetFinishing(proc))
		return err
	}
	defer func() {
		verr.Update(&err, verr.ConvertGoError(proc.Ctx, src.Close()))
	}()

	for {
		bat, gerr := src.GetNext(proc.Ctx)
		if verr.IsEndOfStream(gerr) {
			verr.PermitUnchecked(gerr)
			break
		}
		if gerr != nil {
			verr.Update(&err, gerr)
			break
		}
		if perr := op.PushChunk(proc, bat); perr != nil {
			verr.Update(&err, perr)
			break
		}
	}

	// a failed lane cancels before sealing so its SetFinishing cannot
	// contribute filters for data it never fully staged
	if err != nil {
		proc.Cancel()
	}
	verr.Update(&err, op.SetFinishing(proc))
	return err
}
