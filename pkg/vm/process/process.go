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

// Package process is the query execution context handed to every
// operator: cancellation, memory accounting, identifiers for
// diagnostics, and the query-scoped runtime filter hub and port.
package process

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vexdb/vexdb/pkg/common/mpool"
	"github.com/vexdb/vexdb/pkg/vm/message"
)

type Process struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	queryID    string
	fragmentID int32

	mp     *mpool.MPool
	logger *zap.Logger

	hub  *message.RuntimeFilterHub
	port message.RuntimeFilterPort
}

// New builds a process for one query. The hub is created here because
// its lifetime is exactly the query's.
func New(ctx context.Context, mp *mpool.MPool, logger *zap.Logger) *Process {
	cctx, cancel := context.WithCancel(ctx)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		Ctx:     cctx,
		Cancel:  cancel,
		queryID: uuid.NewString(),
		mp:      mp,
		logger:  logger,
		hub:     message.NewRuntimeFilterHub(),
		port:    message.NewLocalPort(),
	}
}

func (proc *Process) QueryId() string {
	return proc.queryID
}

func (proc *Process) SetQueryId(id string) {
	proc.queryID = id
}

func (proc *Process) FragmentId() int32 {
	return proc.fragmentID
}

func (proc *Process) SetFragmentId(id int32) {
	proc.fragmentID = id
}

func (proc *Process) Mp() *mpool.MPool {
	return proc.mp
}

func (proc *Process) GetRuntimeFilterHub() *message.RuntimeFilterHub {
	return proc.hub
}

func (proc *Process) GetRuntimeFilterPort() message.RuntimeFilterPort {
	return proc.port
}

func (proc *Process) SetRuntimeFilterPort(port message.RuntimeFilterPort) {
	proc.port = port
}

// IsCancelled polls the cancellation signal. Cancellation is
// cooperative; operators check at their phase boundaries.
func (proc *Process) IsCancelled() bool {
	select {
	case <-proc.Ctx.Done():
		return true
	default:
		return false
	}
}

func (proc *Process) Info(msg string, fields ...zap.Field) {
	proc.logger.Info(msg, proc.stamp(fields)...)
}

func (proc *Process) Warn(msg string, fields ...zap.Field) {
	proc.logger.Warn(msg, proc.stamp(fields)...)
}

func (proc *Process) Error(msg string, fields ...zap.Field) {
	proc.logger.Error(msg, proc.stamp(fields)...)
}

func (proc *Process) Debug(msg string, fields ...zap.Field) {
	proc.logger.Debug(msg, proc.stamp(fields)...)
}

func (proc *Process) stamp(fields []zap.Field) []zap.Field {
	return append(fields,
		zap.String("query", proc.queryID),
		zap.Int32("fragment", proc.fragmentID))
}
