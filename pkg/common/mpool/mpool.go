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

// Package mpool does memory accounting for a query. Allocation itself
// is the Go runtime's job; the pool tracks how much a query has staged
// and fails with OOM once the configured cap is crossed.
package mpool

import (
	"sync/atomic"

	"github.com/vexdb/vexdb/pkg/common/verr"
)

const NoLimit int64 = 0

type MPool struct {
	name   string
	cap    int64
	curr   atomic.Int64
	high   atomic.Int64
	allocs atomic.Int64
}

func MustNewNoFixed(name string) *MPool {
	return &MPool{name: name, cap: NoLimit}
}

func NewMPool(name string, cap int64) *MPool {
	return &MPool{name: name, cap: cap}
}

func (mp *MPool) Name() string {
	return mp.name
}

// Alloc accounts size bytes against the pool. Concurrent callers race
// benignly past the cap by at most one allocation each.
func (mp *MPool) Alloc(size int64) error {
	if size < 0 {
		return verr.NewInvalidArg(verr.Context(), "alloc size", size)
	}
	nb := mp.curr.Add(size)
	if mp.cap != NoLimit && nb > mp.cap {
		mp.curr.Add(-size)
		return verr.NewOOM(verr.Context())
	}
	mp.allocs.Add(1)
	for {
		high := mp.high.Load()
		if nb <= high || mp.high.CompareAndSwap(high, nb) {
			return nil
		}
	}
}

func (mp *MPool) Free(size int64) {
	if size <= 0 {
		return
	}
	mp.curr.Add(-size)
}

// CurrNB returns the currently accounted bytes. Tests use it to assert
// that teardown returned every byte.
func (mp *MPool) CurrNB() int64 {
	return mp.curr.Load()
}

func (mp *MPool) HighWaterMark() int64 {
	return mp.high.Load()
}

func (mp *MPool) AllocCount() int64 {
	return mp.allocs.Load()
}
