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

// Package batch is the unit of columnar data an operator pushes or
// pulls: a set of equally long vectors.
package batch

import (
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

type Batch struct {
	Vecs     []*vector.Vector
	rowCount int
}

func NewWithSize(n int) *Batch {
	return &Batch{Vecs: make([]*vector.Vector, n)}
}

func New(vecs ...*vector.Vector) *Batch {
	bat := &Batch{Vecs: vecs}
	if len(vecs) > 0 {
		bat.rowCount = vecs[0].Length()
	}
	return bat
}

func (bat *Batch) RowCount() int {
	return bat.rowCount
}

func (bat *Batch) SetRowCount(cnt int) {
	bat.rowCount = cnt
}

func (bat *Batch) IsEmpty() bool {
	return bat.rowCount == 0
}

// Size returns the payload footprint in bytes, used for memory
// accounting when a batch is staged into the joiner.
func (bat *Batch) Size() int64 {
	var sz int64
	for _, vec := range bat.Vecs {
		sz += vec.Size()
	}
	return sz
}

// Dup deep-copies the batch. The build side stages copies so upstream
// operators may recycle their buffers.
func (bat *Batch) Dup() *Batch {
	nb := NewWithSize(len(bat.Vecs))
	for i, vec := range bat.Vecs {
		nb.Vecs[i] = vec.Dup()
	}
	nb.rowCount = bat.rowCount
	return nb
}

// Sanity validates the vectors agree with the row count.
func (bat *Batch) Sanity() error {
	for i, vec := range bat.Vecs {
		if vec.Length() != bat.rowCount {
			return verr.NewInvalidInput(verr.Context(),
				"batch vector %d has %d rows, batch says %d", i, vec.Length(), bat.rowCount)
		}
	}
	return nil
}
