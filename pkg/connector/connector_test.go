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

package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

func TestMemorySourceStream(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(
		batch.New(vector.NewInt64(1)),
		batch.New(vector.NewInt64(2, 3)),
	)

	_, err := src.GetNext(ctx)
	require.True(t, verr.IsErrCode(err, verr.ErrInvalidState)) // not opened

	require.NoError(t, src.Open(ctx))
	require.True(t, verr.IsErrCode(src.Open(ctx), verr.ErrInvalidState))

	bat, err := src.GetNext(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, bat.RowCount())
	bat, err = src.GetNext(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, bat.RowCount())

	_, err = src.GetNext(ctx)
	require.True(t, verr.IsEndOfStream(err))
	require.NoError(t, src.Close())
}

func TestMemorySourceHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := NewMemorySource(batch.New(vector.NewInt64(1)))
	require.NoError(t, src.Open(ctx))
	cancel()
	_, err := src.GetNext(ctx)
	require.True(t, verr.IsCancelled(err))
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager()
	src := NewMemorySource()
	id := m.Register(src)
	require.NotEmpty(t, id)
	require.Equal(t, 1, m.Count())

	got, ok := m.Lookup(id)
	require.True(t, ok)
	require.Same(t, src, got)

	m.Deregister(id)
	require.Equal(t, 0, m.Count())
	_, ok = m.Lookup(id)
	require.False(t, ok)
}
