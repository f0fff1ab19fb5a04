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

package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/mpool"
)

func TestNewProcessDefaults(t *testing.T) {
	mp := mpool.MustNewNoFixed(t.Name())
	proc := New(context.Background(), mp, nil)
	defer proc.Cancel()

	require.NotEmpty(t, proc.QueryId())
	require.Same(t, mp, proc.Mp())
	require.NotNil(t, proc.GetRuntimeFilterHub())
	require.NotNil(t, proc.GetRuntimeFilterPort())
	require.False(t, proc.IsCancelled())

	// logging with the nop logger must not panic
	proc.Info("i")
	proc.Debug("d")
	proc.Warn("w")
	proc.Error("e")
}

func TestProcessIdentifiers(t *testing.T) {
	proc := New(context.Background(), mpool.MustNewNoFixed(t.Name()), nil)
	defer proc.Cancel()

	other := New(context.Background(), mpool.MustNewNoFixed(t.Name()), nil)
	defer other.Cancel()
	require.NotEqual(t, proc.QueryId(), other.QueryId())

	proc.SetQueryId("q-1")
	proc.SetFragmentId(3)
	require.Equal(t, "q-1", proc.QueryId())
	require.Equal(t, int32(3), proc.FragmentId())
}

func TestProcessCancellation(t *testing.T) {
	proc := New(context.Background(), mpool.MustNewNoFixed(t.Name()), nil)
	proc.Cancel()
	require.True(t, proc.IsCancelled())
}

func TestProcessInheritsParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := New(ctx, mpool.MustNewNoFixed(t.Name()), nil)
	defer proc.Cancel()
	cancel()
	require.True(t, proc.IsCancelled())
}
