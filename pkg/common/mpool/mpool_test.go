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

package mpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/verr"
)

func TestAllocFree(t *testing.T) {
	mp := NewMPool(t.Name(), 1000)
	require.NoError(t, mp.Alloc(600))
	require.Equal(t, int64(600), mp.CurrNB())

	err := mp.Alloc(500)
	require.True(t, verr.IsOOM(err))
	require.Equal(t, int64(600), mp.CurrNB()) // failed alloc rolled back

	mp.Free(600)
	require.Equal(t, int64(0), mp.CurrNB())
	require.NoError(t, mp.Alloc(1000))
	mp.Free(1000)

	require.Equal(t, int64(1000), mp.HighWaterMark())
	require.Equal(t, int64(2), mp.AllocCount())
}

func TestNoLimitPool(t *testing.T) {
	mp := MustNewNoFixed(t.Name())
	require.NoError(t, mp.Alloc(1<<40))
	mp.Free(1 << 40)
}

func TestNegativeAllocRejected(t *testing.T) {
	mp := NewMPool(t.Name(), 10)
	err := mp.Alloc(-1)
	require.True(t, verr.IsErrCode(err, verr.ErrInvalidArg))
}

func TestConcurrentAccounting(t *testing.T) {
	mp := MustNewNoFixed(t.Name())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				require.NoError(t, mp.Alloc(8))
				mp.Free(8)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(0), mp.CurrNB())
	require.Equal(t, int64(16000), mp.AllocCount())
}
