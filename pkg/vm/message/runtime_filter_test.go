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

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexdb/vexdb/pkg/common/bloomfilter"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/vector"
)

func TestInFilterIntMembership(t *testing.T) {
	f := NewInFilter(vector.NewInt64(3, 1, 2, 3), 0)
	require.False(t, f.IsPass())
	require.Equal(t, uint64(3), f.Card())
	require.True(t, f.ContainsInt64(1))
	require.True(t, f.ContainsInt64(3))
	require.False(t, f.ContainsInt64(4))
}

func TestInFilterStringMembership(t *testing.T) {
	f := NewInFilter(vector.NewVarlen([]byte("b"), []byte("a"), []byte("b")), 0)
	require.Equal(t, uint64(2), f.Card())
	require.True(t, f.ContainsBytes([]byte("a")))
	require.True(t, f.ContainsBytes([]byte("b")))
	require.False(t, f.ContainsBytes([]byte("c")))
}

func TestInFilterDegeneratesOverLimit(t *testing.T) {
	keys := vector.NewInt64()
	for i := int64(0); i < 100; i++ {
		keys.AppendInt64(i)
	}
	f := NewInFilter(keys, 10)
	require.True(t, f.IsPass())
	// a pass-through admits everything, including keys never inserted
	require.True(t, f.ContainsInt64(-5))
	require.True(t, f.ContainsBytes([]byte("anything")))
}

func TestInFilterMergeUnions(t *testing.T) {
	a := NewInFilter(vector.NewInt64(1, 2), 0)
	b := NewInFilter(vector.NewInt64(2, 3), 0)
	require.NoError(t, a.Merge(b))
	require.Equal(t, uint64(3), a.Card())
	require.True(t, a.ContainsInt64(3))
}

func TestInFilterMergeDegeneratesOverLimit(t *testing.T) {
	a := NewInFilter(vector.NewInt64(1, 2, 3), 4)
	b := NewInFilter(vector.NewInt64(4, 5, 6), 4)
	require.NoError(t, a.Merge(b))
	require.True(t, a.IsPass())
}

func TestInFilterMergeWithPass(t *testing.T) {
	a := NewInFilter(vector.NewInt64(1), 0)
	require.NoError(t, a.Merge(NewPassInFilter()))
	require.True(t, a.IsPass())
}

func TestInFilterMergeTypeMismatch(t *testing.T) {
	a := NewInFilter(vector.NewInt64(1), 0)
	b := NewInFilter(vector.NewVarlen([]byte("x")), 0)
	err := a.Merge(b)
	require.True(t, verr.IsInternal(err))
}

func TestInFilterStringMerge(t *testing.T) {
	a := NewInFilter(vector.NewVarlen([]byte("a"), []byte("c")), 0)
	b := NewInFilter(vector.NewVarlen([]byte("b"), []byte("c")), 0)
	require.NoError(t, a.Merge(b))
	require.Equal(t, uint64(3), a.Card())
	require.True(t, a.ContainsBytes([]byte("b")))
}

func TestInFilterMarshal(t *testing.T) {
	f := NewInFilter(vector.NewInt64(7, 8), 0)
	data, err := f.Marshal()
	require.NoError(t, err)
	require.NotEmpty(t, data)

	_, err = NewPassInFilter().Marshal()
	require.True(t, verr.IsInternal(err))
}

func TestBuildBroadcastMessages(t *testing.T) {
	keys := vector.NewInt64(1, 2, 3)
	bf := bloomfilter.New(3, 0.01)
	bf.AddVector(keys)
	collector := &RuntimeFilterCollector{
		InFilters:    []*InFilter{NewInFilter(keys, 0), NewPassInFilter()},
		BloomFilters: []*bloomfilter.BloomFilter{bf, nil},
	}

	msgs, err := BuildBroadcastMessages(5, collector)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, RuntimeFilter_BLOOM, msgs[0].Typ)
	require.Equal(t, int32(5), msgs[0].NodeID)
	require.Equal(t, int32(3), msgs[0].Card)
	require.NotEmpty(t, msgs[0].Data)

	got := &bloomfilter.BloomFilter{}
	require.NoError(t, got.Unmarshal(msgs[0].Data))
	require.True(t, got.MayContainInt64(2))

	require.Equal(t, RuntimeFilter_PASS, msgs[1].Typ)
	require.Empty(t, msgs[1].Data)
}

func TestLocalPortPublishAndSubscribe(t *testing.T) {
	port := NewLocalPort()
	sub := port.Subscribe(4)

	msgs := []RuntimeFilterMessage{{NodeID: 1, Typ: RuntimeFilter_PASS}}
	require.NoError(t, port.PublishRuntimeFilters(msgs))

	got := <-sub
	require.Equal(t, int32(1), got.NodeID)
	require.Len(t, port.Published(), 1)
}

func TestLocalPortDropsWhenSubscriberFull(t *testing.T) {
	port := NewLocalPort()
	sub := port.Subscribe(1)

	require.NoError(t, port.PublishRuntimeFilters([]RuntimeFilterMessage{
		{NodeID: 1}, {NodeID: 2},
	}))
	// the second message was dropped rather than blocking the publisher
	require.Len(t, port.Published(), 2)
	require.Equal(t, int32(1), (<-sub).NodeID)
	select {
	case <-sub:
		t.Fatal("expected the overflow message to be dropped")
	default:
	}
}
