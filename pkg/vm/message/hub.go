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
	"sync"

	"github.com/vexdb/vexdb/pkg/common/bloomfilter"
	"github.com/vexdb/vexdb/pkg/common/verr"
)

// RuntimeFilterCollector holds the merged filters of one join node.
type RuntimeFilterCollector struct {
	InFilters    []*InFilter
	BloomFilters []*bloomfilter.BloomFilter
}

// BloomAllocSize totals the bloom filters' bit-array footprint.
func (c *RuntimeFilterCollector) BloomAllocSize() int64 {
	var total int64
	for _, bf := range c.BloomFilters {
		if bf != nil {
			total += bf.AllocSize()
		}
	}
	return total
}

// RuntimeFilterHub publishes merged collectors by plan-node id for the
// lifetime of one query. It is constructed with the query context and
// passed by reference; there is no process-global instance.
//
// Each entry is written exactly once, by whichever lane completed that
// node's merger. A missing entry means the filters are not ready yet,
// which is not the same as empty filters: probing before publication is
// a scheduling bug and lookups surface the distinction.
type RuntimeFilterHub struct {
	mu         sync.RWMutex
	collectors map[int32]*RuntimeFilterCollector
}

func NewRuntimeFilterHub() *RuntimeFilterHub {
	return &RuntimeFilterHub{collectors: make(map[int32]*RuntimeFilterCollector)}
}

// SetCollector installs the merged collector for a node. Write-once: a
// second install for the same node is an internal error.
func (h *RuntimeFilterHub) SetCollector(nodeID int32, collector *RuntimeFilterCollector) error {
	if collector == nil {
		return verr.NewInvalidArg(verr.Context(), "collector", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.collectors[nodeID]; ok {
		return verr.NewInternal(verr.Context(), "collector for node %d already published", nodeID)
	}
	h.collectors[nodeID] = collector
	return nil
}

// GetCollector looks a node up. ok == false means not published yet.
func (h *RuntimeFilterHub) GetCollector(nodeID int32) (*RuntimeFilterCollector, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	collector, ok := h.collectors[nodeID]
	return collector, ok
}
