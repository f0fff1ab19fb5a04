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

type laneContribution struct {
	rowCount    int64
	inFilters   []*InFilter
	bloomParams []bloomfilter.BuildParams
	blooms      []*bloomfilter.BloomFilter
}

// PartialRuntimeFilterMerger is the barrier that accumulates one filter
// contribution per build lane. Builders register during prepare, before
// any lane can finish, so the expected count is stable once data flows.
// Multiple lanes finish concurrently; the mutex is the only coordination
// the whole build phase needs.
//
// The merger only tracks completion. The one caller that observes the
// completing contribution performs Merge and publishes, which keeps the
// hub entry single-writer.
type PartialRuntimeFilterMerger struct {
	mu       sync.Mutex
	expected int32
	merged   bool
	lanes    map[int32]laneContribution
}

func NewPartialRuntimeFilterMerger() *PartialRuntimeFilterMerger {
	return &PartialRuntimeFilterMerger{lanes: make(map[int32]laneContribution)}
}

// IncrBuilder registers one more expected build lane.
func (m *PartialRuntimeFilterMerger) IncrBuilder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected++
}

func (m *PartialRuntimeFilterMerger) ExpectedBuilders() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expected
}

// AddPartialFilters records lane's local filters and reports whether
// this call completed the expected count. Exactly one call across all
// lanes observes true. A call after completion, or a duplicate lane,
// indicates a miscounted builder set and fails with an internal error
// instead of corrupting merged state.
func (m *PartialRuntimeFilterMerger) AddPartialFilters(
	lane int32,
	rowCount int64,
	inFilters []*InFilter,
	bloomParams []bloomfilter.BuildParams,
	blooms []*bloomfilter.BloomFilter,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.expected == 0 {
		return false, verr.NewInternal(verr.Context(), "no builders registered with merger")
	}
	if m.merged {
		return false, verr.NewInternal(verr.Context(),
			"lane %d contributed after merge completed: builder set miscounted", lane)
	}
	if _, dup := m.lanes[lane]; dup {
		return false, verr.NewInternal(verr.Context(), "lane %d contributed twice", lane)
	}

	m.lanes[lane] = laneContribution{
		rowCount:    rowCount,
		inFilters:   inFilters,
		bloomParams: bloomParams,
		blooms:      blooms,
	}
	last := int32(len(m.lanes)) == m.expected
	if last {
		m.merged = true
	}
	return last, nil
}

// TotalRowCount is the build-side row count accumulated across lanes.
func (m *PartialRuntimeFilterMerger) TotalRowCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, lc := range m.lanes {
		total += lc.rowCount
	}
	return total
}

// Merge combines the per-lane contributions into one collector. Only
// the caller that observed the completing AddPartialFilters may call it.
func (m *PartialRuntimeFilterMerger) Merge() (*RuntimeFilterCollector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.merged {
		return nil, verr.NewInternal(verr.Context(), "merge before all lanes contributed")
	}

	slots := -1
	for _, lc := range m.lanes {
		if slots == -1 {
			slots = len(lc.inFilters)
		} else if slots != len(lc.inFilters) {
			return nil, verr.NewInternal(verr.Context(), "lanes disagree on filter slot count")
		}
	}
	if slots <= 0 {
		return &RuntimeFilterCollector{}, nil
	}

	collector := &RuntimeFilterCollector{
		InFilters:    make([]*InFilter, slots),
		BloomFilters: make([]*bloomfilter.BloomFilter, slots),
	}

	for slot := 0; slot < slots; slot++ {
		if err := m.mergeInFilterSlot(collector, slot); err != nil {
			return nil, err
		}
		if err := m.mergeBloomSlot(collector, slot); err != nil {
			return nil, err
		}
	}
	return collector, nil
}

func (m *PartialRuntimeFilterMerger) mergeInFilterSlot(collector *RuntimeFilterCollector, slot int) error {
	var merged *InFilter
	for _, lc := range m.lanes {
		f := lc.inFilters[slot]
		if f == nil {
			continue
		}
		if merged == nil {
			merged = f
			continue
		}
		if err := merged.Merge(f); err != nil {
			return err
		}
	}
	if merged == nil {
		merged = NewPassInFilter()
	}
	collector.InFilters[slot] = merged
	return nil
}

// mergeBloomSlot prefers realized per-lane filters when every lane
// shipped one of identical shape; otherwise it sizes a fresh filter from
// the aggregate row count and feeds it every lane's key params.
func (m *PartialRuntimeFilterMerger) mergeBloomSlot(collector *RuntimeFilterCollector, slot int) error {
	realized := 0
	var first *bloomfilter.BloomFilter
	for _, lc := range m.lanes {
		if slot < len(lc.blooms) && lc.blooms[slot] != nil {
			realized++
			if first == nil {
				first = lc.blooms[slot]
			}
		}
	}
	if realized == len(m.lanes) {
		merged := first
		for _, lc := range m.lanes {
			if lc.blooms[slot] == first {
				continue
			}
			if err := merged.OrMerge(lc.blooms[slot]); err != nil {
				return err
			}
		}
		collector.BloomFilters[slot] = merged
		return nil
	}

	var totalRows int64
	for _, lc := range m.lanes {
		if slot < len(lc.bloomParams) {
			totalRows += lc.bloomParams[slot].RowCount
		}
	}
	if totalRows == 0 {
		return nil
	}
	bf := bloomfilter.New(totalRows, bloomfilter.ProbabilityForRows(totalRows))
	for _, lc := range m.lanes {
		if slot < len(lc.bloomParams) && lc.bloomParams[slot].Keys != nil {
			bf.AddVector(lc.bloomParams[slot].Keys)
		}
	}
	collector.BloomFilters[slot] = bf
	return nil
}
