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

// Package connector feeds pipelines: a DataSource yields the chunk
// stream one lane consumes.
package connector

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/metrics"
)

var (
	sourcesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "connector",
		Name:      "sources_opened_total",
		Help:      "Data sources opened by pipelines.",
	})
	chunksRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "connector",
		Name:      "chunks_read_total",
		Help:      "Chunks handed to pipeline lanes.",
	})
	rowsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "connector",
		Name:      "rows_read_total",
		Help:      "Rows handed to pipeline lanes.",
	})
	bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "connector",
		Name:      "bytes_read_total",
		Help:      "Payload bytes handed to pipeline lanes.",
	})
)

func init() {
	metrics.Registry.MustRegister(sourcesOpened, chunksRead, rowsRead, bytesRead)
}

// DataSource is one lane's input stream. GetNext returns the
// end-of-stream sentinel once exhausted.
type DataSource interface {
	Open(ctx context.Context) error
	GetNext(ctx context.Context) (*batch.Batch, error)
	Close() error
}

// MemorySource serves a fixed list of batches; pipelines use it for
// single-node runs and tests use it as the canonical lane feed.
type MemorySource struct {
	batches []*batch.Batch
	next    int
	opened  bool
}

func NewMemorySource(batches ...*batch.Batch) *MemorySource {
	return &MemorySource{batches: batches}
}

func (s *MemorySource) Open(ctx context.Context) error {
	if s.opened {
		return verr.NewInvalidState(ctx, "source opened twice")
	}
	s.opened = true
	sourcesOpened.Inc()
	return nil
}

func (s *MemorySource) GetNext(ctx context.Context) (*batch.Batch, error) {
	if !s.opened {
		return nil, verr.NewInvalidState(ctx, "read from unopened source")
	}
	select {
	case <-ctx.Done():
		return nil, verr.NewQueryInterrupted(ctx)
	default:
	}
	if s.next >= len(s.batches) {
		return nil, verr.GetOkExpectedEOF()
	}
	bat := s.batches[s.next]
	s.next++
	chunksRead.Inc()
	rowsRead.Add(float64(bat.RowCount()))
	bytesRead.Add(float64(bat.Size()))
	return bat, nil
}

func (s *MemorySource) Close() error {
	s.batches = nil
	return nil
}

// Manager names and tracks the sources of one process so diagnostics
// can enumerate what a stuck query is reading.
type Manager struct {
	mu      sync.Mutex
	sources map[string]DataSource
}

func NewManager() *Manager {
	return &Manager{sources: make(map[string]DataSource)}
}

// Register stores the source under a fresh id and returns the id.
func (m *Manager) Register(src DataSource) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sources[id] = src
	return id
}

func (m *Manager) Lookup(id string) (DataSource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	return src, ok
}

func (m *Manager) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}
