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
)

const (
	RuntimeFilter_IN    int32 = 0
	RuntimeFilter_BLOOM int32 = 1
	RuntimeFilter_PASS  int32 = 100
	RuntimeFilter_DROP  int32 = 101
)

// RuntimeFilterMessage is the serialized broadcast form consumed by
// remote fragments: filter kind, key cardinality and the encoded
// payload. How the bytes travel is the transport's concern.
type RuntimeFilterMessage struct {
	NodeID int32
	Typ    int32
	Card   int32
	Data   []byte
}

// RuntimeFilterPort is the outbound side of the cross-fragment filter
// channel.
type RuntimeFilterPort interface {
	PublishRuntimeFilters(msgs []RuntimeFilterMessage) error
}

// LocalPort fans published messages out to in-process subscribers.
// It stands in for the network transport in single-node runs and tests.
type LocalPort struct {
	mu        sync.Mutex
	published []RuntimeFilterMessage
	subs      []chan RuntimeFilterMessage
}

func NewLocalPort() *LocalPort {
	return &LocalPort{}
}

func (p *LocalPort) PublishRuntimeFilters(msgs []RuntimeFilterMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msgs...)
	for _, sub := range p.subs {
		for _, msg := range msgs {
			// runtime filters are an optimization; a slow subscriber
			// misses the message rather than stalling the build lane
			select {
			case sub <- msg:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving every later publish.
func (p *LocalPort) Subscribe(buf int) <-chan RuntimeFilterMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan RuntimeFilterMessage, buf)
	p.subs = append(p.subs, ch)
	return ch
}

// Published snapshots everything sent so far.
func (p *LocalPort) Published() []RuntimeFilterMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RuntimeFilterMessage(nil), p.published...)
}

// BuildBroadcastMessages serializes a collector for remote fragments:
// one BLOOM message per realized bloom filter, a PASS marker for slots
// without one.
func BuildBroadcastMessages(nodeID int32, collector *RuntimeFilterCollector) ([]RuntimeFilterMessage, error) {
	msgs := make([]RuntimeFilterMessage, 0, len(collector.BloomFilters))
	for slot, bf := range collector.BloomFilters {
		if bf == nil {
			msgs = append(msgs, RuntimeFilterMessage{NodeID: nodeID, Typ: RuntimeFilter_PASS})
			continue
		}
		data, err := bf.Marshal()
		if err != nil {
			return nil, err
		}
		var card int32
		if slot < len(collector.InFilters) && collector.InFilters[slot] != nil {
			card = int32(collector.InFilters[slot].Card())
		}
		msgs = append(msgs, RuntimeFilterMessage{
			NodeID: nodeID,
			Typ:    RuntimeFilter_BLOOM,
			Card:   card,
			Data:   data,
		})
	}
	return msgs, nil
}
