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

// Package metrics exposes the engine's prometheus instruments. All
// instruments live on a dedicated registry so embedding programs choose
// where (or whether) to expose them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	BuildRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "build_rows_total",
		Help:      "Rows staged into build-side hash tables.",
	})

	BuildBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "build_bytes_total",
		Help:      "Bytes staged into build-side hash tables.",
	})

	RuntimeFilterMergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "runtime_filter_merges_total",
		Help:      "Completed global runtime filter merges.",
	})

	RuntimeFilterBloomBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "runtime_filter_bloom_bytes",
		Help:      "Bit-array bytes of the most recently merged bloom filters.",
	})

	ActiveJoiners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "active_joiners",
		Help:      "Join tables currently held by at least one operator.",
	})

	LaneFinishSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vexdb",
		Subsystem: "hash_join",
		Name:      "lane_finish_seconds",
		Help:      "Wall time spent in a build lane's finishing transition.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

func init() {
	Registry.MustRegister(
		BuildRowsTotal,
		BuildBytesTotal,
		RuntimeFilterMergesTotal,
		RuntimeFilterBloomBytes,
		ActiveJoiners,
		LaneFinishSeconds,
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
