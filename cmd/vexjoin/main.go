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

// vexjoin runs a parallel hash join over synthetic data: build lanes
// fill the shared table and publish runtime filters, then a prober
// consumes them. It exists to exercise the engine end to end from the
// command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/vexdb/vexdb/pkg/common/mpool"
	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/config"
	"github.com/vexdb/vexdb/pkg/connector"
	"github.com/vexdb/vexdb/pkg/container/batch"
	"github.com/vexdb/vexdb/pkg/container/vector"
	"github.com/vexdb/vexdb/pkg/logutil"
	"github.com/vexdb/vexdb/pkg/metrics"
	"github.com/vexdb/vexdb/pkg/spill"
	"github.com/vexdb/vexdb/pkg/sql/colexec/hashbuild"
	"github.com/vexdb/vexdb/pkg/sql/colexec/join"
	"github.com/vexdb/vexdb/pkg/vm"
	"github.com/vexdb/vexdb/pkg/vm/pipeline"
	"github.com/vexdb/vexdb/pkg/vm/process"
)

var (
	cfgFile   = flag.String("cfg", "", "toml configuration file")
	buildRows = flag.Int("build-rows", 100000, "build-side rows per lane")
	probeRows = flag.Int("probe-rows", 10000, "probe-side rows")
	broadcast = flag.Bool("broadcast", false, "broadcast instead of partitioned build")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vexjoin: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *cfgFile != "" {
		var err error
		if cfg, err = config.Load(*cfgFile); err != nil {
			return err
		}
	}
	logger, err := logutil.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if serr := http.ListenAndServe(cfg.MetricsAddr, mux); serr != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(serr))
			}
		}()
	}
	if len(cfg.SpillDirs) > 0 {
		if _, err = spill.NewDirManager(cfg.SpillDirs); err != nil {
			return err
		}
	}

	proc := process.New(context.Background(), mpool.NewMPool("vexjoin", cfg.MemoryLimit), logger)
	defer proc.Cancel()

	mode := vm.Partitioned
	if *broadcast {
		mode = vm.Broadcast
	}
	fac := hashbuild.NewHashJoinBuildFactory(1, mode, []int{0})
	fac.InFilterLimit = cfg.InFilterLimit

	lanes := cfg.Dop
	if mode == vm.Broadcast {
		lanes = 1
	}
	sources := make([]connector.DataSource, lanes)
	for lane := int32(0); lane < lanes; lane++ {
		sources[lane] = connector.NewMemorySource(buildBatch(int(lane), *buildRows))
	}

	if err = pipeline.New("hash-join-build", fac, sources).Run(proc); err != nil {
		return err
	}
	j := fac.Joiner()
	logger.Info("build complete",
		zap.Int64("rows", j.RowCount()),
		zap.Uint64("distinctKeys", j.GroupCount()))

	prober := join.NewHashJoinProbeOperator(j, vm.OperatorInfo{
		PlanNodeID: 1, Name: "hash_join_probe", Dop: 1,
	})
	if err = prober.Prepare(proc); err != nil {
		return err
	}
	defer func() { _ = prober.Close(proc) }()
	// release the reservations made for probe lanes that never ran
	for i := int32(1); i < lanes; i++ {
		j.ReleaseReservation(proc)
	}

	if err = prober.PushChunk(proc, probeBatch(*probeRows)); err != nil {
		return err
	}
	matched := 0
	for {
		out, perr := prober.PullChunk(proc)
		if verr.IsEndOfStream(perr) {
			break
		}
		if perr != nil {
			return perr
		}
		matched += out.RowCount()
	}
	if err = prober.SetFinishing(proc); err != nil {
		return err
	}

	logger.Info("probe complete",
		zap.Int("probed", *probeRows),
		zap.Int("matched", matched))
	fmt.Printf("build rows: %d, probe rows: %d, matched: %d\n",
		j.RowCount(), *probeRows, matched)
	return nil
}

// buildBatch gives each lane a disjoint key range.
func buildBatch(lane, rows int) *batch.Batch {
	vec := vector.NewInt64()
	for i := 0; i < rows; i++ {
		vec.AppendInt64(int64(lane*rows + i))
	}
	return batch.New(vec)
}

// probeBatch overlaps roughly half the build key space.
func probeBatch(rows int) *batch.Batch {
	vec := vector.NewInt64()
	for i := 0; i < rows; i++ {
		vec.AppendInt64(int64(i * 2))
	}
	return batch.New(vec)
}
