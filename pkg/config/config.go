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

// Package config loads and validates the engine's toml configuration.
package config

import (
	"github.com/BurntSushi/toml"

	"github.com/vexdb/vexdb/pkg/common/verr"
	"github.com/vexdb/vexdb/pkg/logutil"
)

type Config struct {
	// Dop is the default degree of parallelism for pipelines.
	Dop int32 `toml:"dop"`

	// MemoryLimit caps the bytes a query may stage, 0 for unlimited.
	MemoryLimit int64 `toml:"memory-limit"`

	// InFilterLimit is the key cardinality past which an in-filter
	// degenerates to pass-through.
	InFilterLimit int `toml:"in-filter-limit"`

	// MetricsAddr serves prometheus metrics when non-empty.
	MetricsAddr string `toml:"metrics-addr"`

	// SpillDirs are candidate directories for spilled build data.
	SpillDirs []string `toml:"spill-dirs"`

	Log logutil.Config `toml:"log"`
}

func Default() *Config {
	return &Config{
		Dop:           4,
		MemoryLimit:   0,
		InFilterLimit: 1024,
		Log:           logutil.DefaultConfig(),
	}
}

// Load reads path over the defaults; absent keys keep their default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, verr.NewBadConfig(verr.Context(), "parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Dop <= 0 {
		return verr.NewBadConfig(verr.Context(), "dop must be positive, got %d", c.Dop)
	}
	if c.MemoryLimit < 0 {
		return verr.NewBadConfig(verr.Context(), "memory-limit must be non-negative, got %d", c.MemoryLimit)
	}
	if c.InFilterLimit < 0 {
		return verr.NewBadConfig(verr.Context(), "in-filter-limit must be non-negative, got %d", c.InFilterLimit)
	}
	return nil
}
