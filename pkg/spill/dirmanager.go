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

// Package spill places build-side overflow data on disk. The manager
// rotates across configured directories so parallel lanes spread their
// IO over spindles.
package spill

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vexdb/vexdb/pkg/common/verr"
)

type DirManager struct {
	dirs []string
	next atomic.Uint64
}

// NewDirManager validates every directory up front: each must exist (or
// be creatable) and be writable.
func NewDirManager(dirs []string) (*DirManager, error) {
	if len(dirs) == 0 {
		return nil, verr.NewBadConfig(verr.Context(), "no spill directories configured")
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, verr.NewIOError(verr.Context(), "spill dir %s: %v", dir, err)
		}
		probe := filepath.Join(dir, ".probe-"+uuid.NewString())
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			return nil, verr.NewIOError(verr.Context(), "spill dir %s not writable: %v", dir, err)
		}
		_ = os.Remove(probe)
	}
	return &DirManager{dirs: append([]string(nil), dirs...)}, nil
}

// AcquireWritableDir returns the next directory round-robin.
func (m *DirManager) AcquireWritableDir() string {
	n := m.next.Add(1) - 1
	return m.dirs[n%uint64(len(m.dirs))]
}

// NewSpillFile opens a uniquely named file in the next directory.
func (m *DirManager) NewSpillFile(prefix string) (*os.File, error) {
	dir := m.AcquireWritableDir()
	f, err := os.Create(filepath.Join(dir, prefix+"-"+uuid.NewString()+".spill"))
	if err != nil {
		return nil, verr.NewIOError(verr.Context(), "create spill file: %v", err)
	}
	return f, nil
}
