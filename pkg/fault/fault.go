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

// Package fault injects failures at named points. Disabled, a trigger
// is a single atomic load; tests enable it to force error paths that
// normal runs cannot reach.
package fault

import (
	"sync"
	"sync/atomic"
)

var (
	enabled atomic.Bool

	mu     sync.RWMutex
	points map[string]error
)

func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if points == nil {
		points = make(map[string]error)
	}
	enabled.Store(true)
}

func Disable() {
	mu.Lock()
	defer mu.Unlock()
	points = nil
	enabled.Store(false)
}

// AddFaultPoint arms name to return err on trigger.
func AddFaultPoint(name string, err error) {
	mu.Lock()
	defer mu.Unlock()
	if points == nil {
		points = make(map[string]error)
	}
	points[name] = err
}

func RemoveFaultPoint(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(points, name)
}

// TriggerFault returns the armed error for name, nil when unarmed or
// injection is disabled.
func TriggerFault(name string) error {
	if !enabled.Load() {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return points[name]
}
