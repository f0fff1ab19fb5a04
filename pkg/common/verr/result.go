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

package verr

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Update adopts next only if *dst currently holds success. The first
// failure seen wins; later ones are acknowledged and dropped. Use it to
// fold results from independent sub-steps:
//
//	var overall error
//	verr.Update(&overall, stepOne())
//	verr.Update(&overall, stepTwo())
func Update(dst *error, next error) {
	if *dst == nil {
		*dst = next
		return
	}
	PermitUnchecked(next)
}

// PermitUnchecked intentionally swallows an error. User must explicitly
// call this function, that way we are easily able to search the code to
// find where error swallowing occurs.
func PermitUnchecked(err error) {
	if me, ok := err.(*Error); ok {
		markChecked(me)
	}
}

// PrependMessage returns a new failure with the same code and the text
// prepended to the message. No-op on success.
func PrependMessage(err error, text string) error {
	me, ok := err.(*Error)
	if !ok || me == nil || me.code <= OkMax {
		return err
	}
	markChecked(me)
	ne := &Error{code: me.code, message: text + me.message, detail: me.detail}
	trackNew(ne)
	return ne
}

// AppendMessage is the suffix twin of PrependMessage.
func AppendMessage(err error, text string) error {
	me, ok := err.(*Error)
	if !ok || me == nil || me.code <= OkMax {
		return err
	}
	markChecked(me)
	ne := &Error{code: me.code, message: me.message + text, detail: me.detail}
	trackNew(ne)
	return ne
}

// AppendDetail annotates where a failure was observed as it unwinds,
// without changing its code or message. location is typically file:line,
// expression the failed call.
func AppendDetail(err error, location, expression string) error {
	me, ok := err.(*Error)
	if !ok || me == nil || me.code <= OkMax {
		return err
	}
	markChecked(me)
	crumb := fmt.Sprintf("%s %s", location, expression)
	ne := &Error{code: me.code, message: me.message, detail: crumb}
	if len(me.detail) > 0 {
		ne.detail = me.detail + "; " + crumb
	}
	trackNew(ne)
	return ne
}

// Strict must-check mode.
//
// Silent error-swallowing is the dominant correctness bug in an engine
// like this, so tests can demand that every Error constructed gets
// inspected before teardown. Go has no destructors; "inspected before
// destruction" becomes "inspected before ReportUnchecked runs".
// Inspection is any predicate, code, message or detail access, or an
// explicit PermitUnchecked. The static EOF/EOB sentinels and nil errors
// are exempt.
var checkTracker struct {
	sync.Mutex
	enabled   bool
	unchecked map[*Error]struct{}
}

var checkTrackingOn atomic.Bool

// EnableCheckTracking turns strict mode on and resets the registry.
func EnableCheckTracking() {
	checkTracker.Lock()
	defer checkTracker.Unlock()
	checkTracker.enabled = true
	checkTracker.unchecked = make(map[*Error]struct{})
	checkTrackingOn.Store(true)
}

// DisableCheckTracking turns strict mode off and drops the registry.
func DisableCheckTracking() {
	checkTracker.Lock()
	defer checkTracker.Unlock()
	checkTracker.enabled = false
	checkTracker.unchecked = nil
	checkTrackingOn.Store(false)
}

// ReportUnchecked hands every still-unchecked error to report and
// returns the count. The registry is cleared.
func ReportUnchecked(report func(*Error)) int {
	checkTracker.Lock()
	defer checkTracker.Unlock()
	n := len(checkTracker.unchecked)
	if report != nil {
		for e := range checkTracker.unchecked {
			report(e)
		}
	}
	if checkTracker.enabled {
		checkTracker.unchecked = make(map[*Error]struct{})
	}
	return n
}

func trackNew(e *Error) {
	if !checkTrackingOn.Load() {
		return
	}
	checkTracker.Lock()
	defer checkTracker.Unlock()
	if checkTracker.enabled {
		checkTracker.unchecked[e] = struct{}{}
	}
}

func markChecked(e *Error) {
	if e == nil || !checkTrackingOn.Load() {
		return
	}
	checkTracker.Lock()
	defer checkTracker.Unlock()
	if checkTracker.enabled {
		delete(checkTracker.unchecked, e)
	}
}
