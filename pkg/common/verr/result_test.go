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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrictModeReportsUnchecked(t *testing.T) {
	ctx := context.Background()
	EnableCheckTracking()
	defer DisableCheckTracking()

	_ = NewInternal(ctx, "dropped on the floor")

	var reported []*Error
	n := ReportUnchecked(func(e *Error) { reported = append(reported, e) })
	require.Equal(t, 1, n)
	require.Len(t, reported, 1)
}

func TestStrictModeInspectionClears(t *testing.T) {
	ctx := context.Background()
	EnableCheckTracking()
	defer DisableCheckTracking()

	err := NewInternal(ctx, "looked at")
	require.True(t, IsInternal(err)) // inspection marks checked

	require.Zero(t, ReportUnchecked(nil))
}

func TestStrictModePermitUnchecked(t *testing.T) {
	ctx := context.Background()
	EnableCheckTracking()
	defer DisableCheckTracking()

	PermitUnchecked(NewIOError(ctx, "best effort cleanup"))
	require.Zero(t, ReportUnchecked(nil))
}

func TestStrictModeTransferExemption(t *testing.T) {
	ctx := context.Background()
	EnableCheckTracking()
	defer DisableCheckTracking()

	// transferring ownership: the source is nilled and becomes success,
	// only the destination still owes an inspection
	src := NewOOM(ctx)
	dst := src
	src = nil
	require.True(t, IsErrCode(src, Ok))
	require.True(t, IsOOM(dst))

	require.Zero(t, ReportUnchecked(nil))
}

func TestStrictModeSentinelsExempt(t *testing.T) {
	EnableCheckTracking()
	defer DisableCheckTracking()

	_ = GetOkExpectedEOF()
	_ = GetOkExpectedEOB()
	require.Zero(t, ReportUnchecked(nil))
}

func TestUpdateAcknowledgesLoser(t *testing.T) {
	ctx := context.Background()
	EnableCheckTracking()
	defer DisableCheckTracking()

	var overall error
	first := NewInternal(ctx, "first")
	Update(&overall, first)
	Update(&overall, NewInternal(ctx, "second")) // folded away, auto acknowledged
	require.True(t, IsInternal(overall))

	require.Zero(t, ReportUnchecked(nil))
}
