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

// Package verr is the error type every fallible operation in vexdb
// returns. An error value carries a numeric code, a message and an
// advisory detail string used for call-site breadcrumbs.
//
// A nil error is success. Transferring ownership of an *Error (assigning
// it away and nilling the source) leaves the source as success; a nil
// source is exempt from the strict must-check discipline, so bookkeeping
// after a transfer never reports spuriously.
package verr

import (
	"context"
	"fmt"
	"io"
	"runtime"
)

const (
	// 0 - 99 are OK codes. They do not carry failure info and are
	// handled with static instances, no alloc.
	Ok            uint16 = 0
	OkExpectedEOF uint16 = 2 // expected end of stream
	OkExpectedEOB uint16 = 3 // expected end of batch
	OkMax         uint16 = 99

	// Group 1: internal errors
	ErrInternal         uint16 = 20101
	ErrNYI              uint16 = 20102
	ErrOOM              uint16 = 20103
	ErrQueryInterrupted uint16 = 20104
	ErrNotSupported     uint16 = 20105
	ErrCapacityExceeded uint16 = 20106

	// Group 2: invalid input
	ErrInvalidArg   uint16 = 20203
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 3: unexpected state and io errors
	ErrInvalidState  uint16 = 20400
	ErrIO            uint16 = 20401
	ErrUnexpectedEOF uint16 = 20407
)

// Error is the concrete error of vexdb. The zero value is not useful;
// always build errors through the New* constructors so strict-mode
// tracking sees them.
type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	markChecked(e)
	return e.message
}

// Detail returns the advisory breadcrumb channel. Lossy transports may
// drop it without breaking correctness.
func (e *Error) Detail() string {
	markChecked(e)
	return e.detail
}

func (e *Error) Display() string {
	markChecked(e)
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	markChecked(e)
	return e.code
}

func (e *Error) Succeeded() bool {
	markChecked(e)
	return e.code <= OkMax
}

// Context returns the ambient context used when a caller has none at
// hand, e.g. while decoding an error off the wire.
func Context() context.Context {
	return context.Background()
}

func newError(ctx context.Context, code uint16, format string, args ...any) *Error {
	_ = ctx
	var msg string
	if len(args) == 0 {
		msg = format
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	err := &Error{code: code, message: msg}
	trackNew(err)
	return err
}

// IsErrCode reports whether err is a verr error with the given code.
// A nil error matches Ok.
func IsErrCode(err error, code uint16) bool {
	if err == nil {
		return code == Ok
	}
	me, ok := err.(*Error)
	if !ok {
		return false
	}
	markChecked(me)
	return me.code == code
}

func IsCancelled(err error) bool {
	return IsErrCode(err, ErrQueryInterrupted)
}

func IsEndOfStream(err error) bool {
	return IsErrCode(err, OkExpectedEOF)
}

func IsOOM(err error) bool {
	return IsErrCode(err, ErrOOM)
}

func IsNotSupported(err error) bool {
	return IsErrCode(err, ErrNotSupported)
}

func IsInternal(err error) bool {
	return IsErrCode(err, ErrInternal)
}

// Expected stream-end sentinels. These are tight-loop values, so they are
// static: no alloc, no tracking, callers may compare by identity or with
// IsEndOfStream.
var errOkExpectedEOF = Error{code: OkExpectedEOF, message: "ExpectedEOF"}
var errOkExpectedEOB = Error{code: OkExpectedEOB, message: "ExpectedEOB"}

func GetOkExpectedEOF() *Error {
	return &errOkExpectedEOF
}

func GetOkExpectedEOB() *Error {
	return &errOkExpectedEOB
}

func NewInternal(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrInternal, format, args...)
}

func NewNYI(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrNYI, format, args...)
}

func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM, "out of memory")
}

func NewQueryInterrupted(ctx context.Context) *Error {
	return newError(ctx, ErrQueryInterrupted, "query interrupted")
}

func NewNotSupported(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrNotSupported, format, args...)
}

func NewCapacityExceeded(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrCapacityExceeded, format, args...)
}

func NewInvalidArg(ctx context.Context, arg string, val any) *Error {
	return newError(ctx, ErrInvalidArg, "invalid argument %s, %v", arg, val)
}

func NewBadConfig(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrBadConfig, format, args...)
}

func NewInvalidInput(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrInvalidInput, format, args...)
}

func NewInvalidState(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrInvalidState, format, args...)
}

func NewIOError(ctx context.Context, format string, args ...any) *Error {
	return newError(ctx, ErrIO, format, args...)
}

func NewUnexpectedEOF(ctx context.Context, f string) *Error {
	return newError(ctx, ErrUnexpectedEOF, "unexpected end of file %s", f)
}

// ConvertPanicError converts a recovered panic value to an internal
// error. Any boundary calling into panicking code must recover and go
// through here; there is no panic-based control flow inside the engine.
func ConvertPanicError(ctx context.Context, v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	buf := make([]byte, 4096)
	buf = buf[:runtime.Stack(buf, false)]
	return newError(ctx, ErrInternal, "panic %v: %s", v, buf)
}

// ConvertGoError converts a plain go error into a verr error.
// Note here we must return error, because nil error is not the same as
// nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if err == context.Canceled || ctx != nil && ctx.Err() == context.Canceled {
		return NewQueryInterrupted(ctx)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(ctx, err.Error())
	}
	return NewInternal(ctx, "convert go error: %v", err)
}
