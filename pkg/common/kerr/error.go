// Copyright 2022 KestrelDB
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

package kerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

const (
	// 0 - 99: ok or almost ok conditions.  These are not real errors,
	// they flow through error returns to control iteration and
	// recursion without an extra boolean channel.
	Ok              uint16 = 0
	OkStopCurrRecur uint16 = 1
	OkExpectedEOF   uint16 = 2
	OkMax           uint16 = 99

	// 20100 - 20199: general errors.
	ErrStart         uint16 = 20100
	ErrInternal      uint16 = 20101
	ErrNYI           uint16 = 20102
	ErrInvalidInput  uint16 = 20103
	ErrInvalidState  uint16 = 20104
	ErrBadConfig     uint16 = 20105
	ErrUnexpectedEOF uint16 = 20106

	// 20200 - 20299: catalog and namespace errors.
	ErrDatabaseNotFound    uint16 = 20200
	ErrCollectionNotFound  uint16 = 20201
	ErrNamespaceExists     uint16 = 20202
	ErrNamespaceNotFound   uint16 = 20203
	ErrDatabaseAlreadyOpen uint16 = 20204
	ErrCatalogClosed       uint16 = 20205

	// 20300 - 20399: view errors.
	ErrViewNotFound         uint16 = 20300
	ErrViewAlreadyExists    uint16 = 20301
	ErrInvalidView          uint16 = 20302
	ErrViewGraphCycle       uint16 = 20303
	ErrViewDepthLimit       uint16 = 20304
	ErrViewPipelineTooLarge uint16 = 20305

	// 20400 - 20499: transaction errors.
	ErrTxnClosed        uint16 = 20400
	ErrTxnWriteConflict uint16 = 20401
	ErrTxnNeedRetry     uint16 = 20402

	// ErrEnd, the max value of error code.
	ErrEnd uint16 = 65535
)

// errorMsgRefer is the single registry of error messages.  An error code
// that is not in this map cannot be constructed.
var errorMsgRefer = map[uint16]string{
	Ok:              "ok",
	OkStopCurrRecur: "ok, stop current recursion",
	OkExpectedEOF:   "ok, expected end of file",

	ErrInternal:      "internal error: %s",
	ErrNYI:           "%s is not yet implemented",
	ErrInvalidInput:  "invalid input: %s",
	ErrInvalidState:  "invalid state %s",
	ErrBadConfig:     "invalid configuration: %s",
	ErrUnexpectedEOF: "unexpected end of file %s",

	ErrDatabaseNotFound:    "database %s does not exist",
	ErrCollectionNotFound:  "collection %s does not exist",
	ErrNamespaceExists:     "namespace %s already in use",
	ErrNamespaceNotFound:   "namespace %s does not exist",
	ErrDatabaseAlreadyOpen: "database %s is already initialized in the catalog",
	ErrCatalogClosed:       "the catalog has been closed",

	ErrViewNotFound:         "view %s does not exist",
	ErrViewAlreadyExists:    "view %s already exists",
	ErrInvalidView:          "invalid view: %s",
	ErrViewGraphCycle:       "view cycle detected at %s",
	ErrViewDepthLimit:       "view depth limit exceeded, max depth %d",
	ErrViewPipelineTooLarge: "view pipeline exceeds maximum size for view %s",

	ErrTxnClosed:        "the transaction %d has been committed or aborted",
	ErrTxnWriteConflict: "txn write conflict %s",
	ErrTxnNeedRetry:     "the transaction needs to be retried",
}

// Error is the error type of kestrel.  All errors flowing between
// packages carry a code from the registry above.
type Error struct {
	code    uint16
	message string
}

var _ error = (*Error)(nil)

func newError(ctx context.Context, code uint16, args ...any) *Error {
	var err *Error
	format, has := errorMsgRefer[code]
	if !has {
		panic(NewInternalError(ctx, "not used error code %d", code))
	}
	if len(args) == 0 {
		err = &Error{
			code:    code,
			message: format,
		}
	} else {
		err = &Error{
			code:    code,
			message: fmt.Sprintf(format, args...),
		}
	}
	return err
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

// IsKerrCode returns true if err is a kestrel error with the given code.
// A nil error matches Ok.
func IsKerrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	me, ok := e.(*Error)
	if !ok {
		return false
	}
	return me.code == rc
}

// ConvertPanicError converts a recovered panic value into an Error,
// attaching the stack of the panicking goroutine.
func ConvertPanicError(ctx context.Context, v any) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ctx, ErrInternal, fmt.Sprintf("panic %v: %s", v, debug.Stack()))
}

// ConvertGoError converts a go error into a kestrel error.  A nil error
// and an error that already is an Error pass through unchanged.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if errors.Is(err, io.EOF) {
		return NewUnexpectedEOF(ctx, err.Error())
	}
	return NewInternalError(ctx, "convert go error to kestrel error %v", err)
}

// Most of the times, an error is not a real error.  The static
// instances below are returned from deep recursions to stop early, so
// that the hot path does not allocate.
var errOkStopCurrRecur = Error{OkStopCurrRecur, "ok, stop current recursion"}
var errOkExpectedEOF = Error{OkExpectedEOF, "ok, expected end of file"}

func GetOkStopCurrRecur() *Error {
	return &errOkStopCurrRecur
}

func GetOkExpectedEOF() *Error {
	return &errOkExpectedEOF
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewNYI(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNYI, xmsg)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewUnexpectedEOF(ctx context.Context, msg string) *Error {
	return newError(ctx, ErrUnexpectedEOF, msg)
}

func NewDatabaseNotFound(ctx context.Context, db string) *Error {
	return newError(ctx, ErrDatabaseNotFound, db)
}

func NewCollectionNotFound(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrCollectionNotFound, ns)
}

func NewNamespaceExists(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrNamespaceExists, ns)
}

func NewNamespaceNotFound(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrNamespaceNotFound, ns)
}

func NewDatabaseAlreadyOpen(ctx context.Context, db string) *Error {
	return newError(ctx, ErrDatabaseAlreadyOpen, db)
}

func NewCatalogClosed(ctx context.Context) *Error {
	return newError(ctx, ErrCatalogClosed)
}

func NewViewNotFound(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrViewNotFound, ns)
}

func NewViewAlreadyExists(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrViewAlreadyExists, ns)
}

func NewInvalidView(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidView, xmsg)
}

func NewViewGraphCycle(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrViewGraphCycle, ns)
}

func NewViewDepthLimit(ctx context.Context, maxDepth int) *Error {
	return newError(ctx, ErrViewDepthLimit, maxDepth)
}

func NewViewPipelineTooLarge(ctx context.Context, ns string) *Error {
	return newError(ctx, ErrViewPipelineTooLarge, ns)
}

func NewTxnClosed(ctx context.Context, id uint64) *Error {
	return newError(ctx, ErrTxnClosed, id)
}

func NewTxnWriteConflict(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrTxnWriteConflict, xmsg)
}

func NewTxnNeedRetry(ctx context.Context) *Error {
	return newError(ctx, ErrTxnNeedRetry)
}
