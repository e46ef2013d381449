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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	ctx := context.TODO()
	tests := []struct {
		name     string
		err      *Error
		wantCode uint16
		wantMsg  string
	}{
		{
			name:     "internal",
			err:      NewInternalError(ctx, "boom %d", 42),
			wantCode: ErrInternal,
			wantMsg:  "internal error: boom 42",
		},
		{
			name:     "collection not found",
			err:      NewCollectionNotFound(ctx, "db1.foo"),
			wantCode: ErrCollectionNotFound,
			wantMsg:  "collection db1.foo does not exist",
		},
		{
			name:     "namespace exists",
			err:      NewNamespaceExists(ctx, "db1.foo"),
			wantCode: ErrNamespaceExists,
			wantMsg:  "namespace db1.foo already in use",
		},
		{
			name:     "txn closed",
			err:      NewTxnClosed(ctx, 7),
			wantCode: ErrTxnClosed,
			wantMsg:  "the transaction 7 has been committed or aborted",
		},
		{
			name:     "catalog closed",
			err:      NewCatalogClosed(ctx),
			wantCode: ErrCatalogClosed,
			wantMsg:  "the catalog has been closed",
		},
		{
			name:     "view depth",
			err:      NewViewDepthLimit(ctx, 20),
			wantCode: ErrViewDepthLimit,
			wantMsg:  "view depth limit exceeded, max depth 20",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantCode, tt.err.ErrorCode())
			require.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestNewErrorUnknownCode(t *testing.T) {
	defer func() {
		err := recover()
		require.NotNil(t, err)
		require.True(t, IsKerrCode(err.(*Error), ErrInternal))
	}()
	newError(context.TODO(), ErrEnd)
	t.Errorf("not receive panic")
}

func TestIsKerrCode(t *testing.T) {
	ctx := context.TODO()
	require.True(t, IsKerrCode(nil, Ok))
	require.False(t, IsKerrCode(nil, ErrInternal))
	require.False(t, IsKerrCode(errors.New("plain"), ErrInternal))
	require.True(t, IsKerrCode(NewTxnWriteConflict(ctx, "ns in use"), ErrTxnWriteConflict))
	require.False(t, IsKerrCode(NewTxnWriteConflict(ctx, "ns in use"), ErrTxnClosed))
}

func TestSucceeded(t *testing.T) {
	require.True(t, GetOkStopCurrRecur().Succeeded())
	require.True(t, GetOkExpectedEOF().Succeeded())
	require.False(t, NewInternalError(context.TODO(), "no").Succeeded())
}

func TestConvertPanicError(t *testing.T) {
	ctx := context.TODO()

	fromString := func() (err *Error) {
		defer func() {
			if v := recover(); v != nil {
				err = ConvertPanicError(ctx, v)
			}
		}()
		panic("something broke")
	}()
	require.True(t, IsKerrCode(fromString, ErrInternal))

	fromKerr := func() (err *Error) {
		defer func() {
			if v := recover(); v != nil {
				err = ConvertPanicError(ctx, v)
			}
		}()
		panic(NewNamespaceExists(ctx, "db1.foo"))
	}()
	require.True(t, IsKerrCode(fromKerr, ErrNamespaceExists))
}

func TestConvertGoError(t *testing.T) {
	ctx := context.TODO()
	require.NoError(t, ConvertGoError(ctx, nil))

	kept := NewCollectionNotFound(ctx, "db1.foo")
	require.Equal(t, error(kept), ConvertGoError(ctx, kept))

	require.True(t, IsKerrCode(ConvertGoError(ctx, io.EOF), ErrUnexpectedEOF))
	require.True(t, IsKerrCode(ConvertGoError(ctx, fmt.Errorf("wat")), ErrInternal))
}
