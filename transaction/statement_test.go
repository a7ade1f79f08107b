/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package transaction

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/transporttest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.FixedZone("CET", 3600))
	tests := []struct {
		name     string
		in       interface{}
		want     *structpb.Value
		wantType *spannerpb.Type
	}{
		{name: "nil", in: nil, want: structpb.NewNullValue()},
		{name: "bool", in: true, want: structpb.NewBoolValue(true), wantType: typeOf(spannerpb.TypeCode_BOOL)},
		{name: "string", in: "abc", want: structpb.NewStringValue("abc"), wantType: typeOf(spannerpb.TypeCode_STRING)},
		{name: "int", in: 42, want: structpb.NewStringValue("42"), wantType: typeOf(spannerpb.TypeCode_INT64)},
		{name: "int64 min", in: int64(math.MinInt64), want: structpb.NewStringValue("-9223372036854775808"), wantType: typeOf(spannerpb.TypeCode_INT64)},
		{name: "uint", in: uint(9), want: structpb.NewStringValue("9"), wantType: typeOf(spannerpb.TypeCode_INT64)},
		{name: "uint32", in: uint32(7), want: structpb.NewStringValue("7"), wantType: typeOf(spannerpb.TypeCode_INT64)},
		{name: "float64", in: 1.5, want: structpb.NewNumberValue(1.5), wantType: typeOf(spannerpb.TypeCode_FLOAT64)},
		{name: "NaN", in: math.NaN(), want: structpb.NewStringValue("NaN"), wantType: typeOf(spannerpb.TypeCode_FLOAT64)},
		{name: "-Inf", in: math.Inf(-1), want: structpb.NewStringValue("-Infinity"), wantType: typeOf(spannerpb.TypeCode_FLOAT64)},
		{name: "bytes", in: []byte("hi"), want: structpb.NewStringValue("aGk="), wantType: typeOf(spannerpb.TypeCode_BYTES)},
		{name: "nil bytes", in: []byte(nil), want: structpb.NewNullValue(), wantType: typeOf(spannerpb.TypeCode_BYTES)},
		{name: "timestamp", in: ts, want: structpb.NewStringValue("2024-03-01T09:30:00.123456789Z"), wantType: typeOf(spannerpb.TypeCode_TIMESTAMP)},
		{name: "date", in: civil.Date{Year: 2024, Month: 2, Day: 29}, want: structpb.NewStringValue("2024-02-29"), wantType: typeOf(spannerpb.TypeCode_DATE)},
		{name: "null string", in: spanner.NullString{}, want: structpb.NewNullValue(), wantType: typeOf(spannerpb.TypeCode_STRING)},
		{name: "null int64 valid", in: spanner.NullInt64{Int64: 3, Valid: true}, want: structpb.NewStringValue("3"), wantType: typeOf(spannerpb.TypeCode_INT64)},
		{
			name:     "int64 array",
			in:       []int64{1, 2},
			want:     structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("1"), structpb.NewStringValue("2")}}),
			wantType: arrayOf(spannerpb.TypeCode_INT64),
		},
		{name: "nil string array", in: []string(nil), want: structpb.NewNullValue(), wantType: arrayOf(spannerpb.TypeCode_STRING)},
		{
			name: "timestamp array",
			in:   []time.Time{ts, time.Unix(0, 0)},
			want: structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
				structpb.NewStringValue("2024-03-01T09:30:00.123456789Z"),
				structpb.NewStringValue("1970-01-01T00:00:00Z"),
			}}),
			wantType: arrayOf(spannerpb.TypeCode_TIMESTAMP),
		},
		{name: "nil timestamp array", in: []time.Time(nil), want: structpb.NewNullValue(), wantType: arrayOf(spannerpb.TypeCode_TIMESTAMP)},
		{
			name:     "date array",
			in:       []civil.Date{{Year: 2024, Month: 2, Day: 29}, {Year: 1, Month: 1, Day: 1}},
			want:     structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewStringValue("2024-02-29"), structpb.NewStringValue("0001-01-01")}}),
			wantType: arrayOf(spannerpb.TypeCode_DATE),
		},
		{
			name:     "generic column value",
			in:       spanner.GenericColumnValue{Type: typeOf(spannerpb.TypeCode_JSON), Value: structpb.NewStringValue(`{"a":1}`)},
			want:     structpb.NewStringValue(`{"a":1}`),
			wantType: typeOf(spannerpb.TypeCode_JSON),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, typ, err := encodeValue(tt.in)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, protocmp.Transform()); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantType, typ, protocmp.Transform()); diff != "" {
				t.Errorf("type mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeValueErrors(t *testing.T) {
	_, _, err := encodeValue(uint64(math.MaxUint64))
	assert.Error(t, err)
	if strconv.IntSize == 64 {
		_, _, err = encodeValue(^uint(0))
		assert.ErrorContains(t, err, "overflows INT64")
	}
	_, _, err = encodeValue(struct{}{})
	assert.Error(t, err)

	_, err = Statement{SQL: "SELECT @p", Params: map[string]interface{}{"p": make(chan int)}}.request()
	assert.ErrorContains(t, err, "@p")
}

func TestFingerprintIgnoresParamOrder(t *testing.T) {
	a := Statement{SQL: "SELECT @a, @b", Params: map[string]interface{}{}}
	b := Statement{SQL: "SELECT @a, @b", Params: map[string]interface{}{}}
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		a.Params[k] = int64(i)
	}
	for i, k := range []string{"e", "d", "c", "b", "a"} {
		b.Params[k] = int64(4 - i)
	}
	ra, err := a.request()
	require.NoError(t, err)
	rb, err := b.request()
	require.NoError(t, err)
	fa, err := fingerprint(ra)
	require.NoError(t, err)
	fb, err := fingerprint(rb)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.Params["a"] = int64(9)
	rb, err = b.request()
	require.NoError(t, err)
	fb, err = fingerprint(rb)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb)
}

func TestRetrier(t *testing.T) {
	aborted := transport.Classify(transport.OpCommit, transporttest.Aborted(0))
	r := &Retrier{MaxAttempts: 3, Backoff: fastBackoff}

	var calls int
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return aborted
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return aborted
	})
	assert.ErrorIs(t, err, spanerrors.ErrTransactionAbortedPermanently)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	aborted := transport.Classify(transport.OpCommit, transporttest.Aborted(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(Options{})
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return aborted
	})
	assert.ErrorIs(t, err, context.Canceled)
}
