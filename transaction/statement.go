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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Statement is a SQL string with named parameters. Parameter names are used
// without the leading '@'.
type Statement struct {
	SQL    string
	Params map[string]interface{}
}

// NewStatement returns a Statement without parameters.
func NewStatement(sql string) Statement {
	return Statement{SQL: sql, Params: map[string]interface{}{}}
}

// request encodes the statement into the parts of an ExecuteSqlRequest that
// stay the same across attempts.
func (s Statement) request() (*spannerpb.ExecuteSqlRequest, error) {
	req := &spannerpb.ExecuteSqlRequest{Sql: s.SQL, QueryMode: spannerpb.ExecuteSqlRequest_NORMAL}
	if len(s.Params) == 0 {
		return req, nil
	}
	req.Params = &structpb.Struct{Fields: make(map[string]*structpb.Value, len(s.Params))}
	req.ParamTypes = make(map[string]*spannerpb.Type, len(s.Params))
	for name, v := range s.Params {
		val, typ, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter @%s: %w", name, err)
		}
		req.Params.Fields[name] = val
		if typ != nil {
			req.ParamTypes[name] = typ
		}
	}
	return req, nil
}

// fingerprint identifies an encoded statement. Equal requests have equal
// fingerprints regardless of map ordering.
func fingerprint(req *spannerpb.ExecuteSqlRequest) ([sha256.Size]byte, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(b), nil
}

func typeOf(code spannerpb.TypeCode) *spannerpb.Type {
	return &spannerpb.Type{Code: code}
}

func arrayOf(code spannerpb.TypeCode) *spannerpb.Type {
	return &spannerpb.Type{Code: spannerpb.TypeCode_ARRAY, ArrayElementType: typeOf(code)}
}

func intValue(v int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(v, 10))
}

func floatValue(f float64) *structpb.Value {
	switch {
	case math.IsNaN(f):
		return structpb.NewStringValue("NaN")
	case math.IsInf(f, 1):
		return structpb.NewStringValue("Infinity")
	case math.IsInf(f, -1):
		return structpb.NewStringValue("-Infinity")
	}
	return structpb.NewNumberValue(f)
}

func timestampValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func dateValue(d civil.Date) *structpb.Value {
	return structpb.NewStringValue(d.String())
}

func listValue[T any](vs []T, enc func(T) *structpb.Value) *structpb.Value {
	if vs == nil {
		return structpb.NewNullValue()
	}
	out := make([]*structpb.Value, len(vs))
	for i, v := range vs {
		out[i] = enc(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: out})
}

// encodeValue converts a Go value into its Spanner wire form. A nil type means
// the parameter is untyped and the server infers it.
func encodeValue(v interface{}) (*structpb.Value, *spannerpb.Type, error) {
	switch v := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil, nil
	case bool:
		return structpb.NewBoolValue(v), typeOf(spannerpb.TypeCode_BOOL), nil
	case string:
		return structpb.NewStringValue(v), typeOf(spannerpb.TypeCode_STRING), nil
	case int:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case int8:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case int16:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case int32:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case int64:
		return intValue(v), typeOf(spannerpb.TypeCode_INT64), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, nil, fmt.Errorf("value %d overflows INT64", v)
		}
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case uint8:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case uint16:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case uint32:
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, nil, fmt.Errorf("value %d overflows INT64", v)
		}
		return intValue(int64(v)), typeOf(spannerpb.TypeCode_INT64), nil
	case float32:
		return floatValue(float64(v)), typeOf(spannerpb.TypeCode_FLOAT64), nil
	case float64:
		return floatValue(v), typeOf(spannerpb.TypeCode_FLOAT64), nil
	case []byte:
		if v == nil {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_BYTES), nil
		}
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v)), typeOf(spannerpb.TypeCode_BYTES), nil
	case time.Time:
		return timestampValue(v), typeOf(spannerpb.TypeCode_TIMESTAMP), nil
	case civil.Date:
		return dateValue(v), typeOf(spannerpb.TypeCode_DATE), nil
	case spanner.NullString:
		if !v.Valid {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_STRING), nil
		}
		return structpb.NewStringValue(v.StringVal), typeOf(spannerpb.TypeCode_STRING), nil
	case spanner.NullInt64:
		if !v.Valid {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_INT64), nil
		}
		return intValue(v.Int64), typeOf(spannerpb.TypeCode_INT64), nil
	case spanner.NullBool:
		if !v.Valid {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_BOOL), nil
		}
		return structpb.NewBoolValue(v.Bool), typeOf(spannerpb.TypeCode_BOOL), nil
	case spanner.NullFloat64:
		if !v.Valid {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_FLOAT64), nil
		}
		return floatValue(v.Float64), typeOf(spannerpb.TypeCode_FLOAT64), nil
	case []int64:
		return listValue(v, intValue), arrayOf(spannerpb.TypeCode_INT64), nil
	case []string:
		return listValue(v, structpb.NewStringValue), arrayOf(spannerpb.TypeCode_STRING), nil
	case []bool:
		return listValue(v, structpb.NewBoolValue), arrayOf(spannerpb.TypeCode_BOOL), nil
	case []float64:
		return listValue(v, floatValue), arrayOf(spannerpb.TypeCode_FLOAT64), nil
	case []time.Time:
		return listValue(v, timestampValue), arrayOf(spannerpb.TypeCode_TIMESTAMP), nil
	case []civil.Date:
		return listValue(v, dateValue), arrayOf(spannerpb.TypeCode_DATE), nil
	case spanner.GenericColumnValue:
		return v.Value, v.Type, nil
	}
	return nil, nil, fmt.Errorf("unsupported parameter type %T", v)
}
