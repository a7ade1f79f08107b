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

package resultstream

import (
	"fmt"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"google.golang.org/protobuf/types/known/structpb"
)

// Row is one result row. It is immutable.
type Row struct {
	fields []*spannerpb.StructType_Field
	vals   []*structpb.Value
}

// NewRow builds a row from its schema and values. The slices are copied.
func NewRow(fields []*spannerpb.StructType_Field, vals []*structpb.Value) (*Row, error) {
	if len(fields) != len(vals) {
		return nil, spanerrors.New(spanerrors.ErrDecode, "new row", fmt.Errorf("%d columns but %d values", len(fields), len(vals)))
	}
	return &Row{
		fields: append([]*spannerpb.StructType_Field(nil), fields...),
		vals:   append([]*structpb.Value(nil), vals...),
	}, nil
}

// Size returns the number of columns.
func (r *Row) Size() int {
	return len(r.fields)
}

func (r *Row) ColumnName(i int) string {
	if i < 0 || i >= len(r.fields) {
		return ""
	}
	return r.fields[i].GetName()
}

func (r *Row) ColumnNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.GetName()
	}
	return names
}

// ColumnIndex returns the index of the first column with the given name.
func (r *Row) ColumnIndex(name string) (int, error) {
	for i, f := range r.fields {
		if f.GetName() == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found", name)
}

// Column decodes column i into ptr, which is any destination accepted by
// spanner.GenericColumnValue.Decode, for example *int64, *string,
// *spanner.NullString or *[]int64.
func (r *Row) Column(i int, ptr interface{}) error {
	if i < 0 || i >= len(r.fields) {
		return spanerrors.New(spanerrors.ErrDecode, "decode column", fmt.Errorf("column index %d out of range [0,%d)", i, len(r.fields)))
	}
	gcv := spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.vals[i]}
	if err := gcv.Decode(ptr); err != nil {
		return spanerrors.New(spanerrors.ErrDecode, fmt.Sprintf("decode column %q", r.fields[i].GetName()), err)
	}
	return nil
}

func (r *Row) ColumnByName(name string, ptr interface{}) error {
	i, err := r.ColumnIndex(name)
	if err != nil {
		return spanerrors.New(spanerrors.ErrDecode, "decode column", err)
	}
	return r.Column(i, ptr)
}

// Columns decodes every column in order into ptrs.
func (r *Row) Columns(ptrs ...interface{}) error {
	if len(ptrs) != len(r.fields) {
		return spanerrors.New(spanerrors.ErrDecode, "decode columns", fmt.Errorf("%d destinations for %d columns", len(ptrs), len(r.fields)))
	}
	for i, p := range ptrs {
		if p == nil {
			continue
		}
		if err := r.Column(i, p); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the raw column values.
func (r *Row) Values() []*structpb.Value {
	return append([]*structpb.Value(nil), r.vals...)
}

// Fields returns the column schema.
func (r *Row) Fields() []*spannerpb.StructType_Field {
	return append([]*spannerpb.StructType_Field(nil), r.fields...)
}

// GenericColumnValue returns column i without decoding it.
func (r *Row) GenericColumnValue(i int) spanner.GenericColumnValue {
	return spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.vals[i]}
}
