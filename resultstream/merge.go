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

	"google.golang.org/protobuf/types/known/structpb"
)

// mergeChunk joins the two halves of a value that the server split across
// PartialResultSets. Strings are concatenated. Lists are concatenated, and
// the last element of a is merged with the first element of b when it is a
// string or a list itself. Other kinds are never split by the server.
//
// The inputs are left untouched.
func mergeChunk(a, b *structpb.Value) (*structpb.Value, error) {
	switch ak := a.GetKind().(type) {
	case *structpb.Value_StringValue:
		bs, ok := b.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("cannot merge string chunk with %T", b.GetKind())
		}
		return structpb.NewStringValue(ak.StringValue + bs.StringValue), nil
	case *structpb.Value_ListValue:
		bl, ok := b.GetKind().(*structpb.Value_ListValue)
		if !ok {
			return nil, fmt.Errorf("cannot merge list chunk with %T", b.GetKind())
		}
		la, lb := ak.ListValue.GetValues(), bl.ListValue.GetValues()
		out := make([]*structpb.Value, 0, len(la)+len(lb))
		out = append(out, la...)
		if len(la) > 0 && len(lb) > 0 && mergeable(la[len(la)-1]) {
			m, err := mergeChunk(la[len(la)-1], lb[0])
			if err != nil {
				return nil, err
			}
			out[len(out)-1] = m
			lb = lb[1:]
		}
		out = append(out, lb...)
		return structpb.NewListValue(&structpb.ListValue{Values: out}), nil
	}
	return nil, fmt.Errorf("chunked value of kind %T cannot be merged", a.GetKind())
}

func mergeable(v *structpb.Value) bool {
	switch v.GetKind().(type) {
	case *structpb.Value_StringValue, *structpb.Value_ListValue:
		return true
	}
	return false
}
