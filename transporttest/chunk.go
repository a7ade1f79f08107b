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

package transporttest

import (
	"strconv"
	"unicode/utf8"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Chunking controls how a result is cut into PartialResultSets.
type Chunking struct {
	// ValuesPerChunk is the number of value slots per PartialResultSet. Zero
	// puts every value into a single PartialResultSet.
	ValuesPerChunk int
	// SplitValues splits the last value of a chunk across the boundary using
	// chunked_value whenever the value is a string or a list.
	SplitValues bool
	// TokenEvery sets a resume token on every n-th PartialResultSet. Zero
	// sends no resume tokens.
	TokenEvery int
}

// Chunk cuts values into PartialResultSets. Resume tokens hold the index of
// the PartialResultSet they are attached to.
func Chunk(values []*structpb.Value, c Chunking) []*spannerpb.PartialResultSet {
	per := c.ValuesPerChunk
	if per <= 0 {
		per = len(values)
		if per == 0 {
			per = 1
		}
	}
	var out []*spannerpb.PartialResultSet
	var carry *structpb.Value
	for i := 0; i < len(values) || carry != nil; {
		prs := &spannerpb.PartialResultSet{}
		fresh := false
		if carry != nil {
			prs.Values = append(prs.Values, carry)
			carry = nil
		}
		for len(prs.Values) < per && i < len(values) {
			prs.Values = append(prs.Values, values[i])
			i++
			fresh = true
		}
		if c.SplitValues && fresh {
			last := len(prs.Values) - 1
			if left, right, ok := splitValue(prs.Values[last]); ok {
				prs.Values[last] = left
				prs.ChunkedValue = true
				carry = right
			}
		}
		out = append(out, prs)
	}
	if len(out) == 0 {
		out = append(out, &spannerpb.PartialResultSet{})
	}
	if c.TokenEvery > 0 {
		for i, prs := range out {
			if (i+1)%c.TokenEvery == 0 {
				prs.ResumeToken = []byte(strconv.Itoa(i))
			}
		}
	}
	return out
}

// splitValue cuts v into two pieces that merge back into v.
func splitValue(v *structpb.Value) (*structpb.Value, *structpb.Value, bool) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		s := k.StringValue
		i := len(s) / 2
		for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
			i--
		}
		return structpb.NewStringValue(s[:i]), structpb.NewStringValue(s[i:]), true
	case *structpb.Value_ListValue:
		elems := k.ListValue.GetValues()
		if len(elems) == 0 {
			return listOf(nil), listOf(nil), true
		}
		mid := len(elems) / 2
		l, r, ok := splitValue(elems[mid])
		if !ok {
			return listOf(elems[:mid+1]), listOf(elems[mid+1:]), true
		}
		left := append(append([]*structpb.Value{}, elems[:mid]...), l)
		right := append([]*structpb.Value{r}, elems[mid+1:]...)
		return listOf(left), listOf(right), true
	}
	return nil, nil, false
}

func listOf(values []*structpb.Value) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: append([]*structpb.Value{}, values...)})
}
