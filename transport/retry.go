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

package transport

import (
	"context"
	"errors"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
)

// Retry calls call until it returns an error other than UNAVAILABLE, pausing
// between calls as bo says. The returned error is the last one call returned,
// or the context error if ctx ended while waiting.
func Retry(ctx context.Context, op string, bo gax.Backoff, call func(ctx context.Context) error) error {
	var last error
	err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		last = call(ctx)
		return last
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes([]codes.Code{codes.Unavailable}, bo)
	}))
	switch {
	case err == nil:
		return nil
	case last != nil && errors.Is(err, last):
		// gax wraps status errors in an *apierror.APIError.
		return last
	}
	return Classify(op, err)
}
