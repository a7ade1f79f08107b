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
	"io"
	"strings"
	"time"

	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Messages of INTERNAL errors that are caused by a broken connection rather
// than by the server, and are safe to resume from.
var resumableInternalMessages = []string{
	"rst_stream",
	"received unexpected eos on data frame from server",
	"stream terminated by rst_stream",
}

// Classify converts err into a *spanerrors.TransportError for the named RPC.
// io.EOF and nil are returned unchanged, as are errors that are already
// classified.
func Classify(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	var te *spanerrors.TransportError
	if errors.As(err, &te) {
		return err
	}
	code := codeOf(err)
	return &spanerrors.TransportError{
		Op:        op,
		Code:      code,
		Retryable: code == codes.Unavailable || code == codes.Aborted,
		Err:       err,
	}
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// IsResumable reports whether a streaming read that failed with err can be
// restarted from its last resume token.
func IsResumable(err error) bool {
	switch spanerrors.Code(err) {
	case codes.Unavailable:
		return true
	case codes.Internal:
		msg := strings.ToLower(err.Error())
		for _, m := range resumableInternalMessages {
			if strings.Contains(msg, m) {
				return true
			}
		}
	}
	return false
}

// IsSessionNotFound reports whether err means the server no longer knows the
// session the request was sent on.
func IsSessionNotFound(err error) bool {
	if spanerrors.Code(err) != codes.NotFound {
		return false
	}
	var te *spanerrors.TransportError
	if !errors.As(err, &te) {
		return false
	}
	if s, ok := status.FromError(te.Err); ok {
		for _, d := range s.Details() {
			if ri, ok := d.(*errdetails.ResourceInfo); ok && ri.GetResourceType() == "type.googleapis.com/google.spanner.v1.Session" {
				return true
			}
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "session not found")
}

// RetryDelay returns the delay the server asked for before retrying, if the
// error carries a RetryInfo detail.
func RetryDelay(err error) (time.Duration, bool) {
	var te *spanerrors.TransportError
	if !errors.As(err, &te) {
		return 0, false
	}
	s, ok := status.FromError(te.Err)
	if !ok {
		return 0, false
	}
	for _, d := range s.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}
