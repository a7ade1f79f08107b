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

// Package spanerrors defines the error kinds surfaced by the session pool,
// the transaction coordinator and the result stream decoder.
package spanerrors

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
)

var (
	ErrPoolExhausted                 = errors.New("session pool exhausted")
	ErrPoolClosed                    = errors.New("session pool closed")
	ErrSessionCreateFailed           = errors.New("session create failed")
	ErrTransactionClosed             = errors.New("transaction closed")
	ErrTransactionAbortedPermanently = errors.New("transaction aborted permanently")
	ErrRetryMismatch                 = errors.New("transaction retry mismatch")
	ErrDecode                        = errors.New("decode error")
	ErrStream                        = errors.New("stream error")
	ErrConcurrentUse                 = errors.New("concurrent use of transaction")
)

// TransportError is returned by the transport layer for every failed RPC. The
// retry classification comes from the status code of the failed call.
type TransportError struct {
	Op        string
	Code      codes.Code
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OpError attaches operation context to one of the error kinds above. It
// unwraps to both the kind and the underlying cause, so errors.Is works with
// the sentinels and errors.As works with a wrapped *TransportError.
type OpError struct {
	Kind          error
	Op            string
	SessionID     string
	TransactionID string
	Attempt       int
	Err           error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionID)
	}
	if e.TransactionID != "" {
		fmt.Fprintf(&b, " transaction=%s", e.TransactionID)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Kind != nil {
		fmt.Fprintf(&b, ": %v", e.Kind)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New wraps cause as an error of the given kind.
func New(kind error, op string, cause error) *OpError {
	return &OpError{Kind: kind, Op: op, Err: cause}
}

// Code returns the status code of the first TransportError in err's chain,
// or codes.Unknown if there is none.
func Code(err error) codes.Code {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return codes.Unknown
}

// IsAborted reports whether err was caused by a server-side transaction abort.
func IsAborted(err error) bool {
	return Code(err) == codes.Aborted
}

// IsRetryable reports whether err carries a transport error classified as
// retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
