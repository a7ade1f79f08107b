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

package spanerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestOpErrorUnwrapsKindAndCause(t *testing.T) {
	cause := &TransportError{Op: "Commit", Code: codes.Unavailable, Retryable: true, Err: errors.New("connection reset")}
	err := fmt.Errorf("commit: %w", &OpError{
		Kind:          ErrTransactionAbortedPermanently,
		Op:            "commit",
		SessionID:     "s1",
		TransactionID: "tx1",
		Attempt:       3,
		Err:           cause,
	})

	assert.ErrorIs(t, err, ErrTransactionAbortedPermanently)
	assert.NotErrorIs(t, err, ErrRetryMismatch)

	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, codes.Unavailable, te.Code)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, codes.Unavailable, Code(err))
	assert.Contains(t, err.Error(), "session=s1")
	assert.Contains(t, err.Error(), "transaction=tx1")
	assert.Contains(t, err.Error(), "attempt=3")
}

func TestCodeWithoutTransportError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    codes.Code
		aborted bool
	}{
		{name: "plain error", err: errors.New("boom"), code: codes.Unknown},
		{name: "nil", err: nil, code: codes.Unknown},
		{name: "aborted", err: New(ErrStream, "next", &TransportError{Code: codes.Aborted}), code: codes.Aborted, aborted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.aborted, IsAborted(tt.err))
		})
	}
}
