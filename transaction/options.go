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
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	DefaultMaxAttempts    = 10
	DefaultBackoffInitial = 10 * time.Millisecond
	DefaultBackoffMax     = 32 * time.Second
	DefaultBackoffFactor  = 2
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "ReadWrite"
	}
	return "ReadOnly"
}

type State int32

const (
	Created State = iota
	Active
	Committing
	Committed
	RollingBack
	RolledBack
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Committing:
		return "Committing"
	case Committed:
		return "Committed"
	case RollingBack:
		return "RollingBack"
	case RolledBack:
		return "RolledBack"
	case Aborted:
		return "Aborted"
	}
	return "Unknown"
}

// Options tune a single transaction.
type Options struct {
	// MaxAttempts bounds the executions of a read-write transaction,
	// including the first one.
	MaxAttempts int
	// Backoff paces retries after an abort or UNAVAILABLE. The server's retry
	// delay takes precedence when the abort carries one.
	Backoff gax.Backoff
	// DisableReplay makes an abort terminal. The caller is expected to rerun
	// the whole unit of work.
	DisableReplay bool
	// ExplicitBegin starts read-write transactions with a BeginTransaction
	// call instead of inlining the begin into the first statement.
	ExplicitBegin bool
	// SingleUse runs every read-only statement in its own single-use
	// transaction instead of sharing one snapshot.
	SingleUse bool
	// ExactStaleness reads at a timestamp this far in the past. Zero means a
	// strong read.
	ExactStaleness time.Duration
	Tag            string
	Priority       spannerpb.RequestOptions_Priority
	Logger         *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Initial == 0 {
		o.Backoff = DefaultBackoff()
	}
	o.Logger = utilities.GetOrCreateNopLogger(o.Logger)
}

// DefaultBackoff is a capped exponential backoff with full jitter.
func DefaultBackoff() gax.Backoff {
	return gax.Backoff{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax, Multiplier: DefaultBackoffFactor}
}

func (o *Options) transactionOptions(mode Mode) *spannerpb.TransactionOptions {
	if mode == ReadWrite {
		return &spannerpb.TransactionOptions{
			Mode: &spannerpb.TransactionOptions_ReadWrite_{ReadWrite: &spannerpb.TransactionOptions_ReadWrite{}},
		}
	}
	ro := &spannerpb.TransactionOptions_ReadOnly{ReturnReadTimestamp: true}
	if o.ExactStaleness > 0 {
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(o.ExactStaleness)}
	} else {
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_Strong{Strong: true}
	}
	return &spannerpb.TransactionOptions{Mode: &spannerpb.TransactionOptions_ReadOnly_{ReadOnly: ro}}
}

func (o *Options) requestOptions(mode Mode) *spannerpb.RequestOptions {
	if o.Tag == "" && o.Priority == spannerpb.RequestOptions_PRIORITY_UNSPECIFIED {
		return nil
	}
	ro := &spannerpb.RequestOptions{Priority: o.Priority}
	if mode == ReadWrite {
		ro.TransactionTag = o.Tag
	} else {
		ro.RequestTag = o.Tag
	}
	return ro
}
