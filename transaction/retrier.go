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
	"time"

	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

var sleep = gax.Sleep

// Retrier reruns a unit of work while it fails with ABORTED.
type Retrier struct {
	MaxAttempts int
	Backoff     gax.Backoff
	Logger      *zap.Logger
}

// NewRetrier returns a Retrier with the defaults of Options.
func NewRetrier(opts Options) *Retrier {
	opts.applyDefaults()
	return &Retrier{MaxAttempts: opts.MaxAttempts, Backoff: opts.Backoff, Logger: opts.Logger}
}

// Do calls fn until it returns an error that is not an abort, or until
// MaxAttempts calls were aborted, which yields
// ErrTransactionAbortedPermanently.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	bo := r.Backoff
	logger := utilities.GetOrCreateNopLogger(r.Logger)
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil || !spanerrors.IsAborted(err) || errors.Is(err, spanerrors.ErrTransactionAbortedPermanently) {
			return err
		}
		if attempt >= r.MaxAttempts {
			return &spanerrors.OpError{Kind: spanerrors.ErrTransactionAbortedPermanently, Op: "run transaction", Attempt: attempt, Err: err}
		}
		delay := retryDelay(&bo, err)
		logger.Debug("transaction aborted, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// retryDelay prefers the delay requested by the server.
func retryDelay(bo *gax.Backoff, err error) time.Duration {
	if d, ok := transport.RetryDelay(err); ok {
		return d
	}
	return bo.Pause()
}
