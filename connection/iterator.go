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

package connection

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/resultstream"
	"github.com/cloudspannerecosystem/spannerlib/transaction"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

// RowIterator returns the rows of a statement run by Connection.Execute. The
// transaction behind it commits when Next returns iterator.Done and rolls
// back when Next fails or Stop is called first.
type RowIterator struct {
	conn   *Connection
	ctx    context.Context
	span   trace.Span
	start  time.Time
	mode   transaction.Mode
	tx     *transaction.Coordinator
	stream *transaction.Stream

	done   bool
	err    error
	result transaction.CommitResult
}

// Next returns the next row, or iterator.Done after the last one.
func (it *RowIterator) Next() (*resultstream.Row, error) {
	if it.done {
		return nil, it.err
	}
	row, err := it.stream.Next()
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, iterator.Done) {
		it.rollback()
		it.finish(err)
		return nil, err
	}
	res, err := it.tx.Commit(it.ctx)
	if err != nil {
		it.finish(err)
		return nil, err
	}
	it.result = res
	it.finish(nil)
	return nil, iterator.Done
}

// Do calls f for every row. It stops at the first error returned by f.
func (it *RowIterator) Do(f func(*resultstream.Row) error) error {
	defer it.Stop()
	for {
		row, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return err
		}
	}
}

// Stop rolls the transaction back unless it already finished. It is safe to
// call more than once.
func (it *RowIterator) Stop() {
	if it.done {
		return
	}
	it.stream.Stop()
	it.rollback()
	it.finish(nil)
}

func (it *RowIterator) Metadata() *spannerpb.ResultSetMetadata {
	return it.stream.Metadata()
}

func (it *RowIterator) Stats() *spannerpb.ResultSetStats {
	return it.stream.Stats()
}

// RowCount returns the number of rows modified by a DML statement. It is only
// known once Next returned iterator.Done.
func (it *RowIterator) RowCount() (int64, bool) {
	return it.stream.RowCount()
}

// CommitTimestamp is set for read-write statements once Next returned
// iterator.Done.
func (it *RowIterator) CommitTimestamp() time.Time {
	return it.result.CommitTimestamp
}

func (it *RowIterator) rollback() {
	if err := it.tx.Rollback(it.ctx); err != nil {
		it.conn.logger.Debug("rollback failed", zap.Error(err))
	}
}

func (it *RowIterator) finish(err error) {
	it.done = true
	it.err = err
	if it.err == nil {
		it.err = iterator.Done
	}
	attempts := 0
	if it.tx != nil {
		attempts = it.tx.Attempt()
	}
	it.conn.record(it.ctx, methodExecute, it.mode, it.start, attempts, err)
	it.conn.otel.RecordError(it.span, err)
	it.conn.otel.EndSpan(it.span)
}
