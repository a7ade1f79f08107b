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
	"fmt"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/transaction"
	"google.golang.org/api/iterator"
)

type TxOption func(*transaction.Options)

// WithTransactionTag tags every request of the transaction.
func WithTransactionTag(tag string) TxOption {
	return func(o *transaction.Options) { o.Tag = tag }
}

func WithPriority(p spannerpb.RequestOptions_Priority) TxOption {
	return func(o *transaction.Options) { o.Priority = p }
}

// Tx is the read-write transaction handed to the function passed to
// RunTransaction. It is only valid inside that function.
type Tx struct {
	conn    *Connection
	coord   *transaction.Coordinator
	attempt int
}

// Execute runs stmt in the transaction. The rows of a query and the row count
// of a DML statement are read from the returned stream.
func (tx *Tx) Execute(ctx context.Context, stmt transaction.Statement) (*transaction.Stream, error) {
	if tx.conn.kinds.kind(stmt.SQL) == kindDDL {
		return nil, fmt.Errorf("%w: DDL is not supported in a transaction", ErrUnsupportedStatement)
	}
	return tx.coord.Execute(ctx, stmt)
}

// Query runs sql in the transaction and returns its rows.
func (tx *Tx) Query(ctx context.Context, sql string, params map[string]interface{}) (*transaction.Stream, error) {
	return tx.Execute(ctx, transaction.Statement{SQL: sql, Params: params})
}

// Update runs a DML statement and returns the number of modified rows.
func (tx *Tx) Update(ctx context.Context, sql string, params map[string]interface{}) (int64, error) {
	stream, err := tx.Query(ctx, sql, params)
	if err != nil {
		return 0, err
	}
	defer stream.Stop()
	for {
		_, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	count, ok := stream.RowCount()
	if !ok {
		return 0, fmt.Errorf("%w: %q did not return a row count", ErrUnsupportedStatement, sql)
	}
	return count, nil
}

// Attempt is the number of the current execution of the transaction function,
// starting at 1.
func (tx *Tx) Attempt() int {
	return tx.attempt
}
