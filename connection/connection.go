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

// Package connection is the entry point of the library. A Connection owns a
// session pool and runs single statements and transactions on it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	otelgo "github.com/cloudspannerecosystem/spannerlib/otel"
	"github.com/cloudspannerecosystem/spannerlib/session"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transaction"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

var ErrUnsupportedStatement = errors.New("unsupported statement")

const (
	executeSpan        = "spannerlib.Execute"
	runTransactionSpan = "spannerlib.RunTransaction"
	methodExecute      = "execute"
	methodRunTx        = "run_transaction"
)

// Connection is safe for concurrent use.
type Connection struct {
	t             transport.Transport
	ownsTransport bool
	pool          *session.Pool
	cfg           Config
	kinds         *classifier
	otel          *otelgo.OpenTelemetry
	logger        *zap.Logger
	closed        atomic.Bool
}

// Open dials the database described by cfg. Close releases the connection.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, err := transport.Dial(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}
	c, err := newConnection(ctx, t, cfg, true)
	if err != nil {
		t.Close()
		return nil, err
	}
	return c, nil
}

// New returns a Connection on top of t. The caller keeps ownership of t.
func New(ctx context.Context, t transport.Transport, cfg Config) (*Connection, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newConnection(ctx, t, cfg, false)
}

func newConnection(ctx context.Context, t transport.Transport, cfg Config, owns bool) (*Connection, error) {
	kinds, err := newClassifier(cfg.StatementCacheSize)
	if err != nil {
		return nil, err
	}
	pool, err := session.NewPool(ctx, t, cfg.Database, cfg.Session, cfg.Logger)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("connection opened", zap.String("database", cfg.Database))
	return &Connection{
		t:             t,
		ownsTransport: owns,
		pool:          pool,
		cfg:           cfg,
		kinds:         kinds,
		otel:          cfg.Telemetry,
		logger:        cfg.Logger,
	}, nil
}

func (c *Connection) Logger() *zap.Logger {
	return c.logger
}

// Stats returns the session pool counters.
func (c *Connection) Stats() session.Stats {
	return c.pool.Stats()
}

type executeOptions struct {
	readWrite bool
	txOpts    transaction.Options
}

type ExecuteOption func(*executeOptions)

// WithReadWrite runs the statement in a read-write transaction.
func WithReadWrite() ExecuteOption {
	return func(o *executeOptions) { o.readWrite = true }
}

// WithExactStaleness reads at a timestamp d in the past.
func WithExactStaleness(d time.Duration) ExecuteOption {
	return func(o *executeOptions) { o.txOpts.ExactStaleness = d }
}

// WithRequestTag tags the request for query statistics.
func WithRequestTag(tag string) ExecuteOption {
	return func(o *executeOptions) { o.txOpts.Tag = tag }
}

func (c *Connection) txOptions(base transaction.Options) transaction.Options {
	base.MaxAttempts = c.cfg.MaxAttempts
	base.Backoff = c.cfg.Backoff
	base.ExplicitBegin = c.cfg.ExplicitBegin
	base.Logger = c.logger
	return base
}

// Execute runs sql in its own transaction and returns its rows. Queries run
// read-only unless WithReadWrite is given; DML always runs read-write. The
// transaction commits when the iterator is exhausted and rolls back when it
// fails or is stopped early.
func (c *Connection) Execute(ctx context.Context, sql string, params map[string]interface{}, opts ...ExecuteOption) (*RowIterator, error) {
	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}
	kind := c.kinds.kind(sql)
	if kind == kindDDL {
		return nil, fmt.Errorf("%w: DDL is not supported by Execute", ErrUnsupportedStatement)
	}
	mode := transaction.ReadOnly
	if eo.readWrite || kind == kindDML {
		mode = transaction.ReadWrite
	}
	txOpts := c.txOptions(eo.txOpts)
	txOpts.SingleUse = mode == transaction.ReadOnly

	start := time.Now()
	ctx, span := c.otel.StartSpan(ctx, executeSpan, []attribute.KeyValue{
		attribute.String("mode", mode.String()),
		attribute.String("kind", kind.String()),
	})
	it := &RowIterator{conn: c, ctx: ctx, span: span, start: start, mode: mode}
	tx, err := transaction.Begin(ctx, c.pool, c.t, mode, txOpts)
	if err != nil {
		it.finish(err)
		return nil, err
	}
	it.tx = tx
	c.logger.Debug("executing statement", zap.String("sql", sql), zap.Stringer("mode", mode))
	otelgo.AddAnnotation(ctx, "executing statement")
	stream, err := tx.Execute(ctx, transaction.Statement{SQL: sql, Params: params})
	if err != nil {
		it.rollback()
		it.finish(err)
		return nil, err
	}
	it.stream = stream
	return it, nil
}

// RunTransaction runs fn in a read-write transaction and commits it. If the
// transaction is aborted fn is called again in a new transaction, so it must
// not have side effects outside of tx.
func (c *Connection) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error, opts ...TxOption) (transaction.CommitResult, error) {
	var base transaction.Options
	for _, opt := range opts {
		opt(&base)
	}
	txOpts := c.txOptions(base)
	txOpts.DisableReplay = true
	retrier := transaction.NewRetrier(txOpts)

	start := time.Now()
	ctx, span := c.otel.StartSpan(ctx, runTransactionSpan, nil)
	var result transaction.CommitResult
	attempts := 0
	err := retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if attempt > 1 {
			otelgo.AddAnnotationWithAttr(ctx, "retrying aborted transaction", []attribute.KeyValue{attribute.Int("attempt", attempt)})
		}
		coord, err := transaction.Begin(ctx, c.pool, c.t, transaction.ReadWrite, txOpts)
		if err != nil {
			return err
		}
		if err := fn(ctx, &Tx{conn: c, coord: coord, attempt: attempt}); err != nil {
			if rbErr := coord.Rollback(ctx); rbErr != nil {
				c.logger.Debug("rollback failed", zap.Error(rbErr))
			}
			return err
		}
		res, err := coord.Commit(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	result.Attempts = attempts
	c.record(ctx, methodRunTx, transaction.ReadWrite, start, attempts, err)
	c.otel.RecordError(span, err)
	c.otel.EndSpan(span)
	return result, err
}

func (c *Connection) record(ctx context.Context, method string, mode transaction.Mode, start time.Time, attempts int, err error) {
	attrs := otelgo.Attributes{Method: method, Mode: mode.String(), Status: statusOf(err)}
	c.otel.RecordRequestCountMetric(ctx, attrs)
	c.otel.RecordLatencyMetric(ctx, start, attrs)
	if attempts > 0 {
		c.otel.RecordAttemptsMetric(ctx, attempts, attrs)
	}
}

func statusOf(err error) string {
	if err == nil {
		return codes.OK.String()
	}
	return spanerrors.Code(err).String()
}

// Close shuts the session pool down, waiting for checked out sessions until
// ctx is done, and closes the transport if the connection dialed it.
func (c *Connection) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pool.Shutdown(ctx)
	if c.ownsTransport {
		err = errors.Join(err, c.t.Close())
	}
	c.logger.Info("connection closed", zap.Error(err))
	return err
}
