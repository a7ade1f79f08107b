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

// Package transaction runs read-only and read-write transactions on a pooled
// session. Read-write transactions aborted by the server are replayed
// statement by statement in a new transaction, and the replay is checked
// against the results the caller already saw.
package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/resultstream"
	"github.com/cloudspannerecosystem/spannerlib/session"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

// SessionSource hands out sessions for the lifetime of a transaction.
// *session.Pool implements it.
type SessionSource interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session)
}

type CommitResult struct {
	CommitTimestamp time.Time
	// Attempts is the number of times the transaction ran, including the
	// first one.
	Attempts int
}

// entry is one statement of the replay log.
type entry struct {
	req         *spannerpb.ExecuteSqlRequest
	fingerprint [sha256.Size]byte
	shape       *spannerpb.StructType
	stream      *Stream
}

// Coordinator drives one transaction. Its methods and the methods of the
// streams it returns must not be called concurrently; overlapping calls fail
// with ErrConcurrentUse.
type Coordinator struct {
	t           transport.Transport
	sessions    SessionSource
	session     *session.Session
	sessionName string
	released    bool
	mode        Mode
	opts        Options
	txOpts      *spannerpb.TransactionOptions
	logger      *zap.Logger

	busy  atomic.Bool
	state atomic.Int32

	id      []byte
	seqno   int64
	attempt int
	backoff gax.Backoff
	log     []*entry
	// cause is the abort that ended the transaction.
	cause error
}

// Begin checks a session out of sessions and starts a transaction on it. The
// session goes back to sessions once the transaction reaches a terminal
// state.
func Begin(ctx context.Context, sessions SessionSource, t transport.Transport, mode Mode, opts Options) (*Coordinator, error) {
	opts.applyDefaults()
	s, err := sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		t:           t,
		sessions:    sessions,
		session:     s,
		sessionName: s.Name(),
		mode:        mode,
		opts:        opts,
		txOpts:      opts.transactionOptions(mode),
		logger:      opts.Logger.With(zap.String("session", s.Name()), zap.Stringer("mode", mode)),
		attempt:     1,
		backoff:     opts.Backoff,
	}
	c.setState(Created)
	if mode == ReadWrite && opts.ExplicitBegin {
		if err := c.begin(ctx); err != nil {
			c.setState(Aborted)
			c.release()
			return nil, c.errorf("begin", nil, err)
		}
	}
	return c, nil
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) Mode() Mode {
	return c.mode
}

// ID returns the server-side transaction id, or nil before the first
// statement of the current attempt returned its metadata.
func (c *Coordinator) ID() []byte {
	return c.id
}

// Attempt returns the number of the current attempt, starting at 1.
func (c *Coordinator) Attempt() int {
	return c.attempt
}

func (c *Coordinator) enter(op string) error {
	if !c.busy.CompareAndSwap(false, true) {
		return c.errorf(op, spanerrors.ErrConcurrentUse, nil)
	}
	return nil
}

func (c *Coordinator) exit() {
	c.busy.Store(false)
}

// closed reports why the transaction no longer accepts operations.
func (c *Coordinator) closed(op string, st State) error {
	if st == Aborted && c.cause != nil {
		return c.errorf(op, spanerrors.ErrTransactionClosed, c.cause)
	}
	return c.errorf(op, spanerrors.ErrTransactionClosed, fmt.Errorf("transaction is %s", st))
}

func (c *Coordinator) errorf(op string, kind, cause error) error {
	return &spanerrors.OpError{
		Kind:          kind,
		Op:            op,
		SessionID:     c.sessionName,
		TransactionID: hex.EncodeToString(c.id),
		Attempt:       c.attempt,
		Err:           cause,
	}
}

// Execute sends stmt and returns its rows. The first statement of a
// transaction carries the begin request, so Execute waits for the result
// metadata before returning.
func (c *Coordinator) Execute(ctx context.Context, stmt Statement) (*Stream, error) {
	if err := c.enter("execute"); err != nil {
		return nil, err
	}
	defer c.exit()
	if st := c.State(); st != Created && st != Active {
		return nil, c.closed("execute", st)
	}

	req, err := stmt.request()
	if err != nil {
		return nil, c.errorf("execute", nil, err)
	}
	req.RequestOptions = c.opts.requestOptions(c.mode)
	fp, err := fingerprint(req)
	if err != nil {
		return nil, c.errorf("execute", nil, err)
	}
	e := &entry{req: req, fingerprint: fp}
	e.stream = &Stream{c: c, ctx: ctx, checksum: newChecksum()}

	dec, err := c.open(ctx, e)
	if err != nil {
		if !c.canReplay(err) {
			return nil, c.fail("execute", err)
		}
		c.log = append(c.log, e)
		if err := c.retry(ctx, err); err != nil {
			return nil, err
		}
		return e.stream, nil
	}
	e.shape = rowType(dec)
	e.stream.dec = dec
	c.log = append(c.log, e)
	return e.stream, nil
}

func (c *Coordinator) selector() *spannerpb.TransactionSelector {
	switch {
	case c.id != nil:
		return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: c.id}}
	case c.mode == ReadOnly && c.opts.SingleUse:
		return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_SingleUse{SingleUse: c.txOpts}}
	}
	return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Begin{Begin: c.txOpts}}
}

// open starts e. A read-write statement that would begin the transaction
// inline and fails with UNAVAILABLE before returning metadata is sent again
// on the id from an explicit BeginTransaction.
func (c *Coordinator) open(ctx context.Context, e *entry) (*resultstream.Decoder, error) {
	dec, err := c.start(ctx, e)
	if err == nil || c.mode != ReadWrite || c.id != nil || spanerrors.Code(err) != codes.Unavailable {
		return dec, err
	}
	c.logger.Debug("inline begin failed, beginning explicitly", zap.Error(err))
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	return c.start(ctx, e)
}

// start runs e in the current attempt and reads up to the result metadata.
func (c *Coordinator) start(ctx context.Context, e *entry) (*resultstream.Decoder, error) {
	req := proto.Clone(e.req).(*spannerpb.ExecuteSqlRequest)
	req.Session = c.sessionName
	req.Transaction = c.selector()
	if c.mode == ReadWrite {
		c.seqno++
		req.Seqno = c.seqno
	}
	open := func(ctx context.Context, token []byte) (transport.PartialResultStream, error) {
		r := req
		if len(token) > 0 {
			r = proto.Clone(req).(*spannerpb.ExecuteSqlRequest)
			r.ResumeToken = token
			if r.GetTransaction().GetBegin() != nil && c.id != nil {
				r.Transaction = c.selector()
			}
		}
		return c.t.ExecuteStreamingSql(ctx, r)
	}
	// Restarts of a read-write statement reuse its seqno.
	dec := resultstream.NewDecoder(ctx, open, resultstream.Options{
		RestartFromStart: c.mode == ReadOnly || req.GetTransaction().GetId() != nil,
		Backoff:          c.opts.Backoff,
		Logger:           c.logger,
	})
	if err := dec.Prime(); err != nil {
		c.checkSession(err)
		return nil, err
	}
	if req.GetTransaction().GetBegin() != nil {
		id := dec.Metadata().GetTransaction().GetId()
		if len(id) == 0 {
			dec.Stop()
			return nil, spanerrors.New(spanerrors.ErrStream, "execute", errors.New("server returned no transaction id for an inline begin"))
		}
		c.id = id
	}
	c.setState(Active)
	return dec, nil
}

func (c *Coordinator) begin(ctx context.Context) error {
	var tx *spannerpb.Transaction
	err := transport.Retry(ctx, transport.OpBeginTransaction, c.opts.Backoff, func(ctx context.Context) error {
		var err error
		tx, err = c.t.BeginTransaction(ctx, &spannerpb.BeginTransactionRequest{
			Session:        c.sessionName,
			Options:        c.txOpts,
			RequestOptions: c.opts.requestOptions(c.mode),
		})
		return err
	})
	if err != nil {
		c.checkSession(err)
		return err
	}
	c.id = tx.GetId()
	c.setState(Active)
	return nil
}

func (c *Coordinator) canReplay(err error) bool {
	return c.mode == ReadWrite && !c.opts.DisableReplay &&
		spanerrors.IsAborted(err) && !errors.Is(err, spanerrors.ErrTransactionAbortedPermanently)
}

// fail surfaces an error that is not retried here. An abort still ends a
// read-write transaction.
func (c *Coordinator) fail(op string, err error) error {
	c.checkSession(err)
	if c.mode == ReadWrite && spanerrors.IsAborted(err) {
		c.cause = err
		c.setState(Aborted)
		c.release()
	}
	return c.errorf(op, nil, err)
}

func (c *Coordinator) checkSession(err error) {
	if err != nil && transport.IsSessionNotFound(err) {
		c.session.Invalidate()
	}
}

// retry replays the statement log in new transactions until a replay
// succeeds or the attempts are used up.
func (c *Coordinator) retry(ctx context.Context, cause error) error {
	for {
		c.setState(Aborted)
		if c.attempt >= c.opts.MaxAttempts {
			c.release()
			c.cause = c.errorf("retry", spanerrors.ErrTransactionAbortedPermanently, cause)
			return c.cause
		}
		delay := retryDelay(&c.backoff, cause)
		c.logger.Debug("transaction aborted, replaying",
			zap.Int("attempt", c.attempt), zap.Int("statements", len(c.log)), zap.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			c.release()
			return c.errorf("retry", nil, err)
		}
		c.attempt++
		c.id, c.seqno = nil, 0
		c.setState(Created)

		err := c.replay(ctx)
		if err == nil {
			return nil
		}
		if !c.canReplay(err) {
			c.checkSession(err)
			c.abandon(ctx)
			return c.errorf("retry", nil, err)
		}
		cause = err
	}
}

func (c *Coordinator) replay(ctx context.Context) error {
	if c.opts.ExplicitBegin {
		if err := c.begin(ctx); err != nil {
			return err
		}
	}
	for _, e := range c.log {
		fp, err := fingerprint(e.req)
		if err != nil || fp != e.fingerprint {
			return spanerrors.New(spanerrors.ErrRetryMismatch, "replay", fmt.Errorf("statement %q changed", e.req.GetSql()))
		}
		dec, err := c.open(ctx, e)
		if err != nil {
			return err
		}
		if e.shape == nil {
			e.shape = rowType(dec)
		} else if !proto.Equal(e.shape, rowType(dec)) {
			dec.Stop()
			return spanerrors.New(spanerrors.ErrRetryMismatch, "replay", fmt.Errorf("columns of %q changed", e.req.GetSql()))
		}
		if err := e.stream.rebind(dec); err != nil {
			return err
		}
	}
	return nil
}

// abandon ends a transaction whose replay failed.
func (c *Coordinator) abandon(ctx context.Context) {
	if c.id != nil {
		if err := c.rollback(ctx); err != nil {
			c.logger.Debug("rollback of abandoned transaction failed", zap.Error(err))
		}
	}
	c.setState(Aborted)
	c.release()
}

// Commit commits a read-write transaction. Read-only transactions and
// read-write transactions that never began on the server commit locally.
func (c *Coordinator) Commit(ctx context.Context) (CommitResult, error) {
	if err := c.enter("commit"); err != nil {
		return CommitResult{}, err
	}
	defer c.exit()
	if st := c.State(); st != Created && st != Active {
		return CommitResult{}, c.closed("commit", st)
	}
	if c.mode == ReadOnly || c.id == nil {
		c.setState(Committed)
		c.release()
		return CommitResult{Attempts: c.attempt}, nil
	}
	for {
		c.setState(Committing)
		var resp *spannerpb.CommitResponse
		err := transport.Retry(ctx, transport.OpCommit, c.opts.Backoff, func(ctx context.Context) error {
			var err error
			resp, err = c.t.Commit(ctx, &spannerpb.CommitRequest{
				Session:        c.sessionName,
				Transaction:    &spannerpb.CommitRequest_TransactionId{TransactionId: c.id},
				RequestOptions: c.opts.requestOptions(c.mode),
			})
			return err
		})
		if err == nil {
			c.setState(Committed)
			c.release()
			c.logger.Debug("transaction committed", zap.Int("attempts", c.attempt))
			return CommitResult{CommitTimestamp: resp.GetCommitTimestamp().AsTime(), Attempts: c.attempt}, nil
		}
		if !c.canReplay(err) {
			if spanerrors.IsAborted(err) {
				return CommitResult{}, c.fail("commit", err)
			}
			c.checkSession(err)
			if rbErr := c.rollback(ctx); rbErr != nil {
				c.logger.Debug("rollback after failed commit failed", zap.Error(rbErr))
			}
			c.setState(RolledBack)
			c.release()
			return CommitResult{}, c.errorf("commit", nil, err)
		}
		if err := c.retry(ctx, err); err != nil {
			return CommitResult{}, err
		}
	}
}

// Rollback ends the transaction without committing. Rolling back a
// transaction that already ended without committing is a no-op.
func (c *Coordinator) Rollback(ctx context.Context) error {
	if err := c.enter("rollback"); err != nil {
		return err
	}
	defer c.exit()
	switch st := c.State(); st {
	case RolledBack, Aborted:
		return nil
	case Committed:
		return c.errorf("rollback", spanerrors.ErrTransactionClosed, fmt.Errorf("transaction is %s", st))
	}
	var err error
	if c.mode == ReadWrite && c.id != nil {
		c.setState(RollingBack)
		err = c.rollback(ctx)
	}
	c.setState(RolledBack)
	c.release()
	if err != nil {
		return c.errorf("rollback", nil, err)
	}
	return nil
}

func (c *Coordinator) rollback(ctx context.Context) error {
	err := transport.Retry(ctx, transport.OpRollback, c.opts.Backoff, func(ctx context.Context) error {
		return c.t.Rollback(ctx, &spannerpb.RollbackRequest{Session: c.sessionName, TransactionId: c.id})
	})
	c.checkSession(err)
	return err
}

// release closes all open streams and returns the session to the pool.
func (c *Coordinator) release() {
	if c.released {
		return
	}
	c.released = true
	for _, e := range c.log {
		if e.stream.dec != nil {
			e.stream.dec.Stop()
		}
	}
	c.sessions.Release(c.session)
}

func rowType(dec *resultstream.Decoder) *spannerpb.StructType {
	rt := dec.Metadata().GetRowType()
	if rt == nil {
		return &spannerpb.StructType{}
	}
	return rt
}
