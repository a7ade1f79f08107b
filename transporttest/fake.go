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

// Package transporttest provides an in-memory Spanner that serves canned
// results, for tests of the session pool, the transaction coordinator and the
// connection. It can be used directly as a transport.Transport or served
// over gRPC.
package transporttest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const DefaultDatabase = "projects/test-project/instances/test-instance/databases/test-db"

type queryResult struct {
	fields []*spannerpb.StructType_Field
	rows   [][]*structpb.Value
}

type fault struct {
	op        string
	sql       string
	after     int
	err       error
	remaining int
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
	txAborted
)

// Fake is an in-memory Spanner database. All methods are safe for
// concurrent use.
type Fake struct {
	mu       sync.Mutex
	database string
	sessions map[string]*spannerpb.Session
	queries  map[string]*queryResult
	updates  map[string]int64
	txs      map[string]txState
	faults   []*fault
	requests []proto.Message
	chunking Chunking
	nextTx   int
	deleted  int
	pings    int
	closed   bool
}

// New returns an empty Fake for DefaultDatabase that sends every result in a
// single PartialResultSet.
func New() *Fake {
	return &Fake{
		database: DefaultDatabase,
		sessions: make(map[string]*spannerpb.Session),
		queries:  make(map[string]*queryResult),
		updates:  make(map[string]int64),
		txs:      make(map[string]txState),
	}
}

// Database returns the database name sessions are created in.
func (f *Fake) Database() string {
	return f.database
}

// PutQuery registers the result of a query.
func (f *Fake) PutQuery(sql string, fields []*spannerpb.StructType_Field, rows [][]*structpb.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[sql] = &queryResult{fields: fields, rows: rows}
}

// PutUpdate registers a DML statement and the number of rows it modifies.
func (f *Fake) PutUpdate(sql string, rowCount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[sql] = rowCount
}

// SetChunking changes how subsequent results are streamed.
func (f *Fake) SetChunking(c Chunking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunking = c
}

// InjectError makes the next times calls of op fail with err.
func (f *Fake) InjectError(op string, err error, times int) {
	f.addFault(&fault{op: op, after: -1, err: err, remaining: times})
}

// InjectStatementError makes the next times executions of sql fail with err
// before any result is sent.
func (f *Fake) InjectStatementError(sql string, err error, times int) {
	f.addFault(&fault{op: transport.OpExecuteStreamingSql, sql: sql, after: -1, err: err, remaining: times})
}

// InjectStreamError makes the next times executions of sql fail with err
// after after PartialResultSets have been sent.
func (f *Fake) InjectStreamError(sql string, after int, err error, times int) {
	f.addFault(&fault{op: transport.OpExecuteStreamingSql, sql: sql, after: after, err: err, remaining: times})
}

// Abort makes the next times executions of sql fail with ABORTED.
func (f *Fake) Abort(sql string, times int) {
	f.InjectStatementError(sql, Aborted(0), times)
}

// ExpireSession drops a session on the server side, as if it had been
// garbage collected.
func (f *Fake) ExpireSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

func (f *Fake) addFault(ft *fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, ft)
}

// takeFault returns the first matching fault and consumes one use of it.
func (f *Fake) takeFault(op, sql string) *fault {
	for i, ft := range f.faults {
		if ft.op != op || (ft.sql != "" && ft.sql != sql) {
			continue
		}
		ft.remaining--
		if ft.remaining <= 0 {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
		}
		return ft
	}
	return nil
}

// Aborted returns an ABORTED status error, with a RetryInfo detail when
// delay is positive.
func Aborted(delay time.Duration) error {
	st := status.New(codes.Aborted, "Transaction was aborted.")
	if delay > 0 {
		if d, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)}); err == nil {
			st = d
		}
	}
	return st.Err()
}

// Unavailable returns an UNAVAILABLE status error.
func Unavailable() error {
	return status.Error(codes.Unavailable, "connection reset by peer")
}

// SessionNotFound returns the error the server sends for an unknown session.
func SessionNotFound(name string) error {
	st := status.New(codes.NotFound, "Session not found: "+name)
	if d, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: "type.googleapis.com/google.spanner.v1.Session",
		ResourceName: name,
	}); err == nil {
		st = d
	}
	return st.Err()
}

func (f *Fake) record(m proto.Message) {
	f.requests = append(f.requests, proto.Clone(m))
}

// Requests returns copies of every request received so far, in order.
func (f *Fake) Requests() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Message(nil), f.requests...)
}

// ExecuteRequests returns the ExecuteSqlRequests received so far.
func (f *Fake) ExecuteRequests() []*spannerpb.ExecuteSqlRequest {
	var out []*spannerpb.ExecuteSqlRequest
	for _, r := range f.Requests() {
		if req, ok := r.(*spannerpb.ExecuteSqlRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// CommitRequests returns the CommitRequests received so far.
func (f *Fake) CommitRequests() []*spannerpb.CommitRequest {
	var out []*spannerpb.CommitRequest
	for _, r := range f.Requests() {
		if req, ok := r.(*spannerpb.CommitRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// RollbackRequests returns the RollbackRequests received so far.
func (f *Fake) RollbackRequests() []*spannerpb.RollbackRequest {
	var out []*spannerpb.RollbackRequest
	for _, r := range f.Requests() {
		if req, ok := r.(*spannerpb.RollbackRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// Sessions returns the names of the sessions alive on the server.
func (f *Fake) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	return names
}

// DeletedSessions returns the number of successful DeleteSession calls.
func (f *Fake) DeletedSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted
}

// Pings returns the number of successful pings.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) newSession(labels map[string]string) *spannerpb.Session {
	s := &spannerpb.Session{
		Name:                   fmt.Sprintf("%s/sessions/%s", f.database, uuid.NewString()),
		Labels:                 labels,
		CreateTime:             timestamppb.Now(),
		ApproximateLastUseTime: timestamppb.Now(),
	}
	f.sessions[s.Name] = s
	return s
}

func (f *Fake) checkSession(name string) error {
	if _, ok := f.sessions[name]; !ok {
		return SessionNotFound(name)
	}
	return nil
}

func (f *Fake) newTransaction() []byte {
	f.nextTx++
	id := []byte("tx-" + strconv.Itoa(f.nextTx))
	f.txs[string(id)] = txActive
	return id
}

func (f *Fake) createSession(req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if ft := f.takeFault(transport.OpCreateSession, ""); ft != nil {
		return nil, ft.err
	}
	return proto.Clone(f.newSession(req.GetSession().GetLabels())).(*spannerpb.Session), nil
}

func (f *Fake) batchCreateSessions(req *spannerpb.BatchCreateSessionsRequest) ([]*spannerpb.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if ft := f.takeFault(transport.OpBatchCreateSessions, ""); ft != nil {
		return nil, ft.err
	}
	out := make([]*spannerpb.Session, 0, req.GetSessionCount())
	for i := int32(0); i < req.GetSessionCount(); i++ {
		out = append(out, proto.Clone(f.newSession(req.GetSessionTemplate().GetLabels())).(*spannerpb.Session))
	}
	return out, nil
}

func (f *Fake) deleteSession(req *spannerpb.DeleteSessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if ft := f.takeFault(transport.OpDeleteSession, ""); ft != nil {
		return ft.err
	}
	if err := f.checkSession(req.GetName()); err != nil {
		return err
	}
	delete(f.sessions, req.GetName())
	f.deleted++
	return nil
}

func (f *Fake) ping(session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft := f.takeFault(transport.OpPing, ""); ft != nil {
		return ft.err
	}
	if err := f.checkSession(session); err != nil {
		return err
	}
	f.sessions[session].ApproximateLastUseTime = timestamppb.Now()
	f.pings++
	return nil
}

func (f *Fake) beginTransaction(req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if ft := f.takeFault(transport.OpBeginTransaction, ""); ft != nil {
		return nil, ft.err
	}
	if err := f.checkSession(req.GetSession()); err != nil {
		return nil, err
	}
	return &spannerpb.Transaction{Id: f.newTransaction(), ReadTimestamp: timestamppb.Now()}, nil
}

// execute resolves a statement into the PartialResultSets to send, starting
// after the resume token of the request if it has one.
func (f *Fake) execute(req *spannerpb.ExecuteSqlRequest) ([]*spannerpb.PartialResultSet, *fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if err := f.checkSession(req.GetSession()); err != nil {
		return nil, nil, err
	}
	ft := f.takeFault(transport.OpExecuteStreamingSql, req.GetSql())
	if ft != nil && ft.after < 0 {
		if status.Code(ft.err) == codes.Aborted {
			if id := req.GetTransaction().GetId(); id != nil {
				f.txs[string(id)] = txAborted
			}
		}
		return nil, nil, ft.err
	}

	var txID []byte
	switch sel := req.GetTransaction().GetSelector().(type) {
	case *spannerpb.TransactionSelector_Begin:
		txID = f.newTransaction()
	case *spannerpb.TransactionSelector_Id:
		state, ok := f.txs[string(sel.Id)]
		if !ok {
			return nil, nil, status.Errorf(codes.NotFound, "Transaction not found: %s", sel.Id)
		}
		if state == txAborted {
			return nil, nil, Aborted(0)
		}
		if state != txActive {
			return nil, nil, status.Errorf(codes.FailedPrecondition, "Transaction %s is no longer active", sel.Id)
		}
	}

	var values []*structpb.Value
	md := &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{}}
	var stats *spannerpb.ResultSetStats
	if q, ok := f.queries[req.GetSql()]; ok {
		md.RowType.Fields = q.fields
		for _, row := range q.rows {
			values = append(values, row...)
		}
	} else if n, ok := f.updates[req.GetSql()]; ok {
		stats = &spannerpb.ResultSetStats{RowCount: &spannerpb.ResultSetStats_RowCountExact{RowCountExact: n}}
	} else {
		return nil, nil, status.Errorf(codes.InvalidArgument, "unknown statement: %q", req.GetSql())
	}
	if txID != nil {
		md.Transaction = &spannerpb.Transaction{Id: txID}
	}

	all := Chunk(values, f.chunking)
	all[0].Metadata = md
	all[len(all)-1].Stats = stats

	start := 0
	if tok := req.GetResumeToken(); len(tok) > 0 {
		i, err := strconv.Atoi(string(tok))
		if err != nil || i >= len(all) {
			return nil, nil, status.Errorf(codes.InvalidArgument, "invalid resume token %q", tok)
		}
		start = i + 1
	}
	return all[start:], ft, nil
}

func (f *Fake) commit(req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if err := f.checkSession(req.GetSession()); err != nil {
		return nil, err
	}
	id := req.GetTransactionId()
	if ft := f.takeFault(transport.OpCommit, ""); ft != nil {
		if status.Code(ft.err) == codes.Aborted && id != nil {
			f.txs[string(id)] = txAborted
		}
		return nil, ft.err
	}
	if id != nil {
		switch state, ok := f.txs[string(id)]; {
		case !ok:
			return nil, status.Errorf(codes.NotFound, "Transaction not found: %s", id)
		case state == txAborted:
			return nil, Aborted(0)
		case state != txActive:
			return nil, status.Errorf(codes.FailedPrecondition, "Transaction %s is no longer active", id)
		}
		f.txs[string(id)] = txCommitted
	}
	return &spannerpb.CommitResponse{CommitTimestamp: timestamppb.Now()}, nil
}

func (f *Fake) rollback(req *spannerpb.RollbackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(req)
	if ft := f.takeFault(transport.OpRollback, ""); ft != nil {
		return ft.err
	}
	if err := f.checkSession(req.GetSession()); err != nil {
		return err
	}
	if _, ok := f.txs[string(req.GetTransactionId())]; !ok {
		return status.Errorf(codes.NotFound, "Transaction not found: %s", req.GetTransactionId())
	}
	f.txs[string(req.GetTransactionId())] = txRolledBack
	return nil
}

// Transport methods.

func (f *Fake) CreateSession(_ context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	s, err := f.createSession(req)
	return s, transport.Classify(transport.OpCreateSession, err)
}

func (f *Fake) BatchCreateSessions(_ context.Context, req *spannerpb.BatchCreateSessionsRequest) ([]*spannerpb.Session, error) {
	s, err := f.batchCreateSessions(req)
	return s, transport.Classify(transport.OpBatchCreateSessions, err)
}

func (f *Fake) DeleteSession(_ context.Context, req *spannerpb.DeleteSessionRequest) error {
	return transport.Classify(transport.OpDeleteSession, f.deleteSession(req))
}

func (f *Fake) Ping(_ context.Context, session string) error {
	return transport.Classify(transport.OpPing, f.ping(session))
}

func (f *Fake) BeginTransaction(_ context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	tx, err := f.beginTransaction(req)
	return tx, transport.Classify(transport.OpBeginTransaction, err)
}

func (f *Fake) ExecuteStreamingSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (transport.PartialResultStream, error) {
	parts, ft, err := f.execute(req)
	if err != nil {
		return nil, transport.Classify(transport.OpExecuteStreamingSql, err)
	}
	return &stream{ctx: ctx, parts: parts, fault: ft}, nil
}

func (f *Fake) Commit(_ context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	resp, err := f.commit(req)
	return resp, transport.Classify(transport.OpCommit, err)
}

func (f *Fake) Rollback(_ context.Context, req *spannerpb.RollbackRequest) error {
	return transport.Classify(transport.OpRollback, f.rollback(req))
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// stream replays precomputed PartialResultSets and fails with the fault's
// error once fault.after of them have been sent.
type stream struct {
	ctx   context.Context
	parts []*spannerpb.PartialResultSet
	fault *fault
	sent  int
}

func (s *stream) next() (*spannerpb.PartialResultSet, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	if s.fault != nil && s.sent == s.fault.after {
		return nil, s.fault.err
	}
	if s.sent >= len(s.parts) {
		return nil, io.EOF
	}
	prs := s.parts[s.sent]
	s.sent++
	return prs, nil
}

func (s *stream) Recv() (*spannerpb.PartialResultSet, error) {
	prs, err := s.next()
	return prs, transport.Classify(transport.OpExecuteStreamingSql, err)
}
