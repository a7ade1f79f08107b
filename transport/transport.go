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

// Package transport is the boundary between the runtime and the remote
// database service. Every method maps to one Spanner RPC and returns a
// *spanerrors.TransportError on failure.
package transport

import (
	"context"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
)

// RPC names used as the Op of transport errors.
const (
	OpCreateSession       = "CreateSession"
	OpBatchCreateSessions = "BatchCreateSessions"
	OpDeleteSession       = "DeleteSession"
	OpPing                = "Ping"
	OpBeginTransaction    = "BeginTransaction"
	OpExecuteStreamingSql = "ExecuteStreamingSql"
	OpCommit              = "Commit"
	OpRollback            = "Rollback"
)

// PartialResultStream is a server stream of result chunks. Recv returns
// io.EOF once the server has sent the last chunk.
type PartialResultStream interface {
	Recv() (*spannerpb.PartialResultSet, error)
}

// Transport is safe for concurrent outstanding calls.
type Transport interface {
	CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error)
	BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) ([]*spannerpb.Session, error)
	DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) error
	// Ping verifies that the session is still alive on the server.
	Ping(ctx context.Context, session string) error
	BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error)
	// ExecuteStreamingSql starts a streaming query. Cancelling ctx closes the
	// returned stream.
	ExecuteStreamingSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (PartialResultStream, error)
	Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error)
	Rollback(ctx context.Context, req *spannerpb.RollbackRequest) error
	Close() error
}
