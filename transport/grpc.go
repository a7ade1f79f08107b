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

package transport

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	gtransport "google.golang.org/api/transport/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	DefaultEndpoint    = "spanner.googleapis.com:443"
	DefaultNumChannels = 4
	spannerDataScope   = "https://www.googleapis.com/auth/spanner.data"
	resourcePrefixKey  = "google-cloud-resource-prefix"
	pingSQL            = "SELECT 1"
)

// Config describes how to reach the database over gRPC.
type Config struct {
	// Database is the fully qualified database name
	// projects/<project>/instances/<instance>/databases/<database>.
	Database        string
	Endpoint        string
	CredentialsFile string
	CredentialsJSON []byte
	// UsePlainText disables TLS and authentication, for the emulator.
	UsePlainText      bool
	CACertificate     string
	ClientCertificate string
	ClientKey         string
	NumChannels       int
	UserAgent         string
	Logger            *zap.Logger
}

// ClientOptions builds the client options for cfg.
func ClientOptions(cfg Config) ([]option.ClientOption, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	channels := cfg.NumChannels
	if channels <= 0 {
		channels = DefaultNumChannels
	}
	opts := []option.ClientOption{
		option.WithEndpoint(endpoint),
		option.WithGRPCConnectionPool(channels),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(cfg.UserAgent))
	}

	switch {
	case cfg.UsePlainText:
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	case cfg.CACertificate != "":
		creds, err := utilities.NewCred(cfg.CACertificate, cfg.ClientCertificate, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create tls credentials: %w", err)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(creds)))
	default:
		opts = append(opts, option.WithScopes(spannerDataScope))
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		if len(cfg.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
		}
	}
	return opts, nil
}

// Dial opens a pool of gRPC channels to the database and returns a Transport
// that owns it.
func Dial(ctx context.Context, cfg Config) (*GRPC, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := gtransport.DialPool(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Endpoint, err)
	}
	t := NewGRPC(pool, cfg.Database, cfg.Logger)
	t.closer = pool.Close
	return t, nil
}

// GRPC is a Transport over a generated Spanner gRPC client.
type GRPC struct {
	client   spannerpb.SpannerClient
	database string
	logger   *zap.Logger
	closer   func() error
}

// NewGRPC wraps an existing connection. The caller keeps ownership of conn.
func NewGRPC(conn grpc.ClientConnInterface, database string, logger *zap.Logger) *GRPC {
	return &GRPC{
		client:   spannerpb.NewSpannerClient(conn),
		database: database,
		logger:   utilities.GetOrCreateNopLogger(logger),
	}
}

func (g *GRPC) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, resourcePrefixKey, g.database)
}

func (g *GRPC) CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	s, err := g.client.CreateSession(g.outgoing(ctx), req)
	return s, Classify(OpCreateSession, err)
}

func (g *GRPC) BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) ([]*spannerpb.Session, error) {
	resp, err := g.client.BatchCreateSessions(g.outgoing(ctx), req)
	if err != nil {
		return nil, Classify(OpBatchCreateSessions, err)
	}
	return resp.GetSession(), nil
}

func (g *GRPC) DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) error {
	_, err := g.client.DeleteSession(g.outgoing(ctx), req)
	return Classify(OpDeleteSession, err)
}

func (g *GRPC) Ping(ctx context.Context, session string) error {
	_, err := g.client.ExecuteSql(g.outgoing(ctx), &spannerpb.ExecuteSqlRequest{
		Session: session,
		Sql:     pingSQL,
	})
	return Classify(OpPing, err)
}

func (g *GRPC) BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	tx, err := g.client.BeginTransaction(g.outgoing(ctx), req)
	return tx, Classify(OpBeginTransaction, err)
}

func (g *GRPC) ExecuteStreamingSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (PartialResultStream, error) {
	g.logger.Debug("executing streaming sql", zap.String("session", req.GetSession()), zap.String("sql", req.GetSql()))
	stream, err := g.client.ExecuteStreamingSql(g.outgoing(ctx), req)
	if err != nil {
		return nil, Classify(OpExecuteStreamingSql, err)
	}
	return &grpcStream{stream: stream}, nil
}

func (g *GRPC) Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	resp, err := g.client.Commit(g.outgoing(ctx), req)
	return resp, Classify(OpCommit, err)
}

func (g *GRPC) Rollback(ctx context.Context, req *spannerpb.RollbackRequest) error {
	_, err := g.client.Rollback(g.outgoing(ctx), req)
	return Classify(OpRollback, err)
}

// Close releases the connection pool if the transport was created by Dial.
func (g *GRPC) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

type grpcStream struct {
	stream spannerpb.Spanner_ExecuteStreamingSqlClient
}

func (s *grpcStream) Recv() (*spannerpb.PartialResultSet, error) {
	prs, err := s.stream.Recv()
	return prs, Classify(OpExecuteStreamingSql, err)
}
