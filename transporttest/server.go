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

package transporttest

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes a Fake as a Spanner gRPC service.
type Server struct {
	spannerpb.UnimplementedSpannerServer
	fake *Fake

	mu       sync.Mutex
	prefixes []string
}

// NewServer wraps f.
func NewServer(f *Fake) *Server {
	return &Server{fake: f}
}

// ResourcePrefixes returns the google-cloud-resource-prefix header of every
// call received so far.
func (s *Server) ResourcePrefixes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prefixes...)
}

func (s *Server) observe(ctx context.Context) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, md.Get("google-cloud-resource-prefix")...)
}

func (s *Server) CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	s.observe(ctx)
	return s.fake.createSession(req)
}

func (s *Server) BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) (*spannerpb.BatchCreateSessionsResponse, error) {
	s.observe(ctx)
	sessions, err := s.fake.batchCreateSessions(req)
	if err != nil {
		return nil, err
	}
	return &spannerpb.BatchCreateSessionsResponse{Session: sessions}, nil
}

func (s *Server) DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) (*emptypb.Empty, error) {
	s.observe(ctx)
	if err := s.fake.deleteSession(req); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// ExecuteSql only serves the keep-alive query.
func (s *Server) ExecuteSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (*spannerpb.ResultSet, error) {
	s.observe(ctx)
	if err := s.fake.ping(req.GetSession()); err != nil {
		return nil, err
	}
	return &spannerpb.ResultSet{
		Metadata: &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{
			Fields: []*spannerpb.StructType_Field{{Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64}}},
		}},
		Rows: []*structpb.ListValue{{Values: []*structpb.Value{structpb.NewStringValue("1")}}},
	}, nil
}

func (s *Server) ExecuteStreamingSql(req *spannerpb.ExecuteSqlRequest, srv spannerpb.Spanner_ExecuteStreamingSqlServer) error {
	s.observe(srv.Context())
	parts, ft, err := s.fake.execute(req)
	if err != nil {
		return err
	}
	st := &stream{ctx: srv.Context(), parts: parts, fault: ft}
	for {
		prs, err := st.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := srv.Send(prs); err != nil {
			return err
		}
	}
}

func (s *Server) BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	s.observe(ctx)
	return s.fake.beginTransaction(req)
}

func (s *Server) Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	s.observe(ctx)
	return s.fake.commit(req)
}

func (s *Server) Rollback(ctx context.Context, req *spannerpb.RollbackRequest) (*emptypb.Empty, error) {
	s.observe(ctx)
	if err := s.fake.rollback(req); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// Serve starts srv on an in-memory listener and returns a client connection
// to it. The returned function closes the connection and stops the server.
func Serve(srv *Server) (*grpc.ClientConn, func(), error) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	spannerpb.RegisterSpannerServer(gs, srv)
	go func() {
		_ = gs.Serve(lis)
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		gs.Stop()
		return nil, nil, fmt.Errorf("failed to connect to in-memory server: %w", err)
	}
	return conn, func() {
		conn.Close()
		gs.Stop()
	}, nil
}
