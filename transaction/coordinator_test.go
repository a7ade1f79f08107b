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
	"strconv"
	"testing"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/session"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/transporttest"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	singersSQL = "SELECT SingerId FROM Singers ORDER BY SingerId"
	albumsSQL  = "SELECT AlbumId FROM Albums ORDER BY AlbumId"
	updateSQL  = "UPDATE Singers SET Active = TRUE WHERE TRUE"
)

var fastBackoff = gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func ids(n ...int) [][]*structpb.Value {
	rows := make([][]*structpb.Value, len(n))
	for i, v := range n {
		rows[i] = []*structpb.Value{structpb.NewStringValue(strconv.Itoa(v))}
	}
	return rows
}

func idField(name string) []*spannerpb.StructType_Field {
	return []*spannerpb.StructType_Field{{Name: name, Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64}}}
}

func setup(t *testing.T) (*transporttest.Fake, *session.Pool) {
	t.Helper()
	fake := transporttest.New()
	fake.PutQuery(singersSQL, idField("SingerId"), ids(1, 2, 3))
	fake.PutQuery(albumsSQL, idField("AlbumId"), ids(10, 20))
	fake.PutUpdate(updateSQL, 3)
	p, err := session.NewPool(context.Background(), fake, fake.Database(), session.Config{
		MinSessions:         1,
		MaxSessions:         4,
		AcquireTimeout:      5 * time.Second,
		MaintenanceInterval: 24 * time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return fake, p
}

func begin(t *testing.T, p *session.Pool, fake *transporttest.Fake, mode Mode, opts Options) *Coordinator {
	t.Helper()
	if opts.Backoff.Initial == 0 {
		opts.Backoff = fastBackoff
	}
	c, err := Begin(context.Background(), p, fake, mode, opts)
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, s *Stream) []int64 {
	t.Helper()
	var out []int64
	for {
		row, err := s.Next()
		if err == iterator.Done {
			return out
		}
		require.NoError(t, err)
		var v int64
		require.NoError(t, row.Column(0, &v))
		out = append(out, v)
	}
}

func query(t *testing.T, c *Coordinator, sql string) []int64 {
	t.Helper()
	s, err := c.Execute(context.Background(), NewStatement(sql))
	require.NoError(t, err)
	return drain(t, s)
}

func TestReadWriteCommit(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	assert.Equal(t, Created, c.State())

	assert.Equal(t, []int64{1, 2, 3}, query(t, c, singersSQL))
	assert.Equal(t, Active, c.State())

	s, err := c.Execute(context.Background(), NewStatement(updateSQL))
	require.NoError(t, err)
	n, ok := s.RowCount()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	res, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.CommitTimestamp.IsZero())
	assert.Equal(t, Committed, c.State())
	assert.Equal(t, 0, p.Stats().InUse)

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].GetTransaction().GetBegin().GetReadWrite())
	assert.Equal(t, []byte("tx-1"), reqs[1].GetTransaction().GetId())
	assert.Equal(t, int64(1), reqs[0].GetSeqno())
	assert.Equal(t, int64(2), reqs[1].GetSeqno())

	commits := fake.CommitRequests()
	require.Len(t, commits, 1)
	assert.Equal(t, []byte("tx-1"), commits[0].GetTransactionId())
}

func TestAbortOnSecondStatementIsReplayed(t *testing.T) {
	fake, p := setup(t)
	fake.Abort(albumsSQL, 1)
	c := begin(t, p, fake, ReadWrite, Options{MaxAttempts: 4})

	singers := query(t, c, singersSQL)
	albums := query(t, c, albumsSQL)
	res, err := c.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, singers)
	assert.Equal(t, []int64{10, 20}, albums)
	assert.Equal(t, 2, res.Attempts)

	var sqls []string
	for _, r := range fake.ExecuteRequests() {
		sqls = append(sqls, r.GetSql())
	}
	assert.Equal(t, []string{singersSQL, albumsSQL, singersSQL, albumsSQL}, sqls)
	commits := fake.CommitRequests()
	require.Len(t, commits, 1)
	assert.Equal(t, []byte("tx-2"), commits[0].GetTransactionId())
}

func TestAbortWhileReadingContinuesAfterDeliveredRows(t *testing.T) {
	fake, p := setup(t)
	fake.SetChunking(transporttest.Chunking{ValuesPerChunk: 1, TokenEvery: 1})
	fake.InjectStreamError(singersSQL, 2, transporttest.Aborted(0), 1)
	c := begin(t, p, fake, ReadWrite, Options{})

	s, err := c.Execute(context.Background(), NewStatement(singersSQL))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, drain(t, s))
	assert.Equal(t, 2, c.Attempt())

	_, err = c.Commit(context.Background())
	require.NoError(t, err)
}

func TestReplayDetectsChangedRows(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)

	fake.PutQuery(singersSQL, idField("SingerId"), ids(1, 2, 4))
	fake.Abort(albumsSQL, 1)
	_, err := c.Execute(context.Background(), NewStatement(albumsSQL))
	assert.ErrorIs(t, err, spanerrors.ErrRetryMismatch)
	assert.Equal(t, Aborted, c.State())
	assert.Equal(t, 0, p.Stats().InUse)

	_, err = c.Execute(context.Background(), NewStatement(albumsSQL))
	assert.ErrorIs(t, err, spanerrors.ErrTransactionClosed)
}

func TestReplayDetectsChangedColumns(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)

	fake.PutQuery(singersSQL, idField("Id"), ids(1, 2, 3))
	fake.InjectError(transport.OpCommit, transporttest.Aborted(0), 1)
	_, err := c.Commit(context.Background())
	assert.ErrorIs(t, err, spanerrors.ErrRetryMismatch)
}

func TestAbortedPermanently(t *testing.T) {
	fake, p := setup(t)
	fake.Abort(singersSQL, 10)
	c := begin(t, p, fake, ReadWrite, Options{MaxAttempts: 3})

	_, err := c.Execute(context.Background(), NewStatement(singersSQL))
	assert.ErrorIs(t, err, spanerrors.ErrTransactionAbortedPermanently)
	assert.True(t, spanerrors.IsAborted(err))
	assert.Equal(t, 3, c.Attempt())
	assert.Len(t, fake.ExecuteRequests(), 3)
	assert.Equal(t, Aborted, c.State())
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestCommitAbortIsReplayed(t *testing.T) {
	fake, p := setup(t)
	fake.InjectError(transport.OpCommit, transporttest.Aborted(0), 1)
	c := begin(t, p, fake, ReadWrite, Options{})

	s, err := c.Execute(context.Background(), NewStatement(updateSQL))
	require.NoError(t, err)
	res, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, fake.CommitRequests(), 2)
	assert.Len(t, fake.ExecuteRequests(), 2)

	n, ok := s.RowCount()
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
}

func TestRetryHonorsServerDelay(t *testing.T) {
	var delays []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = orig })

	fake, p := setup(t)
	fake.InjectError(transport.OpCommit, transporttest.Aborted(250*time.Millisecond), 1)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)
	_, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, delays)
}

func TestDisableReplay(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{DisableReplay: true})
	query(t, c, singersSQL)

	fake.Abort(albumsSQL, 1)
	_, err := c.Execute(context.Background(), NewStatement(albumsSQL))
	require.Error(t, err)
	assert.True(t, spanerrors.IsAborted(err))
	assert.NotErrorIs(t, err, spanerrors.ErrTransactionAbortedPermanently)
	assert.Equal(t, Aborted, c.State())
	assert.Equal(t, 0, p.Stats().InUse)
	require.NoError(t, c.Rollback(context.Background()))
}

func TestReadOnlyCommitIsLocal(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadOnly, Options{ExactStaleness: 10 * time.Second})

	assert.Equal(t, []int64{1, 2, 3}, query(t, c, singersSQL))
	assert.Equal(t, []int64{10, 20}, query(t, c, albumsSQL))
	_, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Committed, c.State())

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 2)
	ro := reqs[0].GetTransaction().GetBegin().GetReadOnly()
	require.NotNil(t, ro)
	assert.Equal(t, 10*time.Second, ro.GetExactStaleness().AsDuration())
	assert.Equal(t, []byte("tx-1"), reqs[1].GetTransaction().GetId())
	assert.Zero(t, reqs[0].GetSeqno())
	assert.Empty(t, fake.CommitRequests())
	assert.Empty(t, fake.RollbackRequests())
}

func TestReadOnlySingleUse(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadOnly, Options{SingleUse: true})
	assert.Equal(t, []int64{1, 2, 3}, query(t, c, singersSQL))
	assert.Nil(t, c.ID())
	require.NoError(t, c.Rollback(context.Background()))

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].GetTransaction().GetSingleUse().GetReadOnly().GetStrong())
}

func TestReadOnlyRestartsStreamWithoutToken(t *testing.T) {
	fake, p := setup(t)
	fake.InjectStreamError(singersSQL, 0, transporttest.Unavailable(), 1)
	c := begin(t, p, fake, ReadOnly, Options{})
	assert.Equal(t, []int64{1, 2, 3}, query(t, c, singersSQL))
	assert.Len(t, fake.ExecuteRequests(), 2)
}

func TestRollback(t *testing.T) {
	fake, p := setup(t)
	fake.SetChunking(transporttest.Chunking{ValuesPerChunk: 1, TokenEvery: 1})
	c := begin(t, p, fake, ReadWrite, Options{})

	s, err := c.Execute(context.Background(), NewStatement(singersSQL))
	require.NoError(t, err)
	_, err = s.Next()
	require.NoError(t, err)

	require.NoError(t, c.Rollback(context.Background()))
	assert.Equal(t, RolledBack, c.State())
	assert.Len(t, fake.RollbackRequests(), 1)
	assert.Equal(t, 0, p.Stats().InUse)

	_, err = s.Next()
	assert.ErrorIs(t, err, spanerrors.ErrTransactionClosed)
	_, err = c.Commit(context.Background())
	assert.ErrorIs(t, err, spanerrors.ErrTransactionClosed)
	assert.NoError(t, c.Rollback(context.Background()))
}

func TestRollbackAfterCommitFails(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)
	_, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Rollback(context.Background()), spanerrors.ErrTransactionClosed)
	_, err = c.Execute(context.Background(), NewStatement(singersSQL))
	assert.ErrorIs(t, err, spanerrors.ErrTransactionClosed)
}

func TestConcurrentUse(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	s, err := c.Execute(context.Background(), NewStatement(singersSQL))
	require.NoError(t, err)

	c.busy.Store(true)
	_, err = c.Execute(context.Background(), NewStatement(albumsSQL))
	assert.ErrorIs(t, err, spanerrors.ErrConcurrentUse)
	_, err = s.Next()
	assert.ErrorIs(t, err, spanerrors.ErrConcurrentUse)
	_, err = c.Commit(context.Background())
	assert.ErrorIs(t, err, spanerrors.ErrConcurrentUse)
	c.busy.Store(false)

	assert.Equal(t, []int64{1, 2, 3}, drain(t, s))
	require.NoError(t, c.Rollback(context.Background()))
}

func TestSessionNotFoundInvalidatesSession(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	fake.ExpireSession(c.sessionName)

	_, err := c.Execute(context.Background(), NewStatement(singersSQL))
	require.Error(t, err)
	assert.True(t, transport.IsSessionNotFound(err))
	assert.Equal(t, session.Invalid, c.session.State())

	require.NoError(t, c.Rollback(context.Background()))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestExplicitBegin(t *testing.T) {
	fake, p := setup(t)
	fake.InjectError(transport.OpCommit, transporttest.Aborted(0), 1)
	c := begin(t, p, fake, ReadWrite, Options{ExplicitBegin: true})
	assert.Equal(t, Active, c.State())
	assert.Equal(t, []byte("tx-1"), c.ID())

	query(t, c, singersSQL)
	res, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	assert.Equal(t, 2, beginRequests(fake))
	for _, r := range fake.ExecuteRequests() {
		assert.NotNil(t, r.GetTransaction().GetId())
	}
}

func beginRequests(fake *transporttest.Fake) int {
	var n int
	for _, r := range fake.Requests() {
		if _, ok := r.(*spannerpb.BeginTransactionRequest); ok {
			n++
		}
	}
	return n
}

func TestCommitRetriesUnavailable(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)

	fake.InjectError(transport.OpCommit, transporttest.Unavailable(), 1)
	res, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, Committed, c.State())
	assert.Len(t, fake.CommitRequests(), 2)
	assert.Empty(t, fake.RollbackRequests())
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestExplicitBeginRetriesUnavailable(t *testing.T) {
	fake, p := setup(t)
	fake.InjectError(transport.OpBeginTransaction, transporttest.Unavailable(), 1)
	c := begin(t, p, fake, ReadWrite, Options{ExplicitBegin: true})
	assert.Equal(t, Active, c.State())
	assert.Equal(t, []byte("tx-1"), c.ID())
	assert.Equal(t, 2, beginRequests(fake))
	require.NoError(t, c.Rollback(context.Background()))
}

func TestRollbackRetriesUnavailable(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)

	fake.InjectError(transport.OpRollback, transporttest.Unavailable(), 1)
	require.NoError(t, c.Rollback(context.Background()))
	assert.Equal(t, RolledBack, c.State())
	assert.Len(t, fake.RollbackRequests(), 2)
}

func TestReadWriteStatementRestartsWithSameSeqno(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{})
	query(t, c, singersSQL)

	fake.InjectStatementError(albumsSQL, transporttest.Unavailable(), 1)
	assert.Equal(t, []int64{10, 20}, query(t, c, albumsSQL))

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 3)
	for _, r := range reqs[1:] {
		assert.Equal(t, albumsSQL, r.GetSql())
		assert.Equal(t, []byte("tx-1"), r.GetTransaction().GetId())
		assert.Equal(t, int64(2), r.GetSeqno())
	}

	res, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestInlineBeginFallsBackToExplicitBegin(t *testing.T) {
	fake, p := setup(t)
	fake.InjectStatementError(singersSQL, transporttest.Unavailable(), 1)
	c := begin(t, p, fake, ReadWrite, Options{})
	assert.Equal(t, []int64{1, 2, 3}, query(t, c, singersSQL))
	assert.Equal(t, []byte("tx-1"), c.ID())
	assert.Equal(t, 1, beginRequests(fake))

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].GetTransaction().GetBegin())
	assert.Equal(t, []byte("tx-1"), reqs[1].GetTransaction().GetId())

	_, err := c.Commit(context.Background())
	require.NoError(t, err)
}

func TestTagsAreSent(t *testing.T) {
	fake, p := setup(t)
	c := begin(t, p, fake, ReadWrite, Options{Tag: "app=test", Priority: spannerpb.RequestOptions_PRIORITY_LOW})
	query(t, c, singersSQL)
	_, err := c.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "app=test", fake.ExecuteRequests()[0].GetRequestOptions().GetTransactionTag())
	assert.Equal(t, spannerpb.RequestOptions_PRIORITY_LOW, fake.CommitRequests()[0].GetRequestOptions().GetPriority())
}
