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
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/resultstream"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Stream returns the rows of one statement. If the transaction is aborted
// while the rows are read, Next replays the transaction and continues after
// the last row it returned.
type Stream struct {
	c   *Coordinator
	ctx context.Context
	dec *resultstream.Decoder

	checksum  hash.Hash
	delivered int
	finished  bool
	stopped   bool
}

// Next returns the next row, or iterator.Done when there are no more rows.
func (s *Stream) Next() (*resultstream.Row, error) {
	c := s.c
	if err := c.enter("next"); err != nil {
		return nil, err
	}
	defer c.exit()
	for {
		if s.finished || s.stopped {
			return nil, iterator.Done
		}
		if st := c.State(); st != Active {
			return nil, c.closed("next", st)
		}
		row, err := s.dec.Next()
		if err == nil {
			writeRow(s.checksum, row)
			s.delivered++
			return row, nil
		}
		if errors.Is(err, iterator.Done) {
			s.finished = true
			return nil, iterator.Done
		}
		if !c.canReplay(err) {
			return nil, c.fail("next", err)
		}
		if err := c.retry(s.ctx, err); err != nil {
			return nil, err
		}
	}
}

// Stop closes the stream. It must not be called concurrently with Next.
func (s *Stream) Stop() {
	s.stopped = true
	if s.dec != nil {
		s.dec.Stop()
	}
}

func (s *Stream) Metadata() *spannerpb.ResultSetMetadata {
	return s.dec.Metadata()
}

// Stats returns the statistics sent with the last PartialResultSet, or nil
// before the stream ended.
func (s *Stream) Stats() *spannerpb.ResultSetStats {
	return s.dec.Stats()
}

// RowCount returns the number of rows modified by a DML statement.
func (s *Stream) RowCount() (int64, bool) {
	switch rc := s.Stats().GetRowCount().(type) {
	case *spannerpb.ResultSetStats_RowCountExact:
		return rc.RowCountExact, true
	case *spannerpb.ResultSetStats_RowCountLowerBound:
		return rc.RowCountLowerBound, true
	}
	return 0, false
}

// rebind moves the stream onto dec, which runs the same statement in a new
// attempt, after checking that the rows already returned came back unchanged.
func (s *Stream) rebind(dec *resultstream.Decoder) error {
	mismatch := func(format string, args ...interface{}) error {
		dec.Stop()
		return spanerrors.New(spanerrors.ErrRetryMismatch, "replay", fmt.Errorf(format, args...))
	}
	sum := newChecksum()
	for i := 0; i < s.delivered; i++ {
		row, err := dec.Next()
		if errors.Is(err, iterator.Done) {
			return mismatch("replay returned %d rows, %d were already read", i, s.delivered)
		}
		if err != nil {
			return err
		}
		writeRow(sum, row)
	}
	if !bytes.Equal(sum.Sum(nil), s.checksum.Sum(nil)) {
		return mismatch("replay returned different rows")
	}
	if s.finished {
		_, err := dec.Next()
		if err == nil {
			return mismatch("replay returned more than %d rows", s.delivered)
		}
		if !errors.Is(err, iterator.Done) {
			return err
		}
	}
	if s.stopped {
		dec.Stop()
	}
	s.dec = dec
	return nil
}

func writeRow(h hash.Hash, row *resultstream.Row) {
	b, _ := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.ListValue{Values: row.Values()})
	h.Write(b)
}

func newChecksum() hash.Hash {
	return sha256.New()
}
