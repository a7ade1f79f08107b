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

// Package resultstream assembles rows from a stream of PartialResultSets and
// resumes interrupted streams from their last resume token.
package resultstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultMaxBufferedRows = 1024
	maxRestartsFromStart   = 3
)

// OpenFunc starts the underlying stream. A non-empty resumeToken asks the
// server to continue after the PartialResultSet that carried it.
type OpenFunc func(ctx context.Context, resumeToken []byte) (transport.PartialResultStream, error)

type Options struct {
	// MaxBufferedRows bounds the rows held back while waiting for a resume
	// token. Past it rows are released and the stream cannot be resumed until
	// the next token arrives.
	MaxBufferedRows int
	// RestartFromStart allows re-issuing the request from the beginning when
	// it fails before any resume token arrived and before any row was returned.
	RestartFromStart bool
	// Backoff paces resume attempts.
	Backoff     gax.Backoff
	IsResumable func(error) bool
	Logger      *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxBufferedRows <= 0 {
		o.MaxBufferedRows = DefaultMaxBufferedRows
	}
	if o.Backoff.Initial == 0 {
		o.Backoff = gax.Backoff{Initial: 20 * time.Millisecond, Max: 32 * time.Second, Multiplier: 1.3}
	}
	if o.IsResumable == nil {
		o.IsResumable = transport.IsResumable
	}
	o.Logger = utilities.GetOrCreateNopLogger(o.Logger)
}

// Decoder is a lazy, pull-based row iterator. It is not safe for concurrent
// use.
type Decoder struct {
	ctx  context.Context
	open OpenFunc
	opts Options

	stream       transport.PartialResultStream
	cancelStream context.CancelFunc

	metadata *spannerpb.ResultSetMetadata
	stats    *spannerpb.ResultSetStats

	// ready rows may be returned; buffered rows arrived after the last token.
	ready    []*Row
	buffered []*Row
	// values of the row being assembled; the last one is partial if chunked.
	values  []*structpb.Value
	chunked bool

	token         []byte
	tokenConsumed bool
	tokenValues   []*structpb.Value
	tokenChunked  bool
	resumable     bool

	delivered int
	restarts  int
	done      bool
	err       error
}

// NewDecoder returns a Decoder that opens the stream on the first call to
// Next or Prime. Cancelling ctx closes the stream.
func NewDecoder(ctx context.Context, open OpenFunc, opts Options) *Decoder {
	opts.applyDefaults()
	return &Decoder{ctx: ctx, open: open, opts: opts, resumable: true}
}

// Next returns the next row, or iterator.Done once the stream is exhausted.
// After a failure every call returns the same error.
func (d *Decoder) Next() (*Row, error) {
	if d.err != nil {
		return nil, d.err
	}
	for len(d.ready) == 0 {
		if d.done {
			return nil, iterator.Done
		}
		if err := d.fetch(); err != nil {
			d.fail(err)
			return nil, d.err
		}
	}
	row := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	d.delivered++
	return row, nil
}

// Prime reads from the stream until the result metadata is known.
func (d *Decoder) Prime() error {
	for d.err == nil && d.metadata == nil && !d.done {
		if err := d.fetch(); err != nil {
			d.fail(err)
		}
	}
	if d.err != nil && !errors.Is(d.err, iterator.Done) {
		return d.err
	}
	return nil
}

// Metadata returns the result metadata, or nil before the first
// PartialResultSet arrived.
func (d *Decoder) Metadata() *spannerpb.ResultSetMetadata {
	return d.metadata
}

// Stats returns the result statistics, which the server sends with the last
// PartialResultSet.
func (d *Decoder) Stats() *spannerpb.ResultSetStats {
	return d.stats
}

// Delivered returns the number of rows returned by Next so far.
func (d *Decoder) Delivered() int {
	return d.delivered
}

// Done reports whether the server finished the stream.
func (d *Decoder) Done() bool {
	return d.done && len(d.ready) == 0
}

// Stop closes the stream. Next returns iterator.Done afterwards.
func (d *Decoder) Stop() {
	d.closeStream()
	if d.err == nil {
		d.err = iterator.Done
	}
	d.ready, d.buffered, d.values = nil, nil, nil
}

func (d *Decoder) fail(err error) {
	d.closeStream()
	d.err = err
	d.ready, d.buffered, d.values = nil, nil, nil
}

func (d *Decoder) closeStream() {
	if d.cancelStream != nil {
		d.cancelStream()
		d.cancelStream = nil
	}
	d.stream = nil
}

func (d *Decoder) fetch() error {
	if err := d.ctx.Err(); err != nil {
		return spanerrors.New(spanerrors.ErrStream, "next", err)
	}
	if d.stream == nil {
		sctx, cancel := context.WithCancel(d.ctx)
		stream, err := d.open(sctx, d.token)
		if err != nil {
			cancel()
			return d.recover(err)
		}
		d.stream, d.cancelStream = stream, cancel
	}
	prs, err := d.stream.Recv()
	if err == io.EOF {
		d.closeStream()
		if len(d.values) > 0 || d.chunked {
			return spanerrors.New(spanerrors.ErrDecode, "next", fmt.Errorf("stream ended with %d values of an incomplete row", len(d.values)))
		}
		d.done = true
		d.ready = append(d.ready, d.buffered...)
		d.buffered = nil
		return nil
	}
	if err != nil {
		return d.recover(err)
	}
	if err := d.apply(prs); err != nil {
		return spanerrors.New(spanerrors.ErrDecode, "next", err)
	}
	return nil
}

// recover prepares a restart after err, or returns the error to surface.
func (d *Decoder) recover(err error) error {
	d.closeStream()
	if ctxErr := d.ctx.Err(); ctxErr != nil {
		return spanerrors.New(spanerrors.ErrStream, "next", ctxErr)
	}
	if !d.opts.IsResumable(err) || !d.resumable {
		return spanerrors.New(spanerrors.ErrStream, "next", err)
	}
	switch {
	case d.token != nil && !d.tokenConsumed:
		d.buffered = nil
		d.values = append([]*structpb.Value(nil), d.tokenValues...)
		d.chunked = d.tokenChunked
		d.tokenConsumed = true
		d.opts.Logger.Debug("resuming stream", zap.ByteString("resumeToken", d.token), zap.Error(err))
	case d.token == nil && d.opts.RestartFromStart && d.delivered == 0 && d.restarts < maxRestartsFromStart:
		d.restarts++
		d.metadata, d.stats = nil, nil
		d.ready, d.buffered, d.values, d.chunked = nil, nil, nil, false
		d.opts.Logger.Debug("restarting stream", zap.Int("attempt", d.restarts), zap.Error(err))
	default:
		return spanerrors.New(spanerrors.ErrStream, "next", err)
	}
	if sleepErr := gax.Sleep(d.ctx, d.opts.Backoff.Pause()); sleepErr != nil {
		return spanerrors.New(spanerrors.ErrStream, "next", sleepErr)
	}
	return nil
}

// apply merges one PartialResultSet into the decoder state.
func (d *Decoder) apply(prs *spannerpb.PartialResultSet) error {
	if md := prs.GetMetadata(); md != nil && d.metadata == nil {
		d.metadata = md
	}
	if d.metadata == nil {
		return fmt.Errorf("first PartialResultSet carries no metadata")
	}
	if prs.GetStats() != nil {
		d.stats = prs.GetStats()
	}

	vals := prs.GetValues()
	if d.chunked && len(vals) > 0 {
		last := len(d.values) - 1
		merged, err := mergeChunk(d.values[last], vals[0])
		if err != nil {
			return err
		}
		d.values[last] = merged
		vals = vals[1:]
	}
	d.values = append(d.values, vals...)
	if len(prs.GetValues()) > 0 {
		d.chunked = prs.GetChunkedValue()
	}

	fields := d.metadata.GetRowType().GetFields()
	complete := len(d.values)
	if d.chunked {
		complete--
	}
	if len(fields) == 0 {
		if len(d.values) > 0 {
			return fmt.Errorf("received %d values for a result without columns", len(d.values))
		}
	} else {
		for complete >= len(fields) {
			row, err := NewRow(fields, d.values[:len(fields)])
			if err != nil {
				return err
			}
			d.buffered = append(d.buffered, row)
			d.values = d.values[len(fields):]
			complete -= len(fields)
		}
	}

	if tok := prs.GetResumeToken(); len(tok) > 0 {
		d.ready = append(d.ready, d.buffered...)
		d.buffered = nil
		d.token = tok
		d.tokenConsumed = false
		d.tokenValues = append([]*structpb.Value(nil), d.values...)
		d.tokenChunked = d.chunked
		d.resumable = true
	} else if len(d.buffered) > d.opts.MaxBufferedRows {
		d.ready = append(d.ready, d.buffered...)
		d.buffered = nil
		d.resumable = false
	}
	return nil
}
