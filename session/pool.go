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

// Package session implements a bounded pool of server-side sessions with
// background warm-up, keep-alive pings and idle eviction.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/spanerrors"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// createBackoff paces session creation retries after UNAVAILABLE. The total
// time is bounded by Config.CreateTimeout.
var createBackoff = gax.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 1.3}

// Stats is a snapshot of the pool bookkeeping.
type Stats struct {
	Open     int
	Idle     int
	InUse    int
	MaxInUse int
	Creating int
}

// Pool hands out sessions to at most one user at a time. Every open or
// creating session holds one permit of the capacity semaphore.
type Pool struct {
	cfg       Config
	transport transport.Transport
	database  string
	logger    *zap.Logger
	sem       *semaphore.Weighted

	closeCtx    context.Context
	closeCancel context.CancelFunc
	bg          sync.WaitGroup

	mu       sync.Mutex
	idle     []*Session
	waiters  []chan *Session
	open     int
	inUse    int
	maxInUse int
	creating int
	closed   bool
	returned chan struct{}
}

// NewPool validates cfg, starts creating cfg.MinSessions sessions in the
// background and starts the maintenance loop.
func NewPool(ctx context.Context, t transport.Transport, database string, cfg Config, logger *zap.Logger) (*Pool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session pool config: %w", err)
	}
	closeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		cfg:         cfg,
		transport:   t,
		database:    database,
		logger:      utilities.GetOrCreateNopLogger(logger),
		sem:         semaphore.NewWeighted(int64(cfg.MaxSessions)),
		closeCtx:    closeCtx,
		closeCancel: cancel,
		returned:    make(chan struct{}, 1),
	}
	p.bg.Add(2)
	go func() {
		defer p.bg.Done()
		p.replenish(p.closeCtx)
	}()
	go func() {
		defer p.bg.Done()
		p.run()
	}()
	return p, nil
}

// Acquire returns an idle session, creates one if the pool is below
// MaxSessions, or waits for a release. It fails with ErrPoolExhausted after
// AcquireTimeout and with the context error if ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	for {
		s, create, ch, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
		if create {
			return p.createForCaller(ctx)
		}

		select {
		case s := <-ch:
			if s != nil {
				return s, nil
			}
			// Capacity was freed; try again.
		case <-waitCtx.Done():
			p.abandon(ch)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, spanerrors.New(spanerrors.ErrPoolExhausted, "acquire session", waitCtx.Err())
		case <-p.closeCtx.Done():
			p.abandon(ch)
			return nil, spanerrors.New(spanerrors.ErrPoolClosed, "acquire session", nil)
		}
	}
}

// tryAcquire pops an idle session, reserves capacity for a new one, or
// registers a waiter.
func (p *Pool) tryAcquire() (*Session, bool, chan *Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, nil, spanerrors.New(spanerrors.ErrPoolClosed, "acquire session", nil)
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkOutLocked(s)
		return s, false, nil, nil
	}
	if p.sem.TryAcquire(1) {
		p.creating++
		return nil, true, nil, nil
	}
	ch := make(chan *Session, 1)
	p.waiters = append(p.waiters, ch)
	return nil, false, ch, nil
}

// abandon unregisters a waiter that gave up. Anything already handed to it is
// passed on.
func (p *Pool) abandon(ch chan *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	select {
	case s := <-ch:
		if s == nil {
			p.signalLocked()
			return
		}
		p.inUse--
		s.checkedOut.Store(false)
		p.putIdleLocked(s)
	default:
	}
}

func (p *Pool) checkOutLocked(s *Session) {
	s.checkedOut.Store(true)
	p.inUse++
	if p.inUse > p.maxInUse {
		p.maxInUse = p.inUse
	}
}

// putIdleLocked hands s to the oldest waiter, or pushes it on the free list.
func (p *Pool) putIdleLocked(s *Session) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.checkOutLocked(s)
		ch <- s
		return
	}
	p.idle = append(p.idle, s)
}

// signalLocked wakes the oldest waiter so it retries after capacity was freed.
func (p *Pool) signalLocked() {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- nil
	}
}

// freeLocked returns the capacity held by a session that is gone.
func (p *Pool) freeLocked(n int) {
	p.sem.Release(int64(n))
	for i := 0; i < n; i++ {
		p.signalLocked()
	}
}

func (p *Pool) createForCaller(ctx context.Context) (*Session, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	var pb *spannerpb.Session
	err := transport.Retry(cctx, transport.OpCreateSession, createBackoff, func(ctx context.Context) error {
		var err error
		pb, err = p.transport.CreateSession(ctx, &spannerpb.CreateSessionRequest{
			Database: p.database,
			Session:  &spannerpb.Session{Labels: p.cfg.Labels},
		})
		return err
	})

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.freeLocked(1)
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, spanerrors.New(spanerrors.ErrSessionCreateFailed, "create session", err)
	}
	s := newSession(pb.GetName(), p.cfg.Clock.Now())
	if p.closed {
		p.freeLocked(1)
		p.mu.Unlock()
		p.delete(s)
		return nil, spanerrors.New(spanerrors.ErrPoolClosed, "acquire session", nil)
	}
	p.open++
	p.checkOutLocked(s)
	p.mu.Unlock()
	p.logger.Debug("session created", zap.String("session", s.name))
	return s, nil
}

// Release returns s to the pool. Invalid sessions are deleted and their
// capacity freed.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if !s.checkedOut.CompareAndSwap(true, false) {
		p.logger.Warn("session released twice", zap.String("session", s.name))
		return
	}
	s.lastUsed.Store(p.cfg.Clock.Now())

	p.mu.Lock()
	p.inUse--
	if !s.invalid.Load() && !p.closed {
		p.putIdleLocked(s)
		p.mu.Unlock()
		return
	}
	closed := p.closed
	p.mu.Unlock()

	p.delete(s)

	p.mu.Lock()
	p.open--
	p.freeLocked(1)
	p.mu.Unlock()
	if closed {
		select {
		case p.returned <- struct{}{}:
		default:
		}
	}
}

// delete removes s on the server. Failures are only logged.
func (p *Pool) delete(s *Session) {
	s.invalid.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()
	if err := p.transport.DeleteSession(ctx, &spannerpb.DeleteSessionRequest{Name: s.name}); err != nil && !transport.IsSessionNotFound(err) {
		p.logger.Debug("failed to delete session", zap.String("session", s.name), zap.Error(err))
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:     p.open,
		Idle:     len(p.idle),
		InUse:    p.inUse,
		MaxInUse: p.maxInUse,
		Creating: p.creating,
	}
}

// replenish creates sessions in the background until MinSessions are open.
// It only takes capacity that is free right now, so it never blocks callers.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	n := p.cfg.MinSessions - p.open - p.creating
	for n > 0 && !p.sem.TryAcquire(int64(n)) {
		n--
	}
	if n <= 0 {
		p.mu.Unlock()
		return
	}
	p.creating += n
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for n > 0 {
		count := min(n, maxBatchCreate)
		n -= count
		g.Go(func() error {
			return p.batchCreate(gctx, count)
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("failed to create sessions in background", zap.Error(err))
	}
}

func (p *Pool) batchCreate(ctx context.Context, count int) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	var created []*spannerpb.Session
	err := transport.Retry(cctx, transport.OpBatchCreateSessions, createBackoff, func(ctx context.Context) error {
		var err error
		created, err = p.transport.BatchCreateSessions(ctx, &spannerpb.BatchCreateSessionsRequest{
			Database:        p.database,
			SessionTemplate: &spannerpb.Session{Labels: p.cfg.Labels},
			SessionCount:    int32(count),
		})
		return err
	})

	p.mu.Lock()
	p.creating -= count
	now := p.cfg.Clock.Now()
	var orphans []*Session
	for _, pb := range created {
		s := newSession(pb.GetName(), now)
		if p.closed {
			orphans = append(orphans, s)
			continue
		}
		p.open++
		p.putIdleLocked(s)
	}
	if unused := count - len(created) + len(orphans); unused > 0 {
		p.freeLocked(unused)
	}
	p.mu.Unlock()

	for _, s := range orphans {
		p.delete(s)
	}
	if err != nil {
		return spanerrors.New(spanerrors.ErrSessionCreateFailed, "batch create sessions", err)
	}
	p.logger.Debug("sessions created", zap.Int("count", len(created)))
	return nil
}

// Shutdown stops maintenance, waits until every checked-out session is
// released or ctx is done, and deletes the remaining sessions. Acquire fails
// with ErrPoolClosed afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeCancel()
	p.mu.Unlock()

	p.bg.Wait()

	var waitErr error
	for waitErr == nil {
		p.mu.Lock()
		inUse := p.inUse
		p.mu.Unlock()
		if inUse == 0 {
			break
		}
		select {
		case <-p.returned:
		case <-ctx.Done():
			waitErr = fmt.Errorf("%d sessions still in use at shutdown: %w", inUse, ctx.Err())
		}
	}

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range idle {
		g.Go(func() error {
			p.delete(s)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.open -= len(idle)
	p.sem.Release(int64(len(idle)))
	p.mu.Unlock()
	p.logger.Info("session pool shut down", zap.Int("deleted", len(idle)))
	return waitErr
}
