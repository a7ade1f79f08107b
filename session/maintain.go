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

package session

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (p *Pool) run() {
	ticker := p.cfg.Clock.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-ticker.Chan():
			p.maintain(p.closeCtx)
		}
	}
}

// maintain evicts sessions idle for longer than IdleTimeout while keeping
// MinSessions open, pings sessions idle for longer than KeepAliveInterval and
// then tops the pool up to MinSessions. Sessions being evicted or pinged are
// taken off the free list, so no RPC runs under the lock.
func (p *Pool) maintain(ctx context.Context) {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var evict, ping []*Session
	keep := p.idle[:0]
	open := p.open
	// The bottom of the free list holds the least recently used sessions.
	for _, s := range p.idle {
		idleFor := now.Sub(s.LastUsed())
		switch {
		case idleFor >= p.cfg.IdleTimeout && open > p.cfg.MinSessions:
			evict = append(evict, s)
			open--
		case idleFor >= p.cfg.KeepAliveInterval:
			ping = append(ping, s)
		default:
			keep = append(keep, s)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range evict {
		g.Go(func() error {
			p.delete(s)
			p.drop()
			return nil
		})
	}
	for _, s := range ping {
		g.Go(func() error {
			p.keepAlive(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
	if len(evict) > 0 {
		p.logger.Debug("evicted idle sessions", zap.Int("count", len(evict)))
	}

	p.replenish(ctx)
}

func (p *Pool) keepAlive(ctx context.Context, s *Session) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	if err := p.transport.Ping(cctx, s.name); err != nil {
		p.logger.Debug("keep-alive failed, dropping session", zap.String("session", s.name), zap.Error(err))
		p.delete(s)
		p.drop()
		return
	}
	s.lastUsed.Store(p.cfg.Clock.Now())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// Shutdown collects p.idle after maintenance has stopped.
		p.idle = append(p.idle, s)
		return
	}
	p.putIdleLocked(s)
}

// drop forgets a session that was taken off the free list and deleted.
func (p *Pool) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open--
	p.freeLocked(1)
}
