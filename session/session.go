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
	"time"

	"go.uber.org/atomic"
)

type State int

const (
	Idle State = iota
	InUse
	Invalid
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InUse:
		return "InUse"
	case Invalid:
		return "Invalid"
	}
	return "Unknown"
}

// Session is a server-side session owned by a Pool. A session is checked out
// to at most one user between Acquire and Release.
type Session struct {
	name       string
	createTime time.Time
	lastUsed   atomic.Time
	checkedOut atomic.Bool
	invalid    atomic.Bool
}

func newSession(name string, now time.Time) *Session {
	s := &Session{name: name, createTime: now}
	s.lastUsed.Store(now)
	return s
}

// Name is the fully qualified session name.
func (s *Session) Name() string {
	return s.name
}

func (s *Session) CreateTime() time.Time {
	return s.createTime
}

func (s *Session) LastUsed() time.Time {
	return s.lastUsed.Load()
}

func (s *Session) State() State {
	switch {
	case s.invalid.Load():
		return Invalid
	case s.checkedOut.Load():
		return InUse
	}
	return Idle
}

// Invalidate marks the session as unusable, for example after the server
// reported it as not found. The pool deletes it when it is released.
func (s *Session) Invalidate() {
	s.invalid.Store(true)
}
