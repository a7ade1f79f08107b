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
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMinSessions         = 100
	DefaultMaxSessions         = 400
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultKeepAliveInterval   = 50 * time.Minute
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultCreateTimeout       = 10 * time.Second
	DefaultMaintenanceInterval = time.Minute

	// maxBatchCreate is the largest session count the server accepts in one
	// BatchCreateSessions call.
	maxBatchCreate = 100
)

// Config controls the size and upkeep of a Pool.
type Config struct {
	// MinSessions are created in the background when the pool starts and are
	// never evicted for idleness.
	MinSessions int `yaml:"minSessions"`
	// MaxSessions caps the sessions that are open or being created.
	MaxSessions int `yaml:"maxSessions"`
	// IdleTimeout evicts idle sessions above MinSessions.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	// KeepAliveInterval pings idle sessions so the server does not expire them.
	KeepAliveInterval   time.Duration     `yaml:"keepAliveInterval"`
	AcquireTimeout      time.Duration     `yaml:"acquireTimeout"`
	CreateTimeout       time.Duration     `yaml:"createTimeout"`
	MaintenanceInterval time.Duration     `yaml:"maintenanceInterval"`
	Labels              map[string]string `yaml:"labels"`

	Clock clockwork.Clock `yaml:"-"`
}

// ApplyDefaults fills unset fields. A config with neither MinSessions nor
// MaxSessions set gets the default pool size.
func (c *Config) ApplyDefaults() {
	if c.MinSessions == 0 && c.MaxSessions == 0 {
		c.MinSessions = DefaultMinSessions
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = max(c.MinSessions, DefaultMaxSessions)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = DefaultCreateTimeout
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("maxSessions must be positive, got %d", c.MaxSessions)
	}
	if c.MinSessions < 0 || c.MinSessions > c.MaxSessions {
		return fmt.Errorf("minSessions must be between 0 and maxSessions (%d), got %d", c.MaxSessions, c.MinSessions)
	}
	if c.IdleTimeout < 0 || c.KeepAliveInterval < 0 || c.AcquireTimeout < 0 || c.CreateTimeout < 0 || c.MaintenanceInterval < 0 {
		return fmt.Errorf("session pool durations must not be negative")
	}
	return nil
}
