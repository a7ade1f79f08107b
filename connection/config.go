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

package connection

import (
	"fmt"

	otelgo "github.com/cloudspannerecosystem/spannerlib/otel"
	"github.com/cloudspannerecosystem/spannerlib/session"
	"github.com/cloudspannerecosystem/spannerlib/transport"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const (
	Version                   = "0.1.1"
	DefaultUserAgent          = "spannerlib-go/" + Version
	DefaultStatementCacheSize = 1000
)

type Config struct {
	// Database is projects/<project>/instances/<instance>/databases/<database>.
	Database  string
	Transport transport.Config
	Session   session.Config
	// MaxAttempts bounds the executions of a read-write transaction.
	MaxAttempts int
	Backoff     gax.Backoff
	// ExplicitBegin starts read-write transactions with a separate
	// BeginTransaction call.
	ExplicitBegin bool
	// StatementCacheSize is the number of SQL strings whose kind is cached.
	StatementCacheSize int
	Telemetry          *otelgo.OpenTelemetry
	Logger             *zap.Logger
}

func (c *Config) ApplyDefaults() {
	c.Logger = utilities.GetOrCreateNopLogger(c.Logger)
	if c.Telemetry == nil {
		c.Telemetry = otelgo.Disabled()
	}
	if c.StatementCacheSize <= 0 {
		c.StatementCacheSize = DefaultStatementCacheSize
	}
	if c.Transport.Database == "" {
		c.Transport.Database = c.Database
	}
	if c.Transport.UserAgent == "" {
		c.Transport.UserAgent = DefaultUserAgent
	}
	if c.Transport.Logger == nil {
		c.Transport.Logger = c.Logger
	}
}

func (c *Config) Validate() error {
	if _, err := utilities.ParseDSN(c.Database); err != nil || c.Database == "" {
		return fmt.Errorf("invalid database name %q, expected "+utilities.DatabaseNameFormat, c.Database, "<project>", "<instance>", "<database>")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must not be negative, got %d", c.MaxAttempts)
	}
	return nil
}

// ConfigFromDSN builds a Config from a connection string such as
//
//	localhost:9010/projects/p/instances/i/databases/d;usePlainText=true;minSessions=1
//
// Supported parameters are usePlainText, credentials, numChannels,
// minSessions, maxSessions, maxAttempts and explicitBegin.
func ConfigFromDSN(dsn string) (Config, error) {
	d, err := utilities.ParseDSN(dsn)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Database: d.DatabaseName()}
	cfg.Transport.Endpoint = d.Host
	cfg.Transport.CredentialsFile = d.Params["credentials"]
	if cfg.Transport.UsePlainText, err = d.BoolParam("usePlainText", false); err != nil {
		return Config{}, err
	}
	if cfg.ExplicitBegin, err = d.BoolParam("explicitBegin", false); err != nil {
		return Config{}, err
	}
	if cfg.Transport.NumChannels, err = d.IntParam("numChannels", 0); err != nil {
		return Config{}, err
	}
	if cfg.Session.MinSessions, err = d.IntParam("minSessions", 0); err != nil {
		return Config{}, err
	}
	if cfg.Session.MaxSessions, err = d.IntParam("maxSessions", 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = d.IntParam("maxAttempts", 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
