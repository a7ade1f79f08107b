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

package cli

import (
	"fmt"

	"github.com/cloudspannerecosystem/spannerlib/session"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

const (
	DefaultSamplingRatio = 0.05
	DefaultServiceName   = "spannerlib"
)

// UserConfig is the YAML configuration file of the command.
type UserConfig struct {
	// Database is a connection string, see connection.ConfigFromDSN.
	Database string `yaml:"database"`
	Endpoint string `yaml:"endpoint"`
	// CredentialsFile and CredentialsSecret are mutually exclusive.
	// CredentialsSecret is a Secret Manager secret version holding a service
	// account key, projects/<project>/secrets/<secret>/versions/<version>.
	CredentialsFile   string                  `yaml:"credentialsFile"`
	CredentialsSecret string                  `yaml:"credentialsSecret"`
	UsePlainText      bool                    `yaml:"usePlainText"`
	NumChannels       int                     `yaml:"numChannels"`
	Session           session.Config          `yaml:"session"`
	Transaction       TransactionConfig       `yaml:"transaction"`
	Otel              *OtelConfig             `yaml:"otel"`
	LoggerConfig      *utilities.LoggerConfig `yaml:"loggerConfig"`
}

type TransactionConfig struct {
	MaxAttempts   int  `yaml:"maxAttempts"`
	ExplicitBegin bool `yaml:"explicitBegin"`
}

// OtelConfig defines the structure of the YAML configuration
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	HealthCheck struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"healthcheck"`
	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"metrics"`
	Traces struct {
		Enabled       bool    `yaml:"enabled"`
		Endpoint      string  `yaml:"endpoint"`
		SamplingRatio float64 `yaml:"samplingRatio"`
	} `yaml:"traces"`
}

// LoadConfig reads and parses the configuration from a YAML file
func LoadConfig(fs afero.Fs, filename string) (*UserConfig, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config UserConfig
	if err = yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func ValidateAndApplyDefaults(cfg *UserConfig) error {
	if cfg.Database == "" {
		return fmt.Errorf("database is not defined, set it in the configuration file or with --dsn")
	}
	if _, err := utilities.ParseDSN(cfg.Database); err != nil {
		return err
	}
	if cfg.CredentialsFile != "" && cfg.CredentialsSecret != "" {
		return fmt.Errorf("credentialsFile and credentialsSecret cannot both be set")
	}
	if cfg.Otel != nil && cfg.Otel.Enabled {
		if cfg.Otel.ServiceName == "" {
			cfg.Otel.ServiceName = DefaultServiceName
		}
		if cfg.Otel.Metrics.Enabled && cfg.Otel.Metrics.Endpoint == "" {
			return fmt.Errorf("define otel.metrics.endpoint in config")
		}
		if cfg.Otel.Traces.Enabled && cfg.Otel.Traces.Endpoint == "" {
			return fmt.Errorf("define otel.traces.endpoint in config")
		}
		if cfg.Otel.Traces.SamplingRatio == 0 {
			cfg.Otel.Traces.SamplingRatio = DefaultSamplingRatio
		}
		if cfg.Otel.Traces.SamplingRatio < 0 || cfg.Otel.Traces.SamplingRatio > 1 {
			return fmt.Errorf("sampling ratio for otel traces should be between 0 and 1")
		}
	}
	if cfg.Transaction.MaxAttempts < 0 {
		return fmt.Errorf("transaction.maxAttempts must not be negative")
	}
	return nil
}
