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
	"bytes"
	"context"
	"testing"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/spannerlib/connection"
	"github.com/cloudspannerecosystem/spannerlib/transporttest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	selectSQL = "SELECT 1 AS One"
	updateSQL = "UPDATE Singers SET Active = TRUE WHERE TRUE"
	dsn       = transporttest.DefaultDatabase + ";minSessions=1;maxSessions=2"
)

const configYAML = `
database: projects/p/instances/i/databases/d
credentialsFile: /etc/key.json
numChannels: 2
session:
  minSessions: 2
  maxSessions: 10
  acquireTimeout: 3s
transaction:
  maxAttempts: 5
otel:
  enabled: true
  metrics:
    enabled: true
    endpoint: localhost:4317
loggerConfig:
  outputType: stdout
  encoding: console
`

func withFs(t *testing.T, fs afero.Fs) {
	orig := appFs
	appFs = fs
	t.Cleanup(func() { appFs = orig })
}

// withFake makes Run use fake instead of dialing, and returns the config Run
// opened the connection with.
func withFake(t *testing.T) (*transporttest.Fake, *connection.Config) {
	fake := transporttest.New()
	fake.PutQuery(selectSQL, []*spannerpb.StructType_Field{{Name: "One", Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64}}},
		[][]*structpb.Value{{structpb.NewStringValue("1")}})
	fake.PutUpdate(updateSQL, 3)
	var opened connection.Config
	orig := openConnection
	openConnection = func(ctx context.Context, cfg connection.Config) (*connection.Connection, error) {
		opened = cfg
		return connection.New(ctx, fake, cfg)
	}
	t.Cleanup(func() { openConnection = orig })
	withFs(t, afero.NewMemMapFs())
	return fake, &opened
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "config.yaml", []byte(configYAML), 0o644))

	cfg, err := LoadConfig(fs, "config.yaml")
	require.NoError(t, err)
	require.NoError(t, ValidateAndApplyDefaults(cfg))
	assert.Equal(t, "projects/p/instances/i/databases/d", cfg.Database)
	assert.Equal(t, 2, cfg.Session.MinSessions)
	assert.Equal(t, 10, cfg.Session.MaxSessions)
	assert.Equal(t, "3s", cfg.Session.AcquireTimeout.String())
	assert.Equal(t, 5, cfg.Transaction.MaxAttempts)
	require.NotNil(t, cfg.Otel)
	assert.Equal(t, DefaultServiceName, cfg.Otel.ServiceName)
	assert.Equal(t, DefaultSamplingRatio, cfg.Otel.Traces.SamplingRatio)
	assert.Equal(t, "console", cfg.LoggerConfig.Encoding)
}

func TestLoadConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "unknown.yaml", []byte("databse: projects/p/instances/i/databases/d\n"), 0o644))

	_, err := LoadConfig(fs, "missing.yaml")
	assert.ErrorContains(t, err, "failed to read config file")
	_, err = LoadConfig(fs, "unknown.yaml")
	assert.ErrorContains(t, err, "failed to unmarshal config")
}

func TestValidateAndApplyDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  UserConfig
		err  string
	}{
		{"missing database", UserConfig{}, "database is not defined"},
		{"invalid database", UserConfig{Database: "projects/p"}, "invalid connection string"},
		{"both credentials", UserConfig{Database: "projects/p/instances/i/databases/d", CredentialsFile: "key.json", CredentialsSecret: "projects/p/secrets/s/versions/1"}, "cannot both be set"},
		{"negative attempts", UserConfig{Database: "projects/p/instances/i/databases/d", Transaction: TransactionConfig{MaxAttempts: -1}}, "maxAttempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, ValidateAndApplyDefaults(&tt.cfg), tt.err)
		})
	}

	cfg := UserConfig{Database: "projects/p/instances/i/databases/d", Otel: &OtelConfig{Enabled: true}}
	cfg.Otel.Traces.Enabled = true
	assert.ErrorContains(t, ValidateAndApplyDefaults(&cfg), "otel.traces.endpoint")

	cfg.Otel.Traces.Endpoint = "localhost:4317"
	cfg.Otel.Traces.SamplingRatio = 2
	assert.ErrorContains(t, ValidateAndApplyDefaults(&cfg), "between 0 and 1")
}

func TestRunStatements(t *testing.T) {
	fake, opened := withFake(t)
	code, stdout, stderr := run("--dsn", dsn, "--log-level", "error", selectSQL, updateSQL)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "- One: 1\nrowCount: 3\n", stdout)
	assert.Equal(t, transporttest.DefaultDatabase, opened.Database)
	assert.Equal(t, 1, opened.Session.MinSessions)

	reqs := fake.ExecuteRequests()
	require.Len(t, reqs, 2)
	assert.NotNil(t, reqs[0].GetTransaction().GetSingleUse())
	assert.NotNil(t, reqs[1].GetTransaction().GetBegin().GetReadWrite())
	assert.Len(t, fake.CommitRequests(), 1)
}

func TestRunTransaction(t *testing.T) {
	fake, _ := withFake(t)
	code, stdout, stderr := run("--dsn", dsn, "--log-level", "error", "--transaction", "--tag", "cli", selectSQL, updateSQL)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "- One: 1\nrowCount: 3\n", stdout)

	for _, req := range fake.ExecuteRequests() {
		assert.Equal(t, "cli", req.GetRequestOptions().GetTransactionTag())
	}
	commits := fake.CommitRequests()
	require.Len(t, commits, 1)
	assert.Equal(t, []byte("tx-1"), commits[0].GetTransactionId())
}

func TestRunReadsConfigFileAndSecret(t *testing.T) {
	_, opened := withFake(t)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "spannerlib.yaml", []byte(`
database: `+dsn+`
credentialsSecret: projects/p/secrets/key/versions/latest
transaction:
  maxAttempts: 4
  explicitBegin: true
`), 0o644))
	withFs(t, fs)

	var secrets []string
	orig := accessSecret
	accessSecret = func(_ context.Context, name string) ([]byte, error) {
		secrets = append(secrets, name)
		return []byte(`{"type":"service_account"}`), nil
	}
	t.Cleanup(func() { accessSecret = orig })

	code, stdout, stderr := run("-f", "spannerlib.yaml", "--log-level", "error", selectSQL)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "- One: 1\n", stdout)
	assert.Equal(t, []string{"projects/p/secrets/key/versions/latest"}, secrets)
	assert.Equal(t, []byte(`{"type":"service_account"}`), opened.Transport.CredentialsJSON)
	assert.Equal(t, 4, opened.MaxAttempts)
	assert.True(t, opened.ExplicitBegin)
}

func TestRunVersion(t *testing.T) {
	withFake(t)
	code, stdout, _ := run("--version", selectSQL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "Version - "+connection.Version+"\n", stdout)
}

func TestRunErrors(t *testing.T) {
	withFake(t)
	tests := []struct {
		name string
		args []string
	}{
		{"invalid log level", []string{"--dsn", dsn, "--log-level", "trace", selectSQL}},
		{"missing database", []string{"--log-level", "error", selectSQL}},
		{"missing config file", []string{"-f", "missing.yaml", "--dsn", dsn, selectSQL}},
		{"no statements", []string{"--dsn", dsn, "--log-level", "error"}},
		{"DDL", []string{"--dsn", dsn, "--log-level", "error", "DROP TABLE Singers"}},
		{"unknown statement", []string{"--dsn", dsn, "--log-level", "error", "SELECT * FROM Unknown"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(tt.args...)
			assert.Equal(t, 1, code)
			assert.NotEmpty(t, stderr)
		})
	}
}
