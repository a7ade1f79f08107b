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

package utilities

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/credentials"
)

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{"info", zap.InfoLevel},
		{"warn", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{"verbose", zap.InfoLevel},
		{"", zap.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getLogLevel(tt.input).Level(), "level %q", tt.input)
	}
}

func TestSetupLogger(t *testing.T) {
	logger, err := SetupLogger("debug", nil)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = SetupLogger("warn", &LoggerConfig{Encoding: consoleEncoding})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	file := filepath.Join(t.TempDir(), "spannerlib.log")
	logger, err = SetupLogger("info", &LoggerConfig{OutputType: "file", Filename: file})
	require.NoError(t, err)
	logger.Info("session pool started", zap.Int("sessions", 4))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session pool started")
	assert.Contains(t, string(data), `"sessions":4`)
}

func TestGetOrCreateNopLogger(t *testing.T) {
	assert.NotNil(t, GetOrCreateNopLogger(nil))
	l := zap.NewExample()
	assert.Same(t, l, GetOrCreateNopLogger(l))
}

// writeCertificate writes a self-signed certificate and its key as PEM files into dir.
func writeCertificate(t *testing.T, dir, name string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestNewCred(t *testing.T) {
	dir := t.TempDir()
	caCert, _ := writeCertificate(t, dir, "ca")
	clientCert, clientKey := writeCertificate(t, dir, "client")
	notPEM := filepath.Join(dir, "garbage.crt")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))

	tests := []struct {
		name           string
		caCertPath     string
		clientCertPath string
		clientKeyPath  string
		wantErr        bool
	}{
		{name: "Missing CA certificate", wantErr: true},
		{name: "Invalid CA certificate path", caCertPath: "invalid/path/to/ca.crt", wantErr: true},
		{name: "CA file is not PEM", caCertPath: notPEM, wantErr: true},
		{name: "mTLS: Missing client key", caCertPath: caCert, clientCertPath: clientCert, wantErr: true},
		{name: "mTLS: Missing client cert", caCertPath: caCert, clientKeyPath: clientKey, wantErr: true},
		{name: "TLS: Valid CA certificate", caCertPath: caCert},
		{name: "mTLS: Valid CA, client cert, and key", caCertPath: caCert, clientCertPath: clientCert, clientKeyPath: clientKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := NewCred(tt.caCertPath, tt.clientCertPath, tt.clientKeyPath)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Implements(t, (*credentials.TransportCredentials)(nil), cred)
		})
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		want    DSN
		wantErr bool
	}{
		{
			name: "database only",
			dsn:  "projects/p/instances/i/databases/d",
			want: DSN{Project: "p", Instance: "i", Database: "d", Params: map[string]string{}},
		},
		{
			name: "emulator host with params",
			dsn:  "localhost:9010/projects/test-project/instances/test-instance/databases/test_db;usePlainText=true;minSessions=2",
			want: DSN{
				Host: "localhost:9010", Project: "test-project", Instance: "test-instance", Database: "test_db",
				Params: map[string]string{"useplaintext": "true", "minsessions": "2"},
			},
		},
		{name: "missing database", dsn: "projects/p/instances/i", wantErr: true},
		{name: "bad param", dsn: "projects/p/instances/i/databases/d;novalue", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	d, err := ParseDSN("projects/p/instances/i/databases/d;usePlainText=true;minSessions=x")
	require.NoError(t, err)
	assert.Equal(t, "projects/p/instances/i/databases/d", d.DatabaseName())
	plain, err := d.BoolParam("usePlainText", false)
	assert.NoError(t, err)
	assert.True(t, plain)
	_, err = d.IntParam("minSessions", 0)
	assert.Error(t, err)
	n, err := d.IntParam("maxSessions", 400)
	assert.NoError(t, err)
	assert.Equal(t, 400, n)
}

func TestParseDurationToSeconds(t *testing.T) {
	tests := []struct {
		input          string
		expectedOutput int64
		expectError    bool
	}{
		{"1s", 1, false},
		{"60s", 60, false},
		{"1m", 60, false},
		{"2m", 120, false},
		{"1h", 3600, false},
		{"3h", 10800, false},
		{"", 0, true},
		{"1", 0, true},
		{"1x", 0, true},
		{"invalid", 0, true},
		{"1.5h", 0, true},
		{"-1m", 0, true},
		{"5d", 0, true},
	}

	for _, test := range tests {
		output, err := ParseDurationToSeconds(test.input)
		if test.expectError && err == nil {
			t.Errorf("Expected error for input %s, but got none", test.input)
		} else if !test.expectError && err != nil {
			t.Errorf("Did not expect error for input %s, but got %v", test.input, err)
		} else if output != test.expectedOutput {
			t.Errorf("Expected output %d for input %s, but got %d", test.expectedOutput, test.input, output)
		}
	}
}
