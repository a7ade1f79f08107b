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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

var readFile = os.ReadFile

// NewCred creates credentials for a TLS or mTLS connection to a Spanner endpoint other than the default one.
// A CA certificate is required; the client certificate and key are either both set (mTLS) or both empty (TLS).
func NewCred(caCertificate, clientCertificate, clientKey string) (credentials.TransportCredentials, error) {
	if caCertificate == "" {
		return nil, fmt.Errorf("ca certificate is required to establish TLS/mTLS connection")
	}
	caCert, err := readFile(caCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	capool := x509.NewCertPool()
	if !capool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append the CA certificate to CA pool")
	}
	if clientCertificate == "" && clientKey == "" {
		return credentials.NewTLS(&tls.Config{RootCAs: capool}), nil
	}
	if clientCertificate == "" || clientKey == "" {
		return nil, fmt.Errorf("both client certificate and client key are required to establish mTLS connection")
	}
	cert, err := tls.LoadX509KeyPair(clientCertificate, clientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert and key: %w", err)
	}
	return credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: capool}), nil
}
