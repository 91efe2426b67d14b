// Copyright 2023 The biasalert-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls builds the listener TLS configuration for secure WebSocket
// (wss) connections and reports on the serving certificate.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// VerifyMode defines how client certificates are checked.
type VerifyMode string

const (
	// VerifyNone does not request client certificates.
	VerifyNone VerifyMode = "none"
	// VerifyPeer verifies a client certificate if one is presented.
	VerifyPeer VerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert requires and verifies a client certificate.
	VerifyPeerFailIfNoCert VerifyMode = "verify_peer_fail_if_no_peer_cert"
)

var (
	// ErrNoCertificate is returned when certFile or keyFile is missing.
	ErrNoCertificate = errors.New("tls: certFile and keyFile are required")
	// ErrExpired is returned by an expiry check once NotAfter has passed.
	ErrExpired = errors.New("tls: certificate has expired")
)

// Config describes the wss listener.
type Config struct {
	Enabled    bool       `yaml:"enabled" json:"enabled"`
	CertFile   string     `yaml:"certFile" json:"certFile" split_words:"true"`
	KeyFile    string     `yaml:"keyFile" json:"keyFile" split_words:"true"`
	CAFile     string     `yaml:"caFile,omitempty" json:"caFile,omitempty" split_words:"true"`
	Verify     VerifyMode `yaml:"verify,omitempty" json:"verify,omitempty"`
	MinVersion string     `yaml:"minVersion,omitempty" json:"minVersion,omitempty" split_words:"true"`
}

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	DNSNames     []string  `json:"dnsNames,omitempty"`
	IPAddresses  []string  `json:"ipAddresses,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
}

// Validate checks c without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return ErrNoCertificate
	}
	switch c.Verify {
	case "", VerifyNone:
	case VerifyPeer, VerifyPeerFailIfNoCert:
		if c.CAFile == "" {
			return fmt.Errorf("tls: verify %q requires caFile", c.Verify)
		}
	default:
		return fmt.Errorf("tls: unknown verify mode %q", c.Verify)
	}
	if _, err := parseVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// Load reads the key pair and optional client CA bundle named by c and
// returns the listener configuration with the parsed leaf certificate.
func Load(c Config) (*tls.Config, *CertificateInfo, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if !c.Enabled {
		return nil, nil, nil
	}

	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("tls: parse certificate: %w", err)
	}
	pair.Leaf = leaf

	minVersion, _ := parseVersion(c.MinVersion)
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVersion,
	}

	switch c.Verify {
	case VerifyPeer:
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	if tlsConfig.ClientAuth != tls.NoClientCert {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("tls: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, nil, errors.New("tls: failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, describe(leaf), nil
}

// Inspect parses the first certificate in a PEM bundle.
func Inspect(certPEM []byte) (*CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("tls: failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tls: parse certificate: %w", err)
	}
	return describe(cert), nil
}

func describe(cert *x509.Certificate) *CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// ExpiresWithin reports whether the certificate expires within d of now.
func (i *CertificateInfo) ExpiresWithin(now time.Time, d time.Duration) bool {
	return i.NotAfter.Sub(now) <= d
}

// ExpiryCheck returns a health check that fails once the certificate has
// expired or will expire within warn.
func ExpiryCheck(info *CertificateInfo, warn time.Duration, now func() time.Time) func() error {
	if now == nil {
		now = time.Now
	}
	return func() error {
		t := now()
		if t.After(info.NotAfter) {
			return ErrExpired
		}
		if info.ExpiresWithin(t, warn) {
			return fmt.Errorf("tls: certificate %s expires at %s", info.Subject, info.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: unsupported minVersion %q (supported: 1.2, 1.3)", v)
	}
}
