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

// Package x509 authenticates WebSocket clients from the certificate they
// presented during a mutual TLS handshake.
package x509

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/turtacn/biasalert-go/pkg/auth"
)

// IdentitySource defines how to extract identity from certificate
type IdentitySource string

const (
	// IdentityFromSubjectDN extracts identity from certificate subject DN
	IdentityFromSubjectDN IdentitySource = "subject_dn"
	// IdentityFromSubjectCN extracts identity from certificate subject common name
	IdentityFromSubjectCN IdentitySource = "subject_cn"
	// IdentityFromSAN extracts identity from Subject Alternative Names
	IdentityFromSAN IdentitySource = "san"
	// IdentityFromSerial extracts identity from certificate serial number
	IdentityFromSerial IdentitySource = "serial"
	// IdentityFromFingerprint extracts identity from certificate fingerprint
	IdentityFromFingerprint IdentitySource = "fingerprint"
)

var (
	// ErrNoCertificate means the connection carried no client certificate.
	// Such connections fall back to token authentication.
	ErrNoCertificate = errors.New("no client certificate")
	// ErrRevoked is returned for certificates on the revocation list.
	ErrRevoked = errors.New("certificate revoked")
	// ErrNotAllowed is returned when the identity fails allowedCNs or
	// identityPattern.
	ErrNotAllowed = errors.New("certificate identity not allowed")
)

// Config represents X.509 authentication configuration
type Config struct {
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	IdentitySource  IdentitySource `yaml:"identitySource,omitempty" json:"identitySource,omitempty" split_words:"true"`
	IdentityField   string         `yaml:"identityField,omitempty" json:"identityField,omitempty" split_words:"true"`
	IdentityPattern string         `yaml:"identityPattern,omitempty" json:"identityPattern,omitempty" split_words:"true"`
	AllowedCNs      []string       `yaml:"allowedCNs,omitempty" json:"allowedCNs,omitempty" envconfig:"ALLOWED_CNS"`
	RevokedSerials  []string       `yaml:"revokedSerials,omitempty" json:"revokedSerials,omitempty" split_words:"true"`
	Permissions     []string       `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Validate checks the identity source and pattern.
func (c Config) Validate() error {
	switch c.IdentitySource {
	case "", IdentityFromSubjectDN, IdentityFromSubjectCN, IdentityFromSAN, IdentityFromSerial, IdentityFromFingerprint:
	default:
		return fmt.Errorf("unsupported identity source: %s", c.IdentitySource)
	}
	if c.IdentityPattern != "" {
		if _, err := regexp.Compile(c.IdentityPattern); err != nil {
			return fmt.Errorf("invalid identity pattern: %v", err)
		}
	}
	return nil
}

// Authenticator maps verified client certificates to identities.
type Authenticator struct {
	mu      sync.RWMutex
	config  Config
	pattern *regexp.Regexp
	revoked map[string]bool
}

// NewAuthenticator creates a new certificate authenticator.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.IdentitySource == "" {
		config.IdentitySource = IdentityFromSubjectCN
	}

	a := &Authenticator{config: config, revoked: make(map[string]bool)}
	if config.IdentityPattern != "" {
		a.pattern = regexp.MustCompile(config.IdentityPattern)
	}
	for _, serial := range config.RevokedSerials {
		a.revoked[serial] = true
	}
	return a, nil
}

// Name returns the authenticator name
func (a *Authenticator) Name() string {
	return "x509"
}

// Enabled returns whether the authenticator is enabled
func (a *Authenticator) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// SetEnabled enables or disables the authenticator
func (a *Authenticator) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Enabled = enabled
}

// Identify returns the identity carried by the verified peer certificate in
// state. The handshake has already checked the chain against the configured
// client CAs.
func (a *Authenticator) Identify(state *tls.ConnectionState) (auth.Identity, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return auth.Identity{}, ErrNoCertificate
	}
	if len(state.VerifiedChains) == 0 {
		return auth.Identity{}, fmt.Errorf("%w: certificate was not verified", auth.ErrInvalidToken)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	cert := state.PeerCertificates[0]
	if a.revoked[cert.SerialNumber.String()] {
		return auth.Identity{}, ErrRevoked
	}
	if len(a.config.AllowedCNs) > 0 && !a.isAllowedCN(cert.Subject.CommonName) {
		return auth.Identity{}, ErrNotAllowed
	}

	identity, err := a.extractIdentity(cert)
	if err != nil {
		return auth.Identity{}, err
	}
	if a.pattern != nil && !a.pattern.MatchString(identity) {
		return auth.Identity{}, ErrNotAllowed
	}

	return auth.Identity{
		UserID:      identity,
		Permissions: append([]string(nil), a.config.Permissions...),
	}, nil
}

// Revoke adds a certificate serial number to the revocation list
func (a *Authenticator) Revoke(serial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[serial] = true
}

// Unrevoke removes a certificate serial number from the revocation list
func (a *Authenticator) Unrevoke(serial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.revoked, serial)
}

// extractIdentity extracts identity from certificate based on configuration
func (a *Authenticator) extractIdentity(cert *x509.Certificate) (string, error) {
	switch a.config.IdentitySource {
	case IdentityFromSubjectDN:
		return cert.Subject.String(), nil

	case IdentityFromSubjectCN:
		if cert.Subject.CommonName == "" {
			return "", errors.New("certificate subject common name is empty")
		}
		return cert.Subject.CommonName, nil

	case IdentityFromSAN:
		switch strings.ToLower(a.config.IdentityField) {
		case "":
			if len(cert.DNSNames) > 0 {
				return cert.DNSNames[0], nil
			}
			if len(cert.EmailAddresses) > 0 {
				return cert.EmailAddresses[0], nil
			}
		case "dns":
			if len(cert.DNSNames) > 0 {
				return cert.DNSNames[0], nil
			}
		case "email":
			if len(cert.EmailAddresses) > 0 {
				return cert.EmailAddresses[0], nil
			}
		case "uri":
			if len(cert.URIs) > 0 {
				return cert.URIs[0].String(), nil
			}
		}
		return "", fmt.Errorf("SAN field %q not found", a.config.IdentityField)

	case IdentityFromSerial:
		return cert.SerialNumber.String(), nil

	case IdentityFromFingerprint:
		sum := sha256.Sum256(cert.Raw)
		return fmt.Sprintf("%x", sum[:]), nil

	default:
		return "", fmt.Errorf("unsupported identity source: %s", a.config.IdentitySource)
	}
}

// isAllowedCN checks if the common name is in the allowed list. Entries of
// the form "*.example.org" match any subdomain.
func (a *Authenticator) isAllowedCN(cn string) bool {
	for _, allowed := range a.config.AllowedCNs {
		if allowed == cn {
			return true
		}
		if domain, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(cn, "."+domain) || cn == domain {
				return true
			}
		}
	}
	return false
}
