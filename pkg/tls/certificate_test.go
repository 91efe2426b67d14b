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

package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCertificate writes a self-signed certificate and key to dir and
// returns their paths.
func writeTestCertificate(t *testing.T, dir string, notAfter time.Time) (string, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "alerts.example.test", Organization: []string{"Bias Alerts"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"alerts.example.test"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
	return certFile, keyFile
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled ignores fields", cfg: Config{Verify: "bogus"}},
		{name: "minimal", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k"}},
		{name: "missing key", cfg: Config{Enabled: true, CertFile: "c"}, wantErr: true},
		{name: "verify peer needs ca", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k", Verify: VerifyPeer}, wantErr: true},
		{name: "verify peer with ca", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k", CAFile: "ca", Verify: VerifyPeerFailIfNoCert}},
		{name: "unknown verify", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k", Verify: "sometimes"}, wantErr: true},
		{name: "tls 1.3", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.3"}},
		{name: "tls 1.0 rejected", cfg: Config{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertificate(t, dir, time.Now().Add(365*24*time.Hour))

	t.Run("disabled", func(t *testing.T) {
		tlsConfig, info, err := Load(Config{})
		require.NoError(t, err)
		assert.Nil(t, tlsConfig)
		assert.Nil(t, info)
	})

	t.Run("server only", func(t *testing.T) {
		tlsConfig, info, err := Load(Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})
		require.NoError(t, err)
		require.Len(t, tlsConfig.Certificates, 1)
		assert.NotNil(t, tlsConfig.Certificates[0].Leaf)
		assert.Equal(t, tls.NoClientCert, tlsConfig.ClientAuth)
		assert.Equal(t, uint16(tls.VersionTLS13), tlsConfig.MinVersion)
		assert.Contains(t, info.Subject, "alerts.example.test")
		assert.Equal(t, []string{"127.0.0.1"}, info.IPAddresses)
		assert.Len(t, info.Fingerprint, 64)
	})

	t.Run("mutual tls", func(t *testing.T) {
		tlsConfig, _, err := Load(Config{
			Enabled: true, CertFile: certFile, KeyFile: keyFile,
			CAFile: certFile, Verify: VerifyPeerFailIfNoCert,
		})
		require.NoError(t, err)
		assert.Equal(t, tls.RequireAndVerifyClientCert, tlsConfig.ClientAuth)
		assert.NotNil(t, tlsConfig.ClientCAs)
	})

	t.Run("missing files", func(t *testing.T) {
		_, _, err := Load(Config{Enabled: true, CertFile: filepath.Join(dir, "nope.crt"), KeyFile: keyFile})
		assert.Error(t, err)
	})

	t.Run("bad ca bundle", func(t *testing.T) {
		bad := filepath.Join(dir, "ca.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
		_, _, err := Load(Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: bad, Verify: VerifyPeer})
		assert.Error(t, err)
	})
}

func TestInspect(t *testing.T) {
	certFile, _ := writeTestCertificate(t, t.TempDir(), time.Now().Add(time.Hour))
	raw, err := os.ReadFile(certFile)
	require.NoError(t, err)

	info, err := Inspect(raw)
	require.NoError(t, err)
	assert.Equal(t, "42", info.SerialNumber)
	assert.Equal(t, []string{"alerts.example.test"}, info.DNSNames)

	_, err = Inspect([]byte("garbage"))
	assert.Error(t, err)
}

func TestExpiryCheck(t *testing.T) {
	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	info := &CertificateInfo{Subject: "CN=alerts", NotAfter: notAfter}

	testCases := []struct {
		name    string
		now     time.Time
		wantErr error
		failing bool
	}{
		{name: "healthy", now: notAfter.Add(-90 * 24 * time.Hour)},
		{name: "inside warning window", now: notAfter.Add(-24 * time.Hour), failing: true},
		{name: "expired", now: notAfter.Add(time.Minute), wantErr: ErrExpired, failing: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			check := ExpiryCheck(info, 30*24*time.Hour, func() time.Time { return tc.now })
			err := check()
			if !tc.failing {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}
