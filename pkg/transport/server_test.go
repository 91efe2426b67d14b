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

package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartStop(t *testing.T) {
	s := NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start("127.0.0.1:0"))
	resp, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = http.Get("http://" + s.Addr().String() + "/")
	assert.Error(t, err)
}

func TestServerStartTLS(t *testing.T) {
	// httptest only lends its localhost certificate and trusting client.
	ref := httptest.NewTLSServer(http.NotFoundHandler())
	defer ref.Close()

	s := NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.TLS)
		_, _ = w.Write([]byte("secure"))
	}))
	s.UseTLS(&tls.Config{Certificates: ref.TLS.Certificates})
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer func() { _ = s.Stop(context.Background()) }()

	resp, err := ref.Client().Get("https://" + s.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, err := http.Get("http://" + s.Addr().String() + "/")
	require.NoError(t, err)
	plain.Body.Close()
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
}

func TestServerStartInvalidAddr(t *testing.T) {
	s := NewServer(http.NotFoundHandler())
	assert.Error(t, s.Start("256.0.0.1:bad"))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestOriginAllowed(t *testing.T) {
	testCases := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no list", origin: "https://evil.example", want: true},
		{name: "wildcard", origin: "https://evil.example", allowed: []string{"*"}, want: true},
		{name: "listed", origin: "https://app.example", allowed: []string{"https://app.example"}, want: true},
		{name: "case insensitive", origin: "HTTPS://APP.EXAMPLE", allowed: []string{"https://app.example"}, want: true},
		{name: "not listed", origin: "https://evil.example", allowed: []string{"https://app.example"}},
		{name: "no origin header", allowed: []string{"https://app.example"}, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, OriginAllowed(r, tc.allowed))
		})
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:51234"
	assert.Equal(t, "198.51.100.4", RemoteIP(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", RemoteIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", RemoteIP(r))
}

func TestProxyResolverClientIP(t *testing.T) {
	resolver, err := NewProxyResolver([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	testCases := []struct {
		name     string
		resolver *ProxyResolver
		peer     string
		xff      string
		realIP   string
		want     string
	}{
		{name: "no proxies configured", resolver: nil, peer: "10.1.2.3:80", xff: "198.51.100.7", want: "10.1.2.3"},
		{name: "untrusted peer spoofing", resolver: resolver, peer: "203.0.113.9:80", xff: "198.51.100.7", want: "203.0.113.9"},
		{name: "trusted peer", resolver: resolver, peer: "10.1.2.3:80", xff: "198.51.100.7", want: "198.51.100.7"},
		{name: "proxy chain", resolver: resolver, peer: "10.1.2.3:80", xff: "198.51.100.7, 192.0.2.1, 10.9.9.9", want: "198.51.100.7"},
		{name: "client prepended forgery", resolver: resolver, peer: "10.1.2.3:80", xff: "1.2.3.4, 198.51.100.7", want: "198.51.100.7"},
		{name: "only proxies", resolver: resolver, peer: "10.1.2.3:80", xff: "10.0.0.5, 10.0.0.6", want: "10.0.0.5"},
		{name: "real ip fallback", resolver: resolver, peer: "192.0.2.1:80", realIP: "198.51.100.8", want: "198.51.100.8"},
		{name: "garbage header", resolver: resolver, peer: "10.1.2.3:80", xff: "unknown", want: "10.1.2.3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.peer
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, tc.resolver.ClientIP(r))
		})
	}

	_, err = NewProxyResolver([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestConn(t *testing.T) {
	serverConn := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, 0)
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		serverConn <- c
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer client.Close()

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})

	c := <-serverConn
	assert.Equal(t, DefaultWriteTimeout, c.writeTimeout)
	require.NoError(t, c.Send([]byte(`{"type":"connection_status"}`)))
	require.NoError(t, c.Ping())

	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.JSONEq(t, `{"type":"connection_status"}`, string(data))

	require.NoError(t, c.Close(strings.Repeat("x", 200)))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Len(t, closeErr.Text, maxCloseReason)

	select {
	case <-pinged:
	default:
		t.Fatal("ping handler not invoked before close")
	}
}
