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
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ReasonShutdown is the close reason sent when the server stops.
const ReasonShutdown = "server shutting down"

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// maxCloseReason is the longest reason that fits a close frame.
const maxCloseReason = 123

// Conn adapts a WebSocket connection to the registry's transport contract.
// Send and Ping must not be called concurrently; the registry serialises
// them. Close may be called from any goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewConn wraps ws. A non-positive writeTimeout selects DefaultWriteTimeout.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Send writes data as one text frame.
func (c *Conn) Send(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame carrying reason and closes the socket.
func (c *Conn) Close(reason string) error {
	code := websocket.ClosePolicyViolation
	if reason == ReasonShutdown {
		code = websocket.CloseGoingAway
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}

// OriginAllowed reports whether r's Origin header is in allowed. An empty
// list or "*" allows every origin, and requests without an Origin header
// (non-browser clients) are always allowed.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// RemoteIP returns the peer IP of r without the port.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ProxyResolver finds the client address of requests that arrive through
// trusted reverse proxies. Forwarding headers from any other peer are
// ignored, since a client can set them freely.
type ProxyResolver struct {
	trusted []*net.IPNet
}

// NewProxyResolver creates a ProxyResolver trusting the given IPs and CIDRs.
// With none, ClientIP is RemoteIP.
func NewProxyResolver(proxies []string) (*ProxyResolver, error) {
	p := &ProxyResolver{}
	for _, v := range proxies {
		v = strings.TrimSpace(v)
		if !strings.Contains(v, "/") {
			ip := net.ParseIP(v)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", v)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			p.trusted = append(p.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		p.trusted = append(p.trusted, network)
	}
	return p, nil
}

func (p *ProxyResolver) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range p.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address bans and rate limits apply to. When the peer
// is a trusted proxy, X-Forwarded-For is walked from the right and the first
// hop that is not a trusted proxy wins; X-Real-IP is the fallback.
func (p *ProxyResolver) ClientIP(r *http.Request) string {
	peer := RemoteIP(r)
	if p == nil || len(p.trusted) == 0 || !p.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !p.isTrusted(hop) || i == 0 {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}
