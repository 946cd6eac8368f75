package session

import (
	"net"
	"strings"
)

// ConnectionType classifies how a caller reached the broker
type ConnectionType string

const (
	ConnectionLocal  ConnectionType = "local"
	ConnectionRemote ConnectionType = "remote"
	ConnectionWeb    ConnectionType = "web"
)

// SecurityLevel is the trust granted to a caller
type SecurityLevel string

const (
	SecurityTrusted    SecurityLevel = "trusted"
	SecuritySandboxed  SecurityLevel = "sandboxed"
	SecurityRestricted SecurityLevel = "restricted"
)

// ClientContext carries what the broker knows about a transport-level
// caller. Transports build it once per connection or request.
type ClientContext struct {
	ConnectionType ConnectionType         `json:"connection_type"`
	SecurityLevel  SecurityLevel          `json:"security_level"`
	RemoteIP       string                 `json:"remote_ip,omitempty"`
	Origin         string                 `json:"origin,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	ClientInfo     map[string]interface{} `json:"client_info,omitempty"`
	Capabilities   map[string]interface{} `json:"capabilities,omitempty"`
	SessionAgentID string                 `json:"-"`
}

// IsLocal reports whether the caller gets the unfiltered tool surface.
func (c *ClientContext) IsLocal() bool {
	return c != nil && c.ConnectionType == ConnectionLocal
}

// StdioContext classifies the process-pipe transport: always local and
// trusted.
func StdioContext() *ClientContext {
	return &ClientContext{
		ConnectionType: ConnectionLocal,
		SecurityLevel:  SecurityTrusted,
	}
}

// HTTPContext classifies an HTTP caller. Loopback peers are local and
// trusted; anything else is remote, sandboxed over TLS and restricted over
// plain HTTP.
func HTTPContext(remoteAddr string, secure bool, origin, userAgent string) *ClientContext {
	ip := hostOnly(remoteAddr)
	ctx := &ClientContext{
		RemoteIP:  ip,
		Origin:    origin,
		UserAgent: userAgent,
	}
	switch {
	case isLoopback(ip):
		ctx.ConnectionType = ConnectionLocal
		ctx.SecurityLevel = SecurityTrusted
	case secure:
		ctx.ConnectionType = ConnectionRemote
		ctx.SecurityLevel = SecuritySandboxed
	default:
		ctx.ConnectionType = ConnectionRemote
		ctx.SecurityLevel = SecurityRestricted
	}
	return ctx
}

// WebSocketContext classifies a WebSocket caller. Loopback peers stay
// local and trusted; everyone else is web and sandboxed.
func WebSocketContext(remoteAddr, origin, userAgent string) *ClientContext {
	ip := hostOnly(remoteAddr)
	ctx := &ClientContext{
		RemoteIP:  ip,
		Origin:    origin,
		UserAgent: userAgent,
	}
	if isLoopback(ip) {
		ctx.ConnectionType = ConnectionLocal
		ctx.SecurityLevel = SecurityTrusted
		return ctx
	}
	ctx.ConnectionType = ConnectionWeb
	ctx.SecurityLevel = SecuritySandboxed
	return ctx
}

// hostOnly strips a port from an address when one is present.
func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func isLoopback(ip string) bool {
	if ip == "" {
		return false
	}
	if strings.EqualFold(ip, "localhost") {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
