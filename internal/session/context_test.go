package session

import "testing"

func TestStdioContext(t *testing.T) {
	ctx := StdioContext()
	if ctx.ConnectionType != ConnectionLocal || ctx.SecurityLevel != SecurityTrusted {
		t.Errorf("expected local/trusted, got %s/%s", ctx.ConnectionType, ctx.SecurityLevel)
	}
	if !ctx.IsLocal() {
		t.Error("expected IsLocal")
	}
}

func TestHTTPContextClassification(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		secure     bool
		connType   ConnectionType
		level      SecurityLevel
	}{
		{"loopback v4", "127.0.0.1:51234", false, ConnectionLocal, SecurityTrusted},
		{"loopback v6", "[::1]:51234", false, ConnectionLocal, SecurityTrusted},
		{"loopback name", "localhost:8700", false, ConnectionLocal, SecurityTrusted},
		{"remote https", "203.0.113.9:443", true, ConnectionRemote, SecuritySandboxed},
		{"remote http", "203.0.113.9:80", false, ConnectionRemote, SecurityRestricted},
		{"no port", "203.0.113.9", false, ConnectionRemote, SecurityRestricted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := HTTPContext(tt.remoteAddr, tt.secure, "https://app.example", "test-agent")
			if ctx.ConnectionType != tt.connType {
				t.Errorf("expected %s connection, got %s", tt.connType, ctx.ConnectionType)
			}
			if ctx.SecurityLevel != tt.level {
				t.Errorf("expected %s level, got %s", tt.level, ctx.SecurityLevel)
			}
		})
	}
}

func TestWebSocketContextClassification(t *testing.T) {
	remote := WebSocketContext("203.0.113.9:51234", "", "")
	if remote.ConnectionType != ConnectionWeb || remote.SecurityLevel != SecuritySandboxed {
		t.Errorf("expected web/sandboxed, got %s/%s", remote.ConnectionType, remote.SecurityLevel)
	}

	local := WebSocketContext("127.0.0.1:51234", "", "")
	if local.ConnectionType != ConnectionLocal || local.SecurityLevel != SecurityTrusted {
		t.Errorf("expected loopback websocket to stay local/trusted, got %s/%s",
			local.ConnectionType, local.SecurityLevel)
	}
}

func TestHTTPContextPreservesCallerMetadata(t *testing.T) {
	ctx := HTTPContext("203.0.113.9:443", true, "https://app.example", "agent/1.0")
	if ctx.RemoteIP != "203.0.113.9" {
		t.Errorf("expected port stripped, got %q", ctx.RemoteIP)
	}
	if ctx.Origin != "https://app.example" || ctx.UserAgent != "agent/1.0" {
		t.Errorf("expected origin and user agent preserved, got %q %q", ctx.Origin, ctx.UserAgent)
	}
}
