package session

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/agenthive/agenthive/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

var tokenPattern = regexp.MustCompile(`^mcp_[A-Za-z0-9_-]{43}_\d+$`)

func TestCreateSessionTokenFormat(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	session, err := m.CreateSession("agent-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !tokenPattern.MatchString(session.Token) {
		t.Errorf("token %q does not match expected format", session.Token)
	}
	if session.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %q", session.AgentID)
	}

	ttl := session.ExpiresAt.Sub(session.CreatedAt)
	if ttl != DefaultTTL {
		t.Errorf("expected %v ttl, got %v", DefaultTTL, ttl)
	}
}

func TestCreateSessionTokensUnique(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		session, err := m.CreateSession("agent-1", nil)
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if _, dup := seen[session.Token]; dup {
			t.Fatalf("duplicate token generated: %s", session.Token)
		}
		seen[session.Token] = struct{}{}
	}
}

func TestValidate(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	session, _ := m.CreateSession("agent-1", map[string]interface{}{"transport": "http"})
	before := session.LastActivity

	got, err := m.Validate(session.Token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %q", got.AgentID)
	}
	if got.Metadata["transport"] != "http" {
		t.Errorf("expected metadata preserved, got %v", got.Metadata)
	}
	if got.LastActivity.Before(before) {
		t.Error("expected last_activity refreshed")
	}
}

func TestValidateUnknownToken(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	_, err := m.Validate("mcp_not_a_real_token_1")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	m := NewManager(time.Millisecond, time.Hour, newTestLogger(t))

	session, _ := m.CreateSession("agent-1", nil)
	time.Sleep(5 * time.Millisecond)

	_, err := m.Validate(session.Token)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
	// Expired sessions are removed on sight.
	if _, err := m.Validate(session.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after removal, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	session, _ := m.CreateSession("agent-1", nil)
	if !m.Invalidate(session.Token) {
		t.Error("expected Invalidate to report removal")
	}
	if m.Invalidate(session.Token) {
		t.Error("expected second Invalidate to report nothing removed")
	}
	if _, err := m.Validate(session.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListAndInvalidateForAgent(t *testing.T) {
	m := NewManager(0, 0, newTestLogger(t))

	_, _ = m.CreateSession("agent-1", nil)
	_, _ = m.CreateSession("agent-1", nil)
	_, _ = m.CreateSession("agent-2", nil)

	if got := len(m.ListForAgent("agent-1")); got != 2 {
		t.Errorf("expected 2 sessions for agent-1, got %d", got)
	}
	if dropped := m.InvalidateForAgent("agent-1"); dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", dropped)
	}
	if got := len(m.ListForAgent("agent-1")); got != 0 {
		t.Errorf("expected no sessions after invalidation, got %d", got)
	}
	if m.Count() != 1 {
		t.Errorf("expected agent-2 session to survive, count=%d", m.Count())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	m := NewManager(time.Millisecond, time.Hour, newTestLogger(t))

	_, _ = m.CreateSession("agent-1", nil)
	_, _ = m.CreateSession("agent-2", nil)
	time.Sleep(5 * time.Millisecond)

	if removed := m.Sweep(); removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}
	if m.Count() != 0 {
		t.Errorf("expected all sessions swept, count=%d", m.Count())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := NewManager(0, time.Minute, newTestLogger(t))
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	m.Stop()
	m.Stop()
}
