// Package session manages agent bearer sessions, caller trust
// classification, and trust-based tool filtering.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

const (
	// DefaultTTL is the session lifetime when none is configured.
	DefaultTTL = 60 * time.Minute
	// DefaultSweepInterval is how often expired sessions are reaped.
	DefaultSweepInterval = 5 * time.Minute
)

var (
	// ErrSessionNotFound is returned for unknown tokens
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for known but expired tokens
	ErrSessionExpired = errors.New("session expired")
)

// Session ties a bearer token to an agent
type Session struct {
	Token        string                 `json:"token"`
	AgentID      string                 `json:"agent_id"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	LastActivity time.Time              `json:"last_activity"`
}

// Manager owns all sessions. Accesses are serialized; a background sweep
// deletes expired entries.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *logger.Logger

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a session manager. Zero durations select the defaults.
func NewManager(ttl, sweepInterval time.Duration, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        log.WithFields(zap.String("component", "session-manager")),
	}
}

// Start launches the periodic expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info("session manager started",
		zap.Duration("ttl", m.ttl),
		zap.Duration("sweep_interval", m.sweepInterval))
	return nil
}

// Stop halts the sweep loop and waits for it to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("session manager stopped")
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// CreateSession mints a bearer token for an agent.
func (m *Manager) CreateSession(agentID string, metadata map[string]interface{}) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now().UTC()
	session := &Session{
		Token:        token,
		AgentID:      agentID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		Metadata:     metadata,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[token] = session
	m.mu.Unlock()

	m.logger.Debug("session created",
		zap.String("agent_id", agentID),
		zap.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// generateToken builds "mcp_" + base64url(32 random bytes) + "_" + unix
// seconds.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "mcp_" + base64.RawURLEncoding.EncodeToString(buf) +
		"_" + strconv.FormatInt(time.Now().Unix(), 10), nil
}

// Validate resolves a token to its session and refreshes last_activity.
// Expired sessions are removed on sight.
func (m *Manager) Validate(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil, ErrSessionExpired
	}
	session.LastActivity = time.Now().UTC()
	return session, nil
}

// Invalidate removes a session by token.
func (m *Manager) Invalidate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[token]
	delete(m.sessions, token)
	return ok
}

// InvalidateForAgent removes every session belonging to an agent and
// returns how many were dropped.
func (m *Manager) InvalidateForAgent(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped int
	for token, session := range m.sessions {
		if session.AgentID == agentID {
			delete(m.sessions, token)
			dropped++
		}
	}
	return dropped
}

// ListForAgent returns the live sessions for an agent.
func (m *Manager) ListForAgent(agentID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.AgentID == agentID {
			result = append(result, session)
		}
	}
	return result
}

// Count returns the number of tracked sessions, expired included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep deletes expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var removed int
	for token, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept expired sessions", zap.Int("removed", removed))
	}
	return removed
}
