// Package heartbeat keeps idle agents alive: one timer per tracked agent
// fires a registry heartbeat so agents between tool calls do not drift past
// the offline threshold. Dispatcher-wrapped calls re-arm the timer, making
// the scheduler quiet for active agents.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// DefaultInterval is how often an idle agent is pinged.
const DefaultInterval = 10 * time.Second

// Beater is the registry surface the scheduler drives.
type Beater interface {
	Heartbeat(ctx context.Context, agentID string) error
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the shipped tuning.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Scheduler owns the per-agent heartbeat timers. When an event bus is wired
// it tracks agents automatically from registration events; the dispatcher
// additionally calls Track after every wrapped call.
type Scheduler struct {
	registry Beater
	eventBus bus.EventBus
	config   Config
	logger   *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	subs    []bus.Subscription
	running bool
}

// NewScheduler creates a heartbeat scheduler. Zero config selects defaults.
func NewScheduler(registry Beater, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		registry: registry,
		eventBus: eventBus,
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "heartbeat-scheduler")),
		timers:   make(map[string]*time.Timer),
	}
}

// Start subscribes to agent lifecycle events. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	if s.eventBus != nil {
		if err := s.subscribeLocked(); err != nil {
			s.running = false
			return err
		}
	}

	s.logger.Info("heartbeat scheduler started",
		zap.Duration("interval", s.config.Interval))
	return nil
}

func (s *Scheduler) subscribeLocked() error {
	onRegistered := func(ctx context.Context, e *bus.Event) error {
		if id, ok := e.Data["agent_id"].(string); ok {
			s.Track(id)
		}
		return nil
	}
	onUnregistered := func(ctx context.Context, e *bus.Event) error {
		if id, ok := e.Data["agent_id"].(string); ok {
			s.Untrack(id)
		}
		return nil
	}

	for _, spec := range []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.BuildAgentRegisteredWildcardSubject(), onRegistered},
		{events.AgentUnregistered, onUnregistered},
		{events.AgentUnregisteredWithReassignment, onUnregistered},
	} {
		sub, err := s.eventBus.Subscribe(spec.subject, spec.handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", spec.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop cancels every timer and drops the subscriptions. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	s.subs = nil

	s.logger.Info("heartbeat scheduler stopped")
}

// Track arms the timer for an agent, resetting any existing one. Calling it
// after each tool call keeps the scheduler silent while the agent is active.
func (s *Scheduler) Track(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if timer, ok := s.timers[agentID]; ok {
		timer.Stop()
	}
	s.timers[agentID] = time.AfterFunc(s.config.Interval, func() {
		s.fire(agentID)
	})
}

// Untrack cancels an agent's timer.
func (s *Scheduler) Untrack(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[agentID]; ok {
		timer.Stop()
		delete(s.timers, agentID)
	}
}

// Tracked returns the number of agents with an armed timer.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire pings the registry for one agent and re-arms. Firing during shutdown
// or after Untrack is a no-op; an unknown agent drops out of tracking.
func (s *Scheduler) fire(agentID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, ok := s.timers[agentID]; !ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.registry.Heartbeat(context.Background(), agentID); err != nil {
		s.logger.Debug("dropping heartbeat timer",
			zap.String("agent_id", agentID),
			zap.Error(err))
		s.Untrack(agentID)
		return
	}

	s.Track(agentID)
}
