package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

var (
	// ErrBusClosed is returned when operating on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrRequestTimeout is returned when a request receives no reply in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// MemoryEventBus implements EventBus in-process. Handlers run synchronously
// in subscription order, so events from a single publisher are observed in
// publish order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup // keyed by queue + ":" + subject
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	id      string
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	queue   string // Empty for regular subscriptions
	active  bool
}

// queueGroup delivers each event to exactly one member, round-robin
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// NewMemoryEventBus creates an in-process event bus suitable for
// single-binary deployments and tests.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// compilePattern converts a NATS-style subject pattern into a regexp.
// "*" matches exactly one token, ">" matches one or more trailing tokens.
func compilePattern(subject string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(subject)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves '>' untouched, so the literal token is replaced here.
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	return regexp.Compile("^" + escaped + "$")
}

func validateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("subject must not be empty")
	}
	return nil
}

// Publish delivers an event to every matching subscription. Handlers run
// synchronously outside the bus lock, so a handler may publish or subscribe
// without deadlocking while per-publisher ordering is preserved.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := b.collectHandlersLocked(subject)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// collectHandlersLocked gathers every handler that should see an event on
// subject: all matching direct subscriptions plus one member of each
// matching queue group. Caller holds at least a read lock.
func (b *MemoryEventBus) collectHandlersLocked(subject string) []EventHandler {
	var handlers []EventHandler
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.active && sub.pattern.MatchString(subject) {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	for _, group := range b.queues {
		if sub := group.pick(subject); sub != nil {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// pick returns the next round-robin member whose pattern matches subject,
// or nil when no member matches.
func (g *queueGroup) pick(subject string) *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.subscribers)
	for i := 0; i < n; i++ {
		sub := g.subscribers[(g.nextIndex+i)%n]
		if sub.active && sub.pattern.MatchString(subject) {
			g.nextIndex = (g.nextIndex + i + 1) % n
			return sub
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription for load balancing
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if strings.TrimSpace(queue) == "" {
		return nil, fmt.Errorf("queue must not be empty")
	}
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	pattern, err := compilePattern(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		queue:   queue,
		active:  true,
	}
	if queue == "" {
		b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	} else {
		key := queue + ":" + subject
		group, ok := b.queues[key]
		if !ok {
			group = &queueGroup{}
			b.queues[key] = group
		}
		group.mu.Lock()
		group.subscribers = append(group.subscribers, sub)
		group.mu.Unlock()
	}
	return sub, nil
}

// Request publishes an event carrying a reply inbox in Data["_reply"] and
// waits for a single response on that inbox.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if event == nil {
		return nil, fmt.Errorf("event must not be nil")
	}

	replySubject := "_INBOX." + uuid.New().String()
	replyCh := make(chan *Event, 1)
	sub, err := b.Subscribe(replySubject, func(ctx context.Context, reply *Event) error {
		select {
		case replyCh <- reply:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the bus and invalidates all subscriptions
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.active = false
		}
	}
	for _, group := range b.queues {
		group.mu.Lock()
		for _, sub := range group.subscribers {
			sub.active = false
		}
		group.mu.Unlock()
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus
func (s *memorySubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false

	if s.queue == "" {
		subs := b.subscriptions[s.subject]
		for i, sub := range subs {
			if sub.id == s.id {
				b.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscriptions[s.subject]) == 0 {
			delete(b.subscriptions, s.subject)
		}
		return nil
	}

	key := s.queue + ":" + s.subject
	if group, ok := b.queues[key]; ok {
		group.mu.Lock()
		for i, sub := range group.subscribers {
			if sub.id == s.id {
				group.subscribers = append(group.subscribers[:i], group.subscribers[i+1:]...)
				break
			}
		}
		empty := len(group.subscribers) == 0
		group.mu.Unlock()
		if empty {
			delete(b.queues, key)
		}
	}
	return nil
}

// IsValid reports whether the subscription is still registered
func (s *memorySubscription) IsValid() bool {
	b := s.bus
	b.mu.RLock()
	defer b.mu.RUnlock()
	return s.active
}
