// Package eventbus fans group-call notifications out to subscribers in real
// time, so UIs can follow call membership and feeds without polling. An
// optional WebSocket server delivers the same notifications as JSON frames.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/armorclaw/conference/pkg/logger"
)

// Kind classifies a notification
type Kind string

const (
	KindStateChanged Kind = "state_changed"
	KindCallAdded    Kind = "call_added"
	KindCallRemoved  Kind = "call_removed"
	KindFeedAdded    Kind = "feed_added"
	KindFeedRemoved  Kind = "feed_removed"
)

// Notification is one group-call event as delivered to subscribers
type Notification struct {
	Kind        Kind   `json:"kind"`
	GroupCallID string `json:"group_call_id"`
	RoomID      string `json:"room_id"`

	// UserID is the participant the notification concerns, when applicable
	UserID string `json:"user_id,omitempty"`

	// CallID is the peer call id for call notifications
	CallID string `json:"call_id,omitempty"`

	// Purpose is the feed purpose for feed notifications
	Purpose string `json:"purpose,omitempty"`

	// State carries the new engine state for state notifications
	State string `json:"state,omitempty"`

	Time     time.Time `json:"time"`
	Sequence int64     `json:"sequence"`
}

// Filter defines which notifications a subscriber wants
type Filter struct {
	// RoomID restricts to one room (empty = all rooms)
	RoomID string

	// GroupCallID restricts to one group call (empty = all calls)
	GroupCallID string

	// Kinds restricts to these notification kinds (empty = all kinds)
	Kinds []Kind
}

// Subscriber receives matching notifications on its channel
type Subscriber struct {
	ID      string
	Filter  Filter
	Channel chan *Notification

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.Channel)
	}
	s.mu.Unlock()
}

// Config holds event bus configuration
type Config struct {
	// WebSocketEnabled turns on the WebSocket server
	WebSocketEnabled bool

	// WebSocketAddr is the listen address
	WebSocketAddr string

	// WebSocketPath is the endpoint path
	WebSocketPath string

	// MaxSubscribers limits concurrent subscribers
	MaxSubscribers int

	// InactivityTimeout disconnects subscribers that have not received a
	// notification in this long
	InactivityTimeout time.Duration
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		WebSocketEnabled:  false,
		WebSocketAddr:     "127.0.0.1:8445",
		WebSocketPath:     "/events",
		MaxSubscribers:    100,
		InactivityTimeout: 30 * time.Minute,
	}
}

// Bus distributes notifications to subscribers
type Bus struct {
	config Config
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	server *wsServer

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	sequence    int64
	started     bool
}

// New creates an event bus
func New(config Config) *Bus {
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		config:      config,
		log:         logger.Global().WithComponent("eventbus"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*Subscriber),
	}
	if config.WebSocketEnabled {
		b.server = newWSServer(b, config)
	}
	return b
}

// Start starts the WebSocket server (when enabled) and the inactivity sweep
func (b *Bus) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if b.server != nil {
		if err := b.server.start(); err != nil {
			return fmt.Errorf("start websocket server: %w", err)
		}
		b.log.Info("eventbus started", "websocket", true, "addr", b.config.WebSocketAddr)
	} else {
		b.log.Info("eventbus started", "websocket", false)
	}

	if b.config.InactivityTimeout > 0 {
		go b.sweepInactive()
	}
	return nil
}

// Stop shuts the bus down and closes every subscriber channel
func (b *Bus) Stop() {
	b.cancel()
	if b.server != nil {
		b.server.stop()
	}

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.log.Info("eventbus stopped")
}

// Publish delivers a notification to every matching subscriber. Slow
// subscribers whose channel is full are skipped, never blocked on.
func (b *Bus) Publish(n *Notification) {
	if n == nil {
		return
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	b.mu.Lock()
	b.sequence++
	n.Sequence = b.sequence
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !matches(n, sub.Filter) {
			continue
		}
		select {
		case sub.Channel <- n:
			sub.touch()
		default:
			b.log.Warn("notification dropped, subscriber slow",
				"subscriber_id", sub.ID, "kind", n.Kind)
		}
	}
}

// Subscribe registers a subscriber with the given filter
func (b *Bus) Subscribe(filter Filter) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) >= b.config.MaxSubscribers {
		return nil, fmt.Errorf("subscriber limit reached (%d)", b.config.MaxSubscribers)
	}

	sub := &Subscriber{
		ID:           fmt.Sprintf("sub-%d", time.Now().UnixNano()),
		Filter:       filter,
		Channel:      make(chan *Notification, 64),
		lastActivity: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.log.Debug("subscriber added", "subscriber_id", sub.ID, "room_filter", filter.RoomID)
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(subscriberID string) error {
	b.mu.Lock()
	sub, exists := b.subscribers[subscriberID]
	if exists {
		delete(b.subscribers, subscriberID)
	}
	b.mu.Unlock()

	if !exists {
		return fmt.Errorf("subscriber %s not found", subscriberID)
	}
	sub.close()
	b.log.Debug("subscriber removed", "subscriber_id", subscriberID)
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func matches(n *Notification, f Filter) bool {
	if f.RoomID != "" && n.RoomID != f.RoomID {
		return false
	}
	if f.GroupCallID != "" && n.GroupCallID != f.GroupCallID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if n.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sweepInactive periodically drops subscribers that have not received
// anything within the inactivity timeout
func (b *Bus) sweepInactive() {
	ticker := time.NewTicker(b.config.InactivityTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.config.InactivityTimeout)
			b.mu.Lock()
			var stale []*Subscriber
			for id, sub := range b.subscribers {
				sub.mu.Lock()
				inactive := sub.lastActivity.Before(cutoff)
				sub.mu.Unlock()
				if inactive {
					delete(b.subscribers, id)
					stale = append(stale, sub)
				}
			}
			b.mu.Unlock()
			for _, sub := range stale {
				sub.close()
				b.log.Info("inactive subscriber dropped", "subscriber_id", sub.ID)
			}
		}
	}
}
