package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"choptso/pkg/logger"
	"choptso/pkg/models"
)

// ErrPermissionDenied terminates a subscription; subscribers must stop and
// surface the error rather than resync.
var ErrPermissionDenied = errors.New("stream: permission denied")

// Event is one change-stream batch for a topic. Message events populate
// Added/Modified/Removed; conversation-document and presence topics carry
// the full updated document instead.
type Event struct {
	Added    []models.Message
	Modified []models.Message
	// Removed holds message ids withdrawn from the subscribed window.
	Removed      []string
	Conversation *models.Conversation
	Presence     *models.Presence
}

// Topic name helpers. Message batches and conversation-document updates are
// separate topics so a reconciler does not wake on every keystroke.
func MessageTopic(conversationID string) string      { return "msgs:" + conversationID }
func ConversationTopic(conversationID string) string { return "conv:" + conversationID }
func PresenceTopic(userID string) string             { return "presence:" + userID }

// Subscription is an independently cancellable feed of Events for one topic.
// Events arrive on C. When the buffer overflows the subscription is marked
// lagged and events are dropped; the subscriber must resync from the store
// (upsert semantics make re-application idempotent) and call ClearLagged.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event

	ch     chan Event
	lagged atomic.Bool

	mu     sync.Mutex
	err    error
	closed bool

	broker *Broker
}

// Err returns the terminal error, if any, once C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Lagged reports whether events were dropped since the last ClearLagged.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// ClearLagged acknowledges a completed resync.
func (s *Subscription) ClearLagged() { s.lagged.Store(false) }

// Close cancels the subscription and removes it from the registry. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s, nil)
}

func (s *Subscription) fail(err error) {
	s.broker.unsubscribe(s, err)
}

// send delivers ev without blocking. Serialized with close under s.mu, so a
// publisher holding a stale registry snapshot can never hit a closed channel.
func (s *Subscription) send(topic string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.lagged.Store(true)
		logger.Warn("stream_subscriber_lagged", "topic", topic, "sub", s.ID)
	}
}

// Broker is the process-wide change-stream registry. It is an explicit
// dependency handed to the components that need it, never a package
// singleton, so tests can run independent instances side by side.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
	buffer int
}

// NewBroker constructs a Broker. buffer is the per-subscription channel
// depth; values below 1 fall back to 64.
func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = 64
	}
	return &Broker{topics: map[string]map[string]*Subscription{}, buffer: buffer}
}

// Subscribe registers a new subscription for topic. Multiple subscriptions
// to the same topic are independent; closing one never affects another.
func (b *Broker) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Topic:  topic,
		C:      ch,
		ch:     ch,
		broker: b,
	}
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = map[string]*Subscription{}
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	b.mu.Unlock()
	logger.Debug("stream_subscribed", "topic", topic, "sub", sub.ID)
	return sub
}

// Publish delivers ev to every live subscription of topic. Delivery never
// blocks the publisher: a full subscriber is marked lagged and skipped.
func (b *Broker) Publish(topic string, ev Event) {
	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.send(topic, ev)
	}
}

// Fail terminates every subscription of topic with err (e.g. permission
// revoked). Subscribers observe a closed channel and read the reason via
// Err.
func (b *Broker) Fail(topic string, err error) {
	b.mu.RLock()
	subs := b.topics[topic]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		s.fail(err)
	}
}

// Count returns the number of live subscriptions across all topics.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

func (b *Broker) unsubscribe(s *Subscription, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	// close under s.mu so no send can be in flight
	close(s.ch)
	s.mu.Unlock()

	b.mu.Lock()
	if subs, ok := b.topics[s.Topic]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(b.topics, s.Topic)
		}
	}
	b.mu.Unlock()

	logger.Debug("stream_unsubscribed", "topic", s.Topic, "sub", s.ID, "err", err)
}
