package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Holder names a consumer of topic subscriptions, typically one UI surface.
type Holder string

// HolderList is the room-list surface. Its subscriptions live for the whole
// session.
const HolderList Holder = "list"

// DetailHolder is the holder used by the detail view of roomID.
func DetailHolder(roomID string) Holder {
	return Holder("detail:" + roomID)
}

type topicEntry struct {
	holders map[Holder]struct{}
}

// SubscriptionManager maps topics to transport subscriptions. A topic has at
// most one transport listener no matter how many holders want it; the
// listener is removed once the last holder lets go.
type SubscriptionManager struct {
	transport Transport
	log       zerolog.Logger
	metrics   *Metrics

	mu     sync.Mutex
	topics map[string]*topicEntry
}

// NewSubscriptionManager creates a manager over transport.
func NewSubscriptionManager(transport Transport, logger zerolog.Logger, metrics *Metrics) *SubscriptionManager {
	return &SubscriptionManager{
		transport: transport,
		log:       logger.With().Str("component", "subscriptions").Logger(),
		metrics:   metrics,
		topics:    make(map[string]*topicEntry),
	}
}

// Subscribe makes sure topic is live and records holder as wanting it. The
// first holder registers h with the transport, activating the transport if
// needed; later calls for the same topic only add the holder and never
// register a second handler.
func (m *SubscriptionManager) Subscribe(ctx context.Context, holder Holder, topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.topics[topic]; ok {
		e.holders[holder] = struct{}{}
		return nil
	}

	if err := m.transport.Activate(ctx); err != nil {
		return fmt.Errorf("activate transport: %w", err)
	}
	if err := m.transport.Subscribe(topic, h); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.topics[topic] = &topicEntry{holders: map[Holder]struct{}{holder: {}}}
	m.metrics.topics(len(m.topics))
	m.log.Debug().Str("topic", topic).Str("holder", string(holder)).Msg("Subscribed")
	return nil
}

// Unsubscribe withdraws holder's interest in topic. The transport listener
// is removed only when no holder remains. Unknown topics and holders are
// ignored.
func (m *SubscriptionManager) Unsubscribe(holder Holder, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(holder, topic)
}

func (m *SubscriptionManager) unsubscribeLocked(holder Holder, topic string) error {
	e, ok := m.topics[topic]
	if !ok {
		return nil
	}
	delete(e.holders, holder)
	if len(e.holders) > 0 {
		return nil
	}

	delete(m.topics, topic)
	m.metrics.topics(len(m.topics))
	m.log.Debug().Str("topic", topic).Msg("Unsubscribed")
	if err := m.transport.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Release withdraws holder from every topic it holds.
func (m *SubscriptionManager) Release(holder Holder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for topic, e := range m.topics {
		if _, ok := e.holders[holder]; !ok {
			continue
		}
		if err := m.unsubscribeLocked(holder, topic); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsSubscribed reports whether topic has a live transport listener.
func (m *SubscriptionManager) IsSubscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// HolderCount returns how many holders want topic.
func (m *SubscriptionManager) HolderCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.topics[topic]; ok {
		return len(e.holders)
	}
	return 0
}

// Topics lists the live topics in lexical order.
func (m *SubscriptionManager) Topics() []string {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// TopicsOf lists the topics holder currently holds, in lexical order.
func (m *SubscriptionManager) TopicsOf(holder Holder) []string {
	m.mu.Lock()
	var topics []string
	for t, e := range m.topics {
		if _, ok := e.holders[holder]; ok {
			topics = append(topics, t)
		}
	}
	m.mu.Unlock()
	sort.Strings(topics)
	return topics
}
