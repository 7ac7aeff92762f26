// Package pubsub is the in-process pub/sub fabric connecting the engine,
// the human-input gate, and the fan-out server.
//
// Delivery is best-effort by design: a publish never blocks the
// publisher, and a subscriber whose buffer is full loses the message and
// recovers through store replay. The durable store, not this fabric, is
// the channel of record: every consumer that needs reliability re-reads
// the store on each wake-up.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/tdawe/crewline/internal/run"
)

// MessageKind distinguishes what a topic message announces.
type MessageKind int

const (
	// KindStage announces a newly appended stage.
	KindStage MessageKind = iota + 1
	// KindResolution announces that an input request was resolved.
	KindResolution
	// KindCancellation announces that cancellation was requested.
	KindCancellation
)

// Message is one fabric message. Stage is set only for KindStage.
type Message struct {
	Kind        MessageKind
	ExecutionID string
	Stage       *run.StageRecord
}

// ExecutionTopic returns the topic carrying all events for one execution.
func ExecutionTopic(executionID string) string {
	return "exec:" + executionID
}

// CrewTopic returns the aggregate topic for board-wide views of a crew.
// No ordering is guaranteed across executions on this topic; consumers
// group by execution id before interpreting order.
func CrewTopic(crewID string) string {
	return "crew:" + crewID
}

// Subscription is an explicit per-consumer handle on one topic.
// Lifecycle equals the consumer's lifetime (a fan-out connection, a
// gate wait); the owner must Close it.
type Subscription struct {
	topic   string
	ch      chan Message
	broker  *Broker
	dropped atomic.Int64
	once    sync.Once
}

// C returns the receive channel. The channel is closed when the
// subscription is closed.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Dropped returns how many messages were discarded because this
// subscriber's buffer was full. A non-zero value means the consumer
// should replay from the store.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its topic and closes the channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
}

// Broker is a topic-keyed fan-out of Messages to subscriptions.
// Safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscription to a topic. buffer bounds how
// far the subscriber may lag before messages are dropped.
func (b *Broker) Subscribe(topic string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan Message, buffer),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	return sub
}

// Publish delivers msg to every current subscriber of the topic.
// Never blocks: a subscriber with a full buffer is skipped and its drop
// counter incremented. Returns the number of subscribers reached.
func (b *Broker) Publish(topic string, msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the current subscriber count for a topic.
// Used for monitoring and testing.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}
