package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	sub1 := b.Subscribe(ExecutionTopic("exec-1"), 4)
	defer sub1.Close()
	sub2 := b.Subscribe(ExecutionTopic("exec-1"), 4)
	defer sub2.Close()

	delivered := b.Publish(ExecutionTopic("exec-1"), Message{Kind: KindStage, ExecutionID: "exec-1"})
	assert.Equal(t, 2, delivered)

	for _, sub := range []*Subscription{sub1, sub2} {
		msg := <-sub.C()
		assert.Equal(t, KindStage, msg.Kind)
		assert.Equal(t, "exec-1", msg.ExecutionID)
	}
}

func TestPublish_TopicIsolation(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(ExecutionTopic("exec-1"), 4)
	defer sub.Close()

	delivered := b.Publish(ExecutionTopic("exec-2"), Message{Kind: KindStage, ExecutionID: "exec-2"})
	assert.Equal(t, 0, delivered)
	assert.Empty(t, sub.C())
}

func TestPublish_NeverBlocks(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("topic", 1)
	defer sub.Close()

	// Fill the buffer, then keep publishing.
	b.Publish("topic", Message{Kind: KindStage})
	b.Publish("topic", Message{Kind: KindStage})
	b.Publish("topic", Message{Kind: KindStage})

	assert.Equal(t, int64(2), sub.Dropped(), "overflow increments the drop counter")
	assert.Len(t, sub.C(), 1)
}

func TestClose_DetachesAndCloses(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("topic", 1)

	require.Equal(t, 1, b.Subscribers("topic"))
	sub.Close()
	sub.Close() // idempotent
	assert.Equal(t, 0, b.Subscribers("topic"))

	_, open := <-sub.C()
	assert.False(t, open, "channel closes with the subscription")
}
