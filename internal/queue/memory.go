package queue

import (
	"context"
	"sync"
	"time"
)

type memoryTopic struct {
	log     []Message // everything ever published, in order
	pending []Message // not yet delivered, or nacked
	changed chan struct{}
}

// MemoryBroker is an in-process broker. Consumers of one topic share a single
// queue, so each record is delivered to one consumer at a time. Nacked records
// go back to the head of the queue.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memoryTopic)}
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{changed: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish appends msgs to topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return brokerError("publish cancelled", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return brokerError("memory broker closed", nil)
	}

	t := b.topic(topic)
	for _, m := range msgs {
		m.Topic = topic
		m.Offset = int64(len(t.log))
		m.Headers = copyHeaders(m.Headers)
		m.handle = nil
		t.log = append(t.log, m)
		t.pending = append(t.pending, m)
	}
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

// Close rejects further publishes.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Messages returns every record ever published to topic.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	return append([]Message(nil), t.log...)
}

// Pending returns the number of records of topic waiting for delivery.
func (b *MemoryBroker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.pending)
	}
	return 0
}

// Consumer returns a consumer of topic.
func (b *MemoryBroker) Consumer(topic string) *MemoryConsumer {
	return &MemoryConsumer{broker: b, topic: topic}
}

// MemoryConsumer reads from a MemoryBroker topic.
type MemoryConsumer struct {
	broker *MemoryBroker
	topic  string
}

var (
	_ Publisher = (*MemoryBroker)(nil)
	_ Consumer  = (*MemoryConsumer)(nil)
)

func (c *MemoryConsumer) Poll(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.broker.mu.Lock()
		t := c.broker.topic(c.topic)
		if n := min(max, len(t.pending)); n > 0 {
			batch := append([]Message(nil), t.pending[:n]...)
			t.pending = t.pending[n:]
			c.broker.mu.Unlock()
			return batch, nil
		}
		changed := t.changed
		c.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-changed:
		}
	}
}

// Ack drops the batch; delivered records are already off the queue.
func (c *MemoryConsumer) Ack(context.Context, []Message) error { return nil }

// Nack puts the batch back at the head of the queue in its original order.
func (c *MemoryConsumer) Nack(_ context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	t := c.broker.topic(c.topic)
	t.pending = append(append([]Message(nil), msgs...), t.pending...)
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

func (c *MemoryConsumer) Close() error { return nil }
