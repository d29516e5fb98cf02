package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaWriter is the subset of *kafka.Writer the publisher needs.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaReader is the subset of *kafka.Reader the consumer needs.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes records with the hash balancer, so every record with
// the same key lands on the same partition.
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for brokers. The topic is set per
// record, so one publisher serves every topic.
func NewKafkaPublisher(brokers []string, timeout time.Duration) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisherWithWriter(w, timeout)
}

func newKafkaPublisherWithWriter(w kafkaWriter, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: timeout}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Topic:   topic,
			Key:     []byte(m.Key),
			Value:   m.Value,
			Headers: toKafkaHeaders(m.Headers),
			Time:    time.Now(),
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return brokerError("kafka write to "+topic+" failed", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaConsumer is one member of a consumer group. Offsets are committed only
// by Ack. Nacked records are replayed by the next Poll of this member; if the
// process dies first, the group redelivers them from the last commit.
type KafkaConsumer struct {
	reader kafkaReader

	mu     sync.Mutex
	replay []kafka.Message
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer joins groupID on topic with manual commits.
func NewKafkaConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return newKafkaConsumerWithReader(r)
}

func newKafkaConsumerWithReader(r kafkaReader) *KafkaConsumer {
	return &KafkaConsumer{reader: r}
}

func (c *KafkaConsumer) Poll(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	c.mu.Lock()
	n := min(max, len(c.replay))
	raw := append([]kafka.Message(nil), c.replay[:n]...)
	c.replay = c.replay[n:]
	c.mu.Unlock()

	if len(raw) > 0 {
		return fromKafka(raw), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer func() { cancel() }()

	for len(raw) < max {
		m, err := c.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown: whatever we fetched is uncommitted and will be redelivered.
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(raw) > 0 {
				c.stash(raw)
			}
			return nil, brokerError("kafka fetch failed", err)
		}
		raw = append(raw, m)
		if len(raw) == 1 {
			// Once the first record is in, only drain what is already buffered.
			cancel()
			fetchCtx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
		}
	}
	return fromKafka(raw), nil
}

func (c *KafkaConsumer) Ack(ctx context.Context, msgs []Message) error {
	raw := toKafkaHandles(msgs)
	if len(raw) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, raw...); err != nil {
		return brokerError("kafka commit failed", err)
	}
	return nil
}

func (c *KafkaConsumer) Nack(_ context.Context, msgs []Message) error {
	c.stash(toKafkaHandles(msgs))
	return nil
}

func (c *KafkaConsumer) stash(raw []kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replay = append(append([]kafka.Message(nil), raw...), c.replay...)
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

func fromKafka(raw []kafka.Message) []Message {
	out := make([]Message, len(raw))
	for i, m := range raw {
		out[i] = Message{
			Key:       string(m.Key),
			Value:     m.Value,
			Headers:   fromKafkaHeaders(m.Headers),
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			handle:    m,
		}
	}
	return out
}

func toKafkaHandles(msgs []Message) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if km, ok := m.handle.(kafka.Message); ok {
			out = append(out, km)
		}
	}
	return out
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for _, kh := range h {
		out[kh.Key] = string(kh.Value)
	}
	return out
}

// pingKafka dials the first reachable broker.
func pingKafka(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return brokerError("kafka unreachable", lastErr)
}
