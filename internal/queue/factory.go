package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"taskreports/internal/config"
)

// Broker is the configured message broker: one shared publisher plus a
// consumer constructor. Each consumer worker must get its own Consumer.
type Broker struct {
	Publisher Publisher

	newConsumer func(topic string) (Consumer, error)
	ping        func(ctx context.Context) error
}

// Ping checks broker connectivity where the broker supports a cheap check.
func (b *Broker) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Consumer creates a new consumer of topic.
func (b *Broker) Consumer(topic string) (Consumer, error) {
	return b.newConsumer(topic)
}

// Close closes the publisher.
func (b *Broker) Close() error {
	return b.Publisher.Close()
}

// Open builds the broker selected by cfg.Broker.Kind.
func Open(ctx context.Context, cfg *config.Config) (*Broker, error) {
	switch cfg.Broker.Kind {
	case "kafka":
		return &Broker{
			Publisher: NewKafkaPublisher(cfg.Broker.KafkaBrokers, cfg.Broker.PublishTimeout),
			newConsumer: func(topic string) (Consumer, error) {
				return NewKafkaConsumer(cfg.Broker.KafkaBrokers, topic, cfg.Consumer.GroupID), nil
			},
			ping: func(ctx context.Context) error {
				return pingKafka(ctx, cfg.Broker.KafkaBrokers)
			},
		}, nil

	case "sqs":
		client, err := NewSQSClient(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return NewSQSBroker(client, cfg.Broker, cfg.Consumer), nil

	case "memory":
		return NewMemoryBrokerFor(NewMemoryBroker()), nil
	}
	return nil, fmt.Errorf("queue: unknown broker kind %q", cfg.Broker.Kind)
}

// NewSQSBroker wires SQS queues by topic name.
func NewSQSBroker(client SQSAPI, cfg config.BrokerConfig, consumer config.ConsumerConfig) *Broker {
	urls := cfg.QueueURLs()
	return &Broker{
		Publisher: NewSQSPublisher(client, urls),
		newConsumer: func(topic string) (Consumer, error) {
			url := urls[topic]
			if url == "" {
				return nil, fmt.Errorf("queue: no SQS queue configured for topic %q", topic)
			}
			return NewSQSConsumer(client, topic, url, consumer.VisibilityTimeout), nil
		},
	}
}

// NewMemoryBrokerFor exposes an in-process broker through the Broker API.
func NewMemoryBrokerFor(m *MemoryBroker) *Broker {
	return &Broker{
		Publisher: m,
		newConsumer: func(topic string) (Consumer, error) {
			return m.Consumer(topic), nil
		},
	}
}

// NewSQSClient loads the default AWS configuration for the region and applies
// the LocalStack endpoint override when set.
func NewSQSClient(ctx context.Context, cfg config.AWSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("queue: loading AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	}), nil
}
