package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

// sqsBatchLimit is the SQS maximum for batch send/delete/receive calls.
const sqsBatchLimit = 10

// sqsMaxWait is the SQS maximum long-poll wait.
const sqsMaxWait = 20 * time.Second

// SQSAPI abstracts the SQS operations used by the publisher and consumer.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SQSPublisher sends records to SQS queues mapped by topic name. On FIFO
// queues the record key becomes the message group, which preserves per-key
// ordering, and the deduplication id is derived from key and body.
type SQSPublisher struct {
	client SQSAPI
	urls   map[string]string
}

var _ Publisher = (*SQSPublisher)(nil)

// NewSQSPublisher creates a publisher over the topic -> queue URL map.
func NewSQSPublisher(client SQSAPI, urls map[string]string) *SQSPublisher {
	return &SQSPublisher{client: client, urls: urls}
}

func (p *SQSPublisher) Publish(ctx context.Context, topic string, msgs ...Message) error {
	url, ok := p.urls[topic]
	if !ok || url == "" {
		return brokerError(fmt.Sprintf("no SQS queue configured for topic %q", topic), nil)
	}
	fifo := strings.HasSuffix(url, ".fifo")

	for start := 0; start < len(msgs); start += sqsBatchLimit {
		chunk := msgs[start:min(start+sqsBatchLimit, len(msgs))]
		entries := make([]sqsTypes.SendMessageBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			e := sqsTypes.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(string(m.Value)),
				MessageAttributes: toSQSAttributes(m.Key, m.Headers),
			}
			if fifo {
				e.MessageGroupId = aws.String(m.Key)
				e.MessageDeduplicationId = aws.String(dedupID(m))
			}
			entries[i] = e
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(url),
			Entries:  entries,
		})
		if err != nil {
			return brokerError(fmt.Sprintf("SQS send to %s failed", topic), err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return brokerError(fmt.Sprintf("SQS rejected %d of %d messages for %s: %s %s",
				len(out.Failed), len(entries), topic, aws.ToString(f.Code), aws.ToString(f.Message)), nil)
		}
	}
	return nil
}

func (p *SQSPublisher) Close() error { return nil }

// SQSKeyAttribute is the message attribute carrying the record key; SQS has
// no native key.
const SQSKeyAttribute = "key"

func toSQSAttributes(key string, headers map[string]string) map[string]sqsTypes.MessageAttributeValue {
	attrs := make(map[string]sqsTypes.MessageAttributeValue, len(headers)+1)
	attrs[SQSKeyAttribute] = sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(key),
	}
	for k, v := range headers {
		if v == "" {
			continue // SQS rejects empty string attributes
		}
		attrs[k] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return attrs
}

func dedupID(m Message) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(m.Key+"\x00"), m.Value...)).String()
}

// SQSConsumer receives from one queue. Visibility timeout stands in for an
// uncommitted offset: Ack deletes, Nack makes the messages visible again.
type SQSConsumer struct {
	client     SQSAPI
	topic      string
	url        string
	visibility time.Duration
}

var _ Consumer = (*SQSConsumer)(nil)

// NewSQSConsumer creates a consumer of the queue at url, reported as topic.
func NewSQSConsumer(client SQSAPI, topic, url string, visibility time.Duration) *SQSConsumer {
	return &SQSConsumer{client: client, topic: topic, url: url, visibility: visibility}
}

// Poll long-polls once, then drains without waiting until max is reached or
// the queue is empty.
func (c *SQSConsumer) Poll(ctx context.Context, max int, timeout time.Duration) ([]Message, error) {
	wait := min(timeout, sqsMaxWait)
	var out []Message

	for len(out) < max {
		resp, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(c.url),
			MaxNumberOfMessages:         int32(min(max-len(out), sqsBatchLimit)),
			WaitTimeSeconds:             int32(wait / time.Second),
			VisibilityTimeout:           int32(c.visibility / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{sqsTypes.MessageSystemAttributeNameSequenceNumber},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(out) > 0 {
				// Received messages reappear after the visibility timeout.
				break
			}
			return nil, brokerError("SQS receive failed", err)
		}
		if len(resp.Messages) == 0 {
			break
		}
		for _, m := range resp.Messages {
			out = append(out, c.fromSQS(m))
		}
		wait = 0
	}
	return out, nil
}

func (c *SQSConsumer) fromSQS(m sqsTypes.Message) Message {
	msg := Message{
		Value:  []byte(aws.ToString(m.Body)),
		Topic:  c.topic,
		handle: aws.ToString(m.ReceiptHandle),
	}
	for k, v := range m.MessageAttributes {
		if k == SQSKeyAttribute {
			msg.Key = aws.ToString(v.StringValue)
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[k] = aws.ToString(v.StringValue)
	}
	msg.Offset = SQSSequenceOffset(m.Attributes[string(sqsTypes.MessageSystemAttributeNameSequenceNumber)])
	return msg
}

// SQSSequenceOffset turns a FIFO sequence number into a record offset. Sequence
// numbers are 128-bit, so only the low digits that fit are kept. Standard
// queues have none and yield 0.
func SQSSequenceOffset(seq string) int64 {
	if len(seq) > 18 {
		seq = seq[len(seq)-18:]
	}
	n, _ := strconv.ParseInt(seq, 10, 64)
	return n
}

func (c *SQSConsumer) Ack(ctx context.Context, msgs []Message) error {
	handles := receiptHandles(msgs)
	for start := 0; start < len(handles); start += sqsBatchLimit {
		chunk := handles[start:min(start+sqsBatchLimit, len(handles))]
		entries := make([]sqsTypes.DeleteMessageBatchRequestEntry, len(chunk))
		for i, h := range chunk {
			entries[i] = sqsTypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(h),
			}
		}
		out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.url),
			Entries:  entries,
		})
		if err != nil {
			return brokerError("SQS delete failed", err)
		}
		if len(out.Failed) > 0 {
			return brokerError(fmt.Sprintf("SQS failed to delete %d messages: %s",
				len(out.Failed), aws.ToString(out.Failed[0].Message)), nil)
		}
	}
	return nil
}

func (c *SQSConsumer) Nack(ctx context.Context, msgs []Message) error {
	handles := receiptHandles(msgs)
	for start := 0; start < len(handles); start += sqsBatchLimit {
		chunk := handles[start:min(start+sqsBatchLimit, len(handles))]
		entries := make([]sqsTypes.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, h := range chunk {
			entries[i] = sqsTypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(h),
				VisibilityTimeout: 0,
			}
		}
		if _, err := c.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(c.url),
			Entries:  entries,
		}); err != nil {
			return brokerError("SQS visibility reset failed", err)
		}
	}
	return nil
}

func (c *SQSConsumer) Close() error { return nil }

func receiptHandles(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if h, ok := m.handle.(string); ok && h != "" {
			out = append(out, h)
		}
	}
	return out
}
