package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// dlqMaxReceiveCount is the redrive policy's maximum receive count: after
// this many failed (un-acknowledged) deliveries SQS promotes the message to
// the DLQ on its own. This is a safety net underneath the application-level
// retry counter, which remains the authority for explicit DLQ routing.
const dlqMaxReceiveCount = 3

// defaultWaitTimeSeconds enables SQS long polling on Receive.
const defaultWaitTimeSeconds = 10

// fifoSuffix marks FIFO queues, which get deduplication ids and per-contact
// group ids on send.
const fifoSuffix = ".fifo"

// SQSAPI is the subset of the SQS SDK client the backend uses. The narrow
// interface keeps tests free of network access.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
}

// SQSBackend is the hosted, durable Backend. On first use it resolves or
// creates the main queue and its derived DLQ, then installs a redrive policy
// pointing the main queue at the DLQ.
//
// Construct one SQSBackend per queue and reuse it; queue resolution is cached
// after the first successful call.
type SQSBackend struct {
	client    SQSAPI
	queueName string
	dlqName   string
	logger    *slog.Logger

	mu       sync.Mutex
	queueURL string
	dlqURL   string

	tracker *idempotencyTracker
}

var _ Backend = (*SQSBackend)(nil)

// NewSQSBackend creates an SQSBackend for the given main queue name. Queues
// are resolved lazily on first use so construction never touches the network.
func NewSQSBackend(client SQSAPI, queueName string, logger *slog.Logger) *SQSBackend {
	return &SQSBackend{
		client:    client,
		queueName: queueName,
		dlqName:   DeriveDLQName(queueName),
		logger:    logger,
		tracker:   newIdempotencyTracker(defaultIdempotencyCapacity),
	}
}

// QueueName returns the main queue name.
func (b *SQSBackend) QueueName() string { return b.queueName }

// DLQName returns the derived dead-letter queue name.
func (b *SQSBackend) DLQName() string { return b.dlqName }

// Send enqueues msg on the main queue. Duplicate idempotency keys short-
// circuit to a duplicate-marker id without touching SQS; retry re-enqueues
// keep their original key by design and bypass the check. Message attributes
// (SchemaVersion, MessageType, ContactId, IdempotencyKey) are attached so
// operators can filter and inspect without deserializing bodies. FIFO queues
// additionally get a deduplication id and a per-contact group id so messages
// for the same contact are processed in order.
func (b *SQSBackend) Send(ctx context.Context, msg *QueueMessage) (string, error) {
	if msg.MessageType != MessageTypeRetryTask && b.tracker.CheckAndRecord(msg.IdempotencyKey) {
		b.logger.InfoContext(ctx, "duplicate message suppressed",
			"queue", b.queueName,
			"idempotency_key", msg.IdempotencyKey,
			"contact_id", msg.ContactID,
		)
		return DuplicateIDPrefix + msg.IdempotencyKey, nil
	}

	if err := b.ensureQueues(ctx); err != nil {
		b.tracker.Forget(msg.IdempotencyKey)
		return "", err
	}
	id, err := b.sendTo(ctx, b.queueURL, b.queueName, msg)
	if err != nil {
		// Drop the key so the caller's retry is not misread as a duplicate.
		b.tracker.Forget(msg.IdempotencyKey)
		return "", err
	}
	return id, nil
}

// Receive long-polls the main queue for up to maxMessages deliveries
// (clamped to the SQS limit of 10). The delivery's ReceiveCount comes from
// the ApproximateReceiveCount system attribute.
func (b *SQSBackend) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if err := b.ensureQueues(ctx); err != nil {
		return nil, err
	}

	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > 10 {
		maxMessages = 10
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     defaultWaitTimeSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: receive from %s: %w", b.queueName, err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, raw := range out.Messages {
		msg, err := DecodeBody(aws.ToString(raw.Body))
		if err != nil {
			// A body this backend cannot parse will never become parseable;
			// log and skip rather than poisoning the batch. The redrive
			// policy eventually moves it to the DLQ.
			b.logger.ErrorContext(ctx, "undecodable message body, skipping",
				"queue", b.queueName,
				"sqs_message_id", aws.ToString(raw.MessageId),
				"error", err.Error(),
			)
			continue
		}

		receiveCount := 1
		if rc, ok := raw.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, convErr := strconv.Atoi(rc); convErr == nil {
				receiveCount = n
			}
		}

		deliveries = append(deliveries, Delivery{
			Message:       msg,
			ReceiptHandle: aws.ToString(raw.ReceiptHandle),
			ReceiveCount:  receiveCount,
		})
	}

	return deliveries, nil
}

// Delete acknowledges a delivery. SQS treats deleting an expired or unknown
// receipt handle as a no-op, so Delete is idempotent here too.
func (b *SQSBackend) Delete(ctx context.Context, receiptHandle string) error {
	if err := b.ensureQueues(ctx); err != nil {
		return err
	}

	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("messaging: delete from %s: %w", b.queueName, err)
	}
	return nil
}

// SendToDLQ derives a dlq_message and enqueues it on the paired dead-letter
// queue. A failure here is potential silent data loss, so it is logged at
// Error before being returned.
func (b *SQSBackend) SendToDLQ(ctx context.Context, msg *QueueMessage, failureReason string) (string, error) {
	if err := b.ensureQueues(ctx); err != nil {
		return "", err
	}

	dlqMsg := msg.CreateDLQMessage(b.queueName, failureReason)
	id, err := b.sendTo(ctx, b.dlqURL, b.dlqName, dlqMsg)
	if err != nil {
		b.logger.ErrorContext(ctx, "DLQ send failed, message may be lost",
			"queue", b.queueName,
			"dlq", b.dlqName,
			"contact_id", msg.ContactID,
			"idempotency_key", msg.IdempotencyKey,
			"failure_reason", failureReason,
			"error", err.Error(),
		)
		return "", err
	}

	b.logger.WarnContext(ctx, "message promoted to DLQ",
		"queue", b.queueName,
		"dlq", b.dlqName,
		"contact_id", msg.ContactID,
		"failure_reason", failureReason,
		"retry_count", msg.RetryCount,
	)
	return id, nil
}

// HealthCheck reports queue reachability plus approximate main and DLQ
// depths.
func (b *SQSBackend) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{QueueName: b.queueName}

	if err := b.ensureQueues(ctx); err != nil {
		status.Detail = err.Error()
		return status
	}

	pending, err := b.queueDepth(ctx, b.queueURL)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	dlqDepth, err := b.queueDepth(ctx, b.dlqURL)
	if err != nil {
		status.Detail = err.Error()
		return status
	}

	status.Healthy = true
	status.PendingMessages = pending
	status.DLQDepth = dlqDepth
	return status
}

func (b *SQSBackend) sendTo(ctx context.Context, queueURL, queueName string, msg *QueueMessage) (string, error) {
	body, err := EncodeBody(msg)
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: messageAttributes(msg),
	}

	if strings.HasSuffix(queueName, fifoSuffix) {
		input.MessageDeduplicationId = aws.String(fifoDedupID(msg))
		input.MessageGroupId = aws.String(fifoGroupID(msg))
	} else if msg.MessageType == MessageTypeRetryTask && msg.RetryDelaySeconds > 0 {
		// Backoff for re-enqueued retries rides on SQS DelaySeconds. FIFO
		// queues reject per-message delays, so retries there deliver
		// immediately.
		delay := msg.RetryDelaySeconds
		if delay > MaxRetryDelaySeconds {
			delay = MaxRetryDelaySeconds
		}
		input.DelaySeconds = int32(delay)
	}

	out, err := b.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("messaging: send to %s: %w", queueName, err)
	}

	b.logger.InfoContext(ctx, "message enqueued",
		"queue", queueName,
		"message_id", aws.ToString(out.MessageId),
		"message_type", string(msg.MessageType),
		"contact_id", msg.ContactID,
		"trace_id", msg.TraceID,
	)
	return aws.ToString(out.MessageId), nil
}

// ensureQueues resolves (or creates) the main queue and its DLQ, then
// installs the redrive policy. The result is cached; subsequent calls are
// lock-then-return.
func (b *SQSBackend) ensureQueues(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.queueURL != "" && b.dlqURL != "" {
		return nil
	}

	dlqURL, err := b.resolveOrCreate(ctx, b.dlqName)
	if err != nil {
		return fmt.Errorf("messaging: resolve dlq %s: %w", b.dlqName, err)
	}

	queueURL, err := b.resolveOrCreate(ctx, b.queueName)
	if err != nil {
		return fmt.Errorf("messaging: resolve queue %s: %w", b.queueName, err)
	}

	dlqArn, err := b.queueArn(ctx, dlqURL)
	if err != nil {
		return fmt.Errorf("messaging: read dlq arn for %s: %w", b.dlqName, err)
	}

	redrive, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": dlqArn,
		"maxReceiveCount":     strconv.Itoa(dlqMaxReceiveCount),
	})
	if err != nil {
		return fmt.Errorf("messaging: marshal redrive policy: %w", err)
	}

	_, err = b.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameRedrivePolicy): string(redrive),
		},
	})
	if err != nil {
		return fmt.Errorf("messaging: set redrive policy on %s: %w", b.queueName, err)
	}

	b.queueURL = queueURL
	b.dlqURL = dlqURL

	b.logger.InfoContext(ctx, "queues resolved",
		"queue", b.queueName,
		"dlq", b.dlqName,
		"max_receive_count", dlqMaxReceiveCount,
	)
	return nil
}

func (b *SQSBackend) resolveOrCreate(ctx context.Context, name string) (string, error) {
	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		return aws.ToString(out.QueueUrl), nil
	}

	var notFound *sqstypes.QueueDoesNotExist
	if !errors.As(err, &notFound) {
		return "", err
	}

	attrs := map[string]string{}
	if strings.HasSuffix(name, fifoSuffix) {
		attrs[string(sqstypes.QueueAttributeNameFifoQueue)] = "true"
	}

	created, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(created.QueueUrl), nil
}

func (b *SQSBackend) queueArn(ctx context.Context, queueURL string) (string, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", err
	}
	arn := out.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if arn == "" {
		return "", fmt.Errorf("queue %s has no ARN attribute", queueURL)
	}
	return arn, nil
}

func (b *SQSBackend) queueDepth(ctx context.Context, queueURL string) (int, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	depth, _ := strconv.Atoi(out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)])
	return depth, nil
}

// messageAttributes builds the attribute map attached to every send:
// SchemaVersion, MessageType, ContactId, and IdempotencyKey when present.
func messageAttributes(msg *QueueMessage) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		"SchemaVersion": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.SchemaVersion),
		},
		"MessageType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(msg.MessageType)),
		},
		"ContactId": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.ContactID),
		},
	}
	if msg.IdempotencyKey != "" {
		attrs["IdempotencyKey"] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.IdempotencyKey),
		}
	}
	return attrs
}

// fifoDedupID picks the deduplication id for FIFO sends: the idempotency key
// when present, otherwise a deterministic contact+timestamp fallback. Retry
// derivatives keep the original's idempotency key, but their dedup id must
// differ per attempt: SQS silently drops FIFO sends matching an id seen in
// the last five minutes, and the first retry fires well inside that window —
// a dropped retry send followed by deleting the original would lose the
// message with its retry budget unspent.
func fifoDedupID(msg *QueueMessage) string {
	key := msg.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s-%d", msg.ContactID, msg.Timestamp.UnixNano())
	}
	if msg.RetryCount > 0 {
		key += "-retry" + strconv.Itoa(msg.RetryCount)
	}
	return key
}

// fifoGroupID groups FIFO messages by contact so work for the same contact
// is processed in order.
func fifoGroupID(msg *QueueMessage) string {
	if msg.ContactID == "" {
		return "default"
	}
	return msg.ContactID
}
