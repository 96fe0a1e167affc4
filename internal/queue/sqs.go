package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"skimmerwatch/internal/metrics"
	"skimmerwatch/internal/types"
)

// sqsAPI is the part of the SQS client the queue calls.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueueConfig struct {
	QueueURL     string
	GroupID      string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	WaitTime     time.Duration
	Cooldown     time.Duration
	IdleInterval time.Duration
	Logger       *slog.Logger
}

// SQSQueue keeps work items in a FIFO queue. All items share one message
// group, so they are received in the order they were sent.
type SQSQueue struct {
	api    sqsAPI
	cfg    SQSQueueConfig
	logger *slog.Logger
}

func NewSQSQueue(ctx context.Context, cfg SQSQueueConfig) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, types.Configurationf("sqs queue: queue_url is required")
	}

	var awsCfg aws.Config
	if cfg.AccessKey != "" {
		awsCfg = aws.Config{Region: cfg.Region}
	} else {
		loaded, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		awsCfg = loaded
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})

	return newSQSQueue(client, cfg), nil
}

func newSQSQueue(api sqsAPI, cfg SQSQueueConfig) *SQSQueue {
	if cfg.GroupID == "" {
		cfg.GroupID = "skimmerwatch"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SQSQueue{
		api:    api,
		cfg:    cfg,
		logger: cfg.Logger.With("queue", "sqs"),
	}
}

func (q *SQSQueue) Name() string {
	return "sqs"
}

func (q *SQSQueue) IdleInterval() time.Duration {
	return q.cfg.IdleInterval
}

func (q *SQSQueue) Close() error {
	return nil
}

func (q *SQSQueue) Post(ctx context.Context, payload string, _ PostOptions) (string, error) {
	var out *sqs.SendMessageOutput
	err := throttled(ctx, q.logger, q.Name(), "post", q.cfg.Cooldown, func(ctx context.Context) error {
		var err error
		out, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:               aws.String(q.cfg.QueueURL),
			MessageBody:            aws.String(payload),
			MessageGroupId:         aws.String(q.cfg.GroupID),
			MessageDeduplicationId: aws.String(uuid.NewString()),
		})
		return classifySQSError(err)
	})
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "post").Inc()
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Next receives one message and deletes it before returning. A crash after
// the delete loses the item.
func (q *SQSQueue) Next(ctx context.Context, _ TimeWindow, _ Cursor) (Delivery, error) {
	var out *sqs.ReceiveMessageOutput
	err := throttled(ctx, q.logger, q.Name(), "receive", q.cfg.Cooldown, func(ctx context.Context) error {
		var err error
		out, err = q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		})
		return classifySQSError(err)
	})
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "receive").Inc()
		return Delivery{}, fmt.Errorf("failed to receive message: %w", err)
	}
	if out == nil || len(out.Messages) == 0 {
		return Delivery{}, nil
	}

	msg := out.Messages[0]
	err = throttled(ctx, q.logger, q.Name(), "delete", q.cfg.Cooldown, func(ctx context.Context) error {
		_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.cfg.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		return classifySQSError(err)
	})
	if err != nil {
		metrics.QueueErrors.WithLabelValues(q.Name(), "delete").Inc()
		return Delivery{}, fmt.Errorf("failed to delete message %s: %w", aws.ToString(msg.MessageId), err)
	}

	body := aws.ToString(msg.Body)
	if !types.HasEnvelope(body) {
		q.logger.Debug("Dropped message without envelope", "message_id", aws.ToString(msg.MessageId))
		return Delivery{}, nil
	}

	return Delivery{Payload: body, MessageID: aws.ToString(msg.MessageId)}, nil
}

var throttlingCodes = map[string]bool{
	"Throttling":                              true,
	"ThrottlingException":                     true,
	"RequestThrottled":                        true,
	"TooManyRequestsException":                true,
	"AWS.SimpleQueueService.RequestThrottled": true,
}

func classifySQSError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %v", types.ErrThrottled, err)
	}
	return err
}
