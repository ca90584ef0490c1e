package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

const (
	DefaultRegion         = "us-east-2"
	DefaultPublishTimeout = 5 * time.Second
	sourceAttribute       = "dealerpipe"
)

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSOpts holds configuration for an SQSPublisher.
type SQSOpts struct {
	QueueURL        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Timeout         time.Duration
}

// SQSOption configures an SQSPublisher.
type SQSOption func(*SQSOpts)

// WithQueueURL sets the destination queue.
func WithQueueURL(url string) SQSOption {
	return func(o *SQSOpts) {
		o.QueueURL = url
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) SQSOption {
	return func(o *SQSOpts) {
		o.Region = region
	}
}

// WithStaticCredentials uses fixed credentials instead of the default chain.
func WithStaticCredentials(accessKeyID, secret string) SQSOption {
	return func(o *SQSOpts) {
		o.AccessKeyID = accessKeyID
		o.SecretAccessKey = secret
	}
}

// WithEndpoint overrides the SQS endpoint (for local queue emulators).
func WithEndpoint(endpoint string) SQSOption {
	return func(o *SQSOpts) {
		o.Endpoint = endpoint
	}
}

// WithPublishTimeout bounds each SendMessage call.
func WithPublishTimeout(d time.Duration) SQSOption {
	return func(o *SQSOpts) {
		o.Timeout = d
	}
}

// SQSPublisher sends plate lookups to an SQS queue as JSON.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher loads AWS configuration and builds a publisher.
func NewSQSPublisher(ctx context.Context, opts ...SQSOption) (*SQSPublisher, error) {
	cfg := SQSOpts{Region: DefaultRegion, Timeout: DefaultPublishTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("queue: queue URL must be provided")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	slog.Debug("SQSPublisher.NewSQSPublisher: publisher created", "queue_url", cfg.QueueURL, "region", cfg.Region)
	return newSQSPublisher(client, cfg), nil
}

func newSQSPublisher(client sqsAPI, cfg SQSOpts) *SQSPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPublishTimeout
	}
	return &SQSPublisher{client: client, queueURL: cfg.QueueURL, timeout: cfg.Timeout}
}

// Publish sends one lookup request. Errors are wrapped in ErrQueueUnavailable.
func (p *SQSPublisher) Publish(ctx context.Context, req models.PlateLookupRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(sourceAttribute),
			},
		},
	})
	if err != nil {
		slog.Error("SQSPublisher.Publish: send failed", "plate", req.Plate, "sender", req.User, "code", errorCode(err), "error", err)
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	slog.Info("SQSPublisher.Publish: plate lookup queued", "plate", req.Plate, "sender", req.User, "message_id", aws.ToString(out.MessageId))
	return nil
}

// errorCode extracts the AWS error code for logging.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	return "Unknown"
}
