package notifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS publishes messages to an SQS queue. The event type is sent as message attribute.
type SQS struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

// NewSQS returns a publisher for queueURL, using the default AWS configuration of the
// environment
func NewSQS(ctx context.Context, queueURL, region string) (*SQS, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load aws configuration: %w", err)
	}
	return newSQS(sqs.NewFromConfig(cfg), queueURL), nil
}

func newSQS(client sqsAPI, queueURL string) *SQS {
	return &SQS{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Publish implements Publisher
func (s *SQS) Publish(ctx context.Context, message Message) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(message.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(message.Type)},
		},
	}
	if s.fifo {
		input.MessageGroupId = aws.String(message.Key)
		input.MessageDeduplicationId = aws.String(message.Type + "-" + message.Key + "-" + strconv.FormatInt(message.Time.UnixNano(), 10))
	}
	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("cannot send %s to sqs: %w", message.Type, err)
	}
	return nil
}

// Close implements Publisher
func (s *SQS) Close() error {
	return nil
}
