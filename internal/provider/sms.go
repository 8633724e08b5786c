package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// SNSSender delivers SMS via AWS SNS.
type SNSSender struct {
	client *sns.Client
	name   string
	logger *zap.Logger
}

type SNSConfig struct {
	Name   string
	Region string
}

func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "sns"
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		name:   name,
		logger: logger,
	}, nil
}

// Send sends a rendered SMS via SNS. Invalid phone numbers are
// permanent failures.
func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != store.ChannelSMS {
		return fmt.Errorf("sns sender only supports sms, got: %s", msg.Channel)
	}
	if msg.Recipient == "" {
		return Permanent(errors.New("sms message missing phone number"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Recipient),
		Message:     aws.String(msg.Body),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidParameter" {
			return Permanent(fmt.Errorf("sns rejected phone number: %w", err))
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via SNS",
		zap.String("job_id", msg.JobID),
		zap.String("phone_number", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SNSSender) Channel() string { return store.ChannelSMS }
func (s *SNSSender) Name() string    { return s.name }

// HealthCheck verifies SNS is reachable by reading SMS attributes.
func (s *SNSSender) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{})
	if err != nil {
		return fmt.Errorf("sns health check: %w", err)
	}
	return nil
}
