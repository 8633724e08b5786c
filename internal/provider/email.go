package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/store"
)

// SESSender delivers email via AWS SES.
type SESSender struct {
	client *ses.Client
	name   string
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Name      string
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "ses"
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		name:   name,
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends a rendered email via SES. Recipient rejections are
// permanent; everything else is left transient for the retry policy.
func (s *SESSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != store.ChannelEmail {
		return fmt.Errorf("ses sender only supports email, got: %s", msg.Channel)
	}
	if msg.Recipient == "" {
		return Permanent(errors.New("email message missing recipient"))
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(msg.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return Permanent(fmt.Errorf("ses rejected message: %w", err))
		}
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("job_id", msg.JobID),
		zap.String("to", msg.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SESSender) Channel() string { return store.ChannelEmail }
func (s *SESSender) Name() string    { return s.name }

// HealthCheck verifies SES is reachable by querying the sending quota.
func (s *SESSender) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("ses health check: %w", err)
	}
	return nil
}
