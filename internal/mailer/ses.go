package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/unclebandit/newsletter-backend/internal/config"
	appErrors "github.com/unclebandit/newsletter-backend/internal/errors"
)

type sesAPI interface {
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends through AWS SES v2.
type SESTransport struct {
	client sesAPI
}

// NewSESTransport uses static credentials when given, otherwise the default
// AWS credential chain.
func NewSESTransport(ctx context.Context, cfg config.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Verify checks the credentials work and the account may send.
func (t *SESTransport) Verify(ctx context.Context) error {
	out, err := t.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return appErrors.NewConfiguration(err)
	}
	if !out.SendingEnabled {
		return appErrors.NewConfiguration(errors.New("SES sending is disabled for this account"))
	}
	return nil
}

// Send maps an SES API error to an unaccepted Outcome so one bad address
// does not look like a transport failure.
func (t *SESTransport) Send(ctx context.Context, msg Message) (*Outcome, error) {
	out, err := t.client.SendEmail(ctx, buildSESInput(msg))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Outcome{Accepted: false, Response: err.Error()}, nil
	}
	return &Outcome{
		Accepted:  true,
		MessageID: aws.ToString(out.MessageId),
		Response:  "SES accepted",
	}, nil
}

func buildSESInput(msg Message) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatFrom(msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
}
