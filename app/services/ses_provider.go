package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/go-playground/validator/v10"
)

// SESClient is the subset of the SES v2 client used for sending
type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider delivers message steps through Amazon SES
type SESProvider struct {
	client           SESClient
	fromEmail        string
	configurationSet string
	validate         *validator.Validate
}

// NewSESProvider loads the default AWS credential chain for region
func NewSESProvider(ctx context.Context, region, fromEmail, configurationSet string) (*SESProvider, error) {
	if fromEmail == "" {
		return nil, fmt.Errorf("SES from address is not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESProviderWithClient(sesv2.NewFromConfig(cfg), fromEmail, configurationSet), nil
}

func NewSESProviderWithClient(client SESClient, fromEmail, configurationSet string) *SESProvider {
	return &SESProvider{
		client:           client,
		fromEmail:        fromEmail,
		configurationSet: configurationSet,
		validate:         validator.New(),
	}
}

func (p *SESProvider) Send(ctx context.Context, d Delivery) (string, error) {
	if err := p.validate.Var(d.Recipient, "required,email"); err != nil {
		return "", NewPermanentError(fmt.Errorf("invalid recipient address %q", d.Recipient))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{d.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(d.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(d.Body)},
				},
			},
		},
	}
	if p.configurationSet != "" {
		input.ConfigurationSetName = aws.String(p.configurationSet)
	}
	if d.CorrelationToken != "" {
		for name, value := range CorrelationTags(d.CorrelationToken) {
			input.EmailTags = append(input.EmailTags, types.MessageTag{
				Name:  aws.String(name),
				Value: aws.String(value),
			})
		}
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// classifySESError maps rejected-content and bad-request faults to permanent errors.
// Throttling, account pauses and server faults stay transient.
func classifySESError(err error) error {
	var (
		rejected    *types.MessageRejected
		badRequest  *types.BadRequestException
		notVerified *types.MailFromDomainNotVerifiedException
		notFound    *types.NotFoundException
		tooMany     *types.TooManyRequestsException
		limit       *types.LimitExceededException
		paused      *types.SendingPausedException
		apiErr      smithy.APIError
	)
	switch {
	case errors.As(err, &rejected), errors.As(err, &badRequest),
		errors.As(err, &notVerified), errors.As(err, &notFound):
		return NewPermanentError(err)
	case errors.As(err, &tooMany), errors.As(err, &limit), errors.As(err, &paused):
		return NewTransientError(err)
	case errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient:
		return NewPermanentError(err)
	default:
		return NewTransientError(err)
	}
}
