package sender

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/notify"
)

type snsAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends transactional SMS through Amazon SNS.
type SNSSender struct {
	client snsAPI
	log    *zap.Logger
}

var _ notify.PhoneSender = (*SNSSender)(nil)

func NewSNSSender(cfg aws.Config, s Settings, log *zap.Logger) *SNSSender {
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if s.EndpointOverride != "" {
			o.BaseEndpoint = aws.String(s.EndpointOverride)
		}
	})
	return newSNSSender(client, log)
}

func newSNSSender(client snsAPI, log *zap.Logger) *SNSSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SNSSender{client: client, log: log.With(zap.String("component", "sns"))}
}

func (s *SNSSender) SendPhone(ctx context.Context, recipient, text string) error {
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(recipient),
		Message:     aws.String(text),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	})
	if err != nil {
		return classify("sns publish", err)
	}
	s.log.Debug("text accepted", zap.String("provider_id", aws.ToString(out.MessageId)))
	return nil
}
