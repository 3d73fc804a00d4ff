package sender

import (
	"context"
	"errors"
	"regexp"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/notify"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES tag values allow only this alphabet.
var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)

const maxTags = 10

// SESSender sends plain-text email through Amazon SES v2.
type SESSender struct {
	client sesAPI
	from   string
	log    *zap.Logger
}

var _ notify.EmailSender = (*SESSender)(nil)

// NewSESSender builds the SES client from cfg.
func NewSESSender(cfg aws.Config, s Settings, log *zap.Logger) (*SESSender, error) {
	if s.FromAddress == "" {
		return nil, errors.New("ses sender: from address is required")
	}
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if s.EndpointOverride != "" {
			o.BaseEndpoint = aws.String(s.EndpointOverride)
		}
	})
	return newSESSender(client, s.FromAddress, log), nil
}

func newSESSender(client sesAPI, from string, log *zap.Logger) *SESSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESSender{client: client, from: from, log: log.With(zap.String("component", "ses"))}
}

// SendEmail sends one message.  Metadata travels as SES message tags.
func (s *SESSender) SendEmail(ctx context.Context, recipient, subject, body string, metadata map[string]string) error {
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: emailTags(metadata),
	}
	out, err := s.client.SendEmail(ctx, in)
	if err != nil {
		return classify("ses send", err)
	}
	s.log.Debug("email accepted", zap.String("provider_id", aws.ToString(out.MessageId)))
	return nil
}

func emailTags(metadata map[string]string) []types.MessageTag {
	if len(metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		name, value := tagUnsafe.ReplaceAllString(k, "_"), tagUnsafe.ReplaceAllString(metadata[k], "_")
		if name == "" || value == "" {
			continue
		}
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}
