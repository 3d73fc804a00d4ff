// Package sender holds the channel senders behind notify.EmailSender and
// notify.PhoneSender: Amazon SES v2 for email, Amazon SNS for text messages
// and a file sender for local runs.  Provider failures are classified as
// transient or permanent before they reach the dispatcher.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"

	"github.com/iliyamo/booking-notifications/internal/notify"
)

// Settings configures the AWS senders.  EndpointOverride points both
// clients at a local stack; static keys are optional and fall back to the
// default credential chain.
type Settings struct {
	Region           string
	EndpointOverride string
	AccessKey        string
	SecretKey        string
	FromAddress      string
}

// LoadAWSConfig resolves the shared AWS configuration for s.
func LoadAWSConfig(ctx context.Context, s Settings) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKey != "" && s.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// Error codes that no retry can fix.
var permanentCodes = codeSet(
	// SES
	"MessageRejected",
	"MailFromDomainNotVerifiedException",
	"AccountSuspendedException",
	"SendingPausedException",
	"BadRequestException",
	"NotFoundException",
	// SNS
	"InvalidParameter",
	"InvalidParameterValue",
	"AuthorizationError",
	"EndpointDisabled",
	"NotFound",
	"OptedOut",
	// both
	"ValidationException",
	"InvalidClientTokenId",
	"UnrecognizedClientException",
)

// Error codes that are client faults but clear up on their own.
var transientCodes = codeSet(
	"Throttling",
	"ThrottlingException",
	"Throttled",
	"TooManyRequestsException",
	"LimitExceededException",
	"RequestTimeout",
	"RequestTimeoutException",
	"KMSThrottling",
)

func codeSet(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// classify wraps a provider error as notify.ErrTransient or
// notify.ErrPermanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return notify.WrapTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return notify.WrapTransient(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return notify.WrapTransient(err)
		case permanentCodes[code]:
			return notify.WrapPermanent(err)
		case apiErr.ErrorFault() == smithy.FaultClient:
			return notify.WrapPermanent(err)
		}
	}
	return notify.WrapTransient(err)
}
