package notifier

import (
	"context"
	"errors"

	"github.com/voicetel/order-notifier/internal/safety"
)

var (
	ErrCredentialsMissing  = errors.New("messaging API credentials are missing")
	ErrInvalidEndpoint     = errors.New("messaging API endpoint has no numeric business id")
	ErrInvalidContact      = errors.New("contact number has no digits")
	ErrTemplateUnverified  = errors.New("template could not be verified")
	ErrRetryLimitExceeded  = errors.New("retry limit exceeded")
	ErrTransport           = errors.New("messaging API request failed")
	ErrFeatureDisabled     = errors.New("notifications are disabled")
	ErrUnknownNotification = errors.New("unknown notification type")
)

// isAbort reports whether err must stop the whole run rather than one entity.
func isAbort(err error) bool {
	return safety.IsStop(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
