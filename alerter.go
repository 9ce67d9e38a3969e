package main

import (
	"context"
	"errors"
)

// ErrAlerterNotConfigured is returned when an alerter operation is attempted
// but the alerter has not been properly configured or initialized.
var ErrAlerterNotConfigured = errors.New("alerter not configured")

// ErrAlerterRateLimited is returned when the notification gateway answers
// with 429. The notification is not retried.
var ErrAlerterRateLimited = errors.New("alerter rate limited")

// ErrAlerterDropped is returned when a notification cannot be delivered, for
// example when the gateway returns a non-2xx HTTP response.
var ErrAlerterDropped = errors.New("alerter message dropped")

// Alerter delivers a formatted status change notification to the outside
// world. Delivery is best effort: callers log the returned error and move on.
type Alerter interface {
	Send(ctx context.Context, message NotificationMessage) error
}
