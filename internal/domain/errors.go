package domain

import "errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNoAvailableProvider = errors.New("no available provider")
	ErrInvalidSignature    = errors.New("invalid signature")

	// ErrWebhookDeliveryFailed marks a delivery that reached its terminal failed state.
	// It is never returned from the send path; it only surfaces through status lookups.
	ErrWebhookDeliveryFailed = errors.New("webhook delivery failed")
)
