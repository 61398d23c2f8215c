package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewPersistenceError creates a database error with operation context
func NewPersistenceError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Failed to store webhook data")
}

// NewBrevoError creates an error for a failed Brevo API call. Provider
// failures are transient from the dispatch job's perspective and marked
// retryable so the backoff policy re-runs the job up to its attempt cap.
func NewBrevoError(endpoint string, statusCode int, err error) *AppError {
	return WrapRetryable(err, ErrCodeBrevoAPI, "brevo API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
}

// NewMissingContactError creates the permanent error raised when a webhook
// payload carries no resolvable email address. Never retryable: the email
// will not appear on a re-run.
func NewMissingContactError() *AppError {
	return New(ErrCodeMissingContact, "no email address found in webhook data").
		WithUserMessage("Webhook payload has no email address")
}
