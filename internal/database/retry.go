package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"formrelay/internal/constants"
	apperrors "formrelay/internal/errors"
)

// retryableDBOperation executes a store operation with a short bounded retry
// for transient SQLite failures such as a locked database file.
func retryableDBOperation(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error

	maxAttempts := constants.DefaultDatabaseRetryAttempts
	initialBackoff := time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryableDBError(err) {
			return err
		}

		// Don't wait on the last attempt
		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * initialBackoff
		if backoff > time.Duration(constants.DefaultMaxBackoffMs)*time.Millisecond {
			backoff = time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	// Application-level errors (e.g. record not found) are never transient
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return false
	}

	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	// Database is locked errors are typically retryable
	if strings.Contains(errStr, "database is locked") {
		return true
	}

	// Disk I/O errors might be transient
	if strings.Contains(errStr, "disk I/O error") {
		return true
	}

	// For other errors, be conservative and don't retry
	return false
}
