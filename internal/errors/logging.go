package errors

import (
	"github.com/sirupsen/logrus"
)

// LogError logs an error with the structured context carried by an AppError.
func LogError(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	entry := withErrorContext(logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Error(message)
}

// LogWarn logs a warning with the structured context carried by an AppError.
func LogWarn(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	entry := withErrorContext(logger, err)
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func LogRetryableError(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		LogWarn(logger, err, message, fields...)
	} else {
		LogError(logger, err, message, fields...)
	}
}

func withErrorContext(logger *logrus.Logger, err error) *logrus.Entry {
	entry := logger.WithError(err)

	if appErr, ok := err.(*AppError); ok {
		entry = entry.WithFields(logrus.Fields{
			"error_code": appErr.Code,
			"retryable":  appErr.Retryable,
		})

		for k, v := range appErr.Context {
			entry = entry.WithField(k, v)
		}
	}

	return entry
}
