package notification

import "errors"

// Sentinel errors returned by the notification service and its senders.
// Callers should use errors.Is for comparison.
var (
	// ErrSendFailed wraps any failure delivering the mail report once SMTP is
	// configured. Non-fatal — the run itself has already completed.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrConfigNotFound means main.smtp_server is empty: SMTP is optional, and
	// a report that would otherwise be sent is simply skipped.
	ErrConfigNotFound = errors.New("notification: smtp not configured")

	// ErrInvalidConfig means smtp_server is set but other required fields are
	// missing or malformed.
	ErrInvalidConfig = errors.New("notification: invalid smtp configuration")
)
