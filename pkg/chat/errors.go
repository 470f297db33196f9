package chat

import "errors"

// Failure taxonomy for adapter operations. Callers classify with errors.Is;
// wrapped details carry the specifics.
var (
	// ErrValidation marks malformed input: empty body with no attachment,
	// unknown conversation, sender outside the participant set. Never
	// retried.
	ErrValidation = errors.New("validation failed")
	// ErrPermission marks a mutation outside the actor's rights. Never
	// retried.
	ErrPermission = errors.New("permission denied")
	// ErrTransient marks a recoverable backend failure. Write operations
	// retry with backoff; subscriptions hold state and resume.
	ErrTransient = errors.New("transient backend failure")
	// ErrTimeout marks an operation that neither succeeded nor failed
	// within the configured bound.
	ErrTimeout = errors.New("operation timed out")
)
