package orchestrator

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTrashed    = errors.New("task is already trashed")
	ErrNotTrashed        = errors.New("task is not trashed")
	ErrTrashed           = errors.New("task is trashed")
	ErrNotCompleted      = errors.New("task is not completed")
	ErrAlreadyArchived   = errors.New("task is already archived")
	ErrNoCheckpoint      = errors.New("task has no checkpoint")
	ErrResumeTooEarly    = errors.New("task cannot be resumed yet")
	ErrRetryLimit        = errors.New("retry limit reached")
	ErrNotRetryable      = errors.New("task is not retryable")
	ErrBlocked           = errors.New("task is blocked by unfinished dependencies")
	ErrAlreadyRunning    = errors.New("task is already running")
	ErrNoSubtasks        = errors.New("task has no subtasks")
)
