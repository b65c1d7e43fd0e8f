package taskmanager

import "errors"

// Registration and scheduling misuse. These are returned synchronously.
var (
	ErrDuplicateRegistration  = errors.New("taskmanager: task already registered")
	ErrRegistrationAfterStart = errors.New("taskmanager: registration after a worker was created")
	ErrInvalidTaskFunc        = errors.New("taskmanager: invalid task function")
	ErrDuplicateWorker        = errors.New("taskmanager: worker name already used by this manager")
	ErrUnknownTask            = errors.New("taskmanager: unknown task")
	ErrMissingParameter       = errors.New("taskmanager: missing required parameter")
	ErrUnexpectedParameter    = errors.New("taskmanager: unexpected parameter")
	ErrTypeMismatch           = errors.New("taskmanager: parameter type mismatch")
)

// State misuse and waiting.
var (
	ErrAlreadyTerminal       = errors.New("taskmanager: task already in a terminal state")
	ErrAlreadyQuitting       = errors.New("taskmanager: worker already quit")
	ErrInvalidStateForFinish = errors.New("taskmanager: task not in a finishable state")
	ErrTimeout               = errors.New("taskmanager: timed out")
	ErrNotFound              = errors.New("taskmanager: record not found")
)

// Messages persisted as result["error"] by the worker.
const (
	msgWorkerRestarted = "Worker was restarted"
	msgTaskCanceled    = "Task was canceled"
)
