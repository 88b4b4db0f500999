package task

import "errors"

var (
	// ErrPollTimeout is the failure reason for a remote job that did not
	// finish within the poll budget.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrWorkerLost is the cause recorded when a stuck Processing task is
	// reclaimed from a worker that stopped reporting.
	ErrWorkerLost = errors.New("worker lost while processing")

	// ErrEmptyJobHandle is returned when an engine accepts a job without
	// returning a handle to poll it by.
	ErrEmptyJobHandle = errors.New("engine returned an empty job handle")
)
