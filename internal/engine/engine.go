package engine

import (
	"context"

	"github.com/phrazzld/mediatext/internal/domain"
)

// JobStatus is the state of a remote asynchronous job.
type JobStatus string

// Remote job states
const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Adapter is the capability every engine variant provides.
type Adapter interface {
	// Engine names the variant this adapter implements.
	Engine() domain.Engine

	// CheckAvailable reports whether the engine is usable right now,
	// e.g. whether a local binary is installed.
	CheckAvailable(ctx context.Context) bool
}

// SyncAdapter is implemented by engines that finish within one call.
type SyncAdapter interface {
	Adapter
	ProcessSync(ctx context.Context, src domain.SourceRef) (string, error)
}

// AsyncAdapter is implemented by engines that return a long-running job.
type AsyncAdapter interface {
	Adapter
	SubmitAsync(ctx context.Context, src domain.SourceRef, opts domain.JobOptions) (string, error)
	PollAsync(ctx context.Context, handle string) (PollResult, error)
}

// PollResult is one observation of a remote job.
type PollResult struct {
	Status JobStatus
	// Text is set when Status is JobSucceeded.
	Text string
	// Reason explains a JobFailed status.
	Reason string
	// Raw is the engine's full response document, kept as an artifact when present.
	Raw []byte
}
