package jobs

import "errors"

var (
	ErrNotFound = errors.New("jobs: job not found")

	// ErrNotCancellable is returned by Cancel for any non-pending job.
	// Cancelling a running job is not supported: in-flight handler
	// execution has no cancellation signal in this design, only the
	// stuck-job sweep bounds its record lifetime.
	ErrNotCancellable = errors.New("jobs: only pending jobs can be cancelled")

	// ErrNotRetryable is returned by Retry when the job is not in the
	// failed state.
	ErrNotRetryable = errors.New("jobs: only failed jobs can be retried")

	// ErrRetriesExhausted is returned by Retry when the retry budget is
	// spent; the job stays failed.
	ErrRetriesExhausted = errors.New("jobs: max retries exhausted")

	// ErrInvalidDelay rejects negative enqueue delays synchronously.
	ErrInvalidDelay = errors.New("jobs: delay must not be negative")

	// ErrInvalidType rejects job types outside the enum synchronously.
	ErrInvalidType = errors.New("jobs: invalid job type")
)
