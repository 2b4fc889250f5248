package utils

// ErrNonRetryable indicates a failure the queue must not reschedule,
// the item is moved to a terminal state instead of being retried
type ErrNonRetryable struct {
	err error
}

// NewErrNonRetryable creates new error
func NewErrNonRetryable(err error) error {
	return &ErrNonRetryable{err: err}
}

func (e *ErrNonRetryable) Error() string {
	return "non retryable error: " + e.err.Error()
}

func (e *ErrNonRetryable) Unwrap() error {
	return e.err
}
