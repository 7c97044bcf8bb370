package receiver

import "errors"

var (
	// ErrWakeup is returned by Client.Poll when a concurrent Wakeup call
	// interrupted an in-progress poll. The event loop treats it exactly
	// like an empty batch.
	ErrWakeup = errors.New("kreactor: poll interrupted by wakeup")

	// ErrStreamClosed resolves the channel returned by Offset.Commit when
	// it is called after the stream has terminated (EventLoop.Done is
	// closed). Offset.Acknowledge called after that point is a no-op.
	ErrStreamClosed = errors.New("kreactor: stream already closed")

	// ErrRevoked rejects commit waiters whose partitions were revoked
	// before their commit could complete.
	ErrRevoked = errors.New("kreactor: partition revoked before commit completed")
)

// CommitError wraps a commit failure reported by the consumer client,
// tagged with whether the caller-supplied predicate judged it retryable.
type CommitError struct {
	Err       error
	Retryable bool
}

func (e *CommitError) Error() string {
	return e.Err.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
