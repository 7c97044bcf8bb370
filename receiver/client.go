package receiver

import (
	"context"
	"time"
)

// Client is the contract the event loop requires of the underlying Kafka
// client library. It is not thread-safe by assumption: every method here
// is only ever invoked from the receiver's ConsumerThread. The one
// sanctioned exception is Wakeup, which is designed to be called
// concurrently to interrupt an in-progress Poll.
type Client interface {
	// Subscribe registers topics and installs the rebalance listener.
	// Called once, before the first poll.
	Subscribe(topics []string, listener RebalanceListener) error

	// Poll blocks up to timeout waiting for records. A concurrent Wakeup
	// call causes it to return ErrWakeup instead of blocking out the
	// timeout.
	Poll(ctx context.Context, timeout time.Duration) (RecordBatch, error)

	// Pause stops fetching from the given partitions until Resume.
	Pause(partitions []TopicPartition)

	// Resume re-enables fetching on the given partitions.
	Resume(partitions []TopicPartition)

	// Assignment reports the partitions currently assigned to this
	// consumer.
	Assignment() []TopicPartition

	// Paused reports the subset of the assignment currently paused.
	Paused() []TopicPartition

	// CommitAsync submits offsets for commit without blocking; cb runs
	// later, once the broker replies, and may run on any goroutine (the
	// event loop hands the outcome back to its consumer thread itself).
	CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, cb func(map[TopicPartition]OffsetAndMetadata, error))

	// CommitSync blocks until the offsets are committed or an error
	// occurs.
	CommitSync(offsets map[TopicPartition]OffsetAndMetadata) error

	// Wakeup unblocks a concurrently in-progress Poll call.
	Wakeup()

	// Close releases the client, blocking up to timeout.
	Close(timeout time.Duration) error
}
