// Package receiver implements the reactive core of a Kafka consumer
// runtime: a back-pressured event loop that bridges a blocking,
// thread-affine consumer client to an asynchronous, pull-driven stream of
// record batches.
package receiver

import (
	"context"
	"time"
)

// TopicPartition identifies a single partition of a topic. It is a value
// type: equality and map-key hashing follow Go's default struct semantics
// over both fields.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// OffsetAndMetadata is the offset committed to the broker for a partition.
// It always encodes "offset of last seen record + 1" — consumer
// next-read-position semantics.
type OffsetAndMetadata struct {
	Offset int64
}

// Record is a single polled Kafka record, the unit downstream receives
// alongside its Offset handle.
type Record struct {
	TopicPartition
	Key       []byte
	Value     []byte
	Offset    int64
	Timestamp time.Time
}

// RecordBatch is what a single poll cycle hands to downstream: the raw
// records plus one Offset handle per record, in delivery order.
type RecordBatch struct {
	Records []Record
	Offsets []*Offset
}

// AckMode selects the commit semantics in force for the receiver.
type AckMode int

const (
	// ManualAck never commits except when the user explicitly calls
	// Offset.acknowledge/commit and the CommitScheduler strategy fires.
	ManualAck AckMode = iota
	// AutoAck behaves like ManualAck but the stream implicitly
	// acknowledges a record once downstream has consumed it.
	AutoAck
	// AtMostOnce commits an offset synchronously before the record
	// carrying it is ever handed downstream.
	AtMostOnce
	// ExactlyOnce delegates commits to an external producer transaction;
	// the core never commits in this mode.
	ExactlyOnce
)

func (m AckMode) String() string {
	switch m {
	case ManualAck:
		return "manual"
	case AutoAck:
		return "auto"
	case AtMostOnce:
		return "at_most_once"
	case ExactlyOnce:
		return "exactly_once"
	default:
		return "unknown"
	}
}

// RebalanceListener receives partition-assignment notifications from the
// consumer client. Both callbacks run on the consumer thread.
type RebalanceListener interface {
	OnPartitionsAssigned(ctx context.Context, partitions []TopicPartition)
	OnPartitionsRevoked(ctx context.Context, partitions []TopicPartition)
}
