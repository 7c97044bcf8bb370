package receiver

import "sync/atomic"

// Offset is the per-record acknowledge/commit primitive handed to
// downstream consumers alongside every polled record. It is safe to call
// from any goroutine; neither method commits synchronously — they only
// update the owning CommittableBatch and, for commit, register a waiter
// resolved by a later commit cycle.
type Offset struct {
	TopicPartition TopicPartition
	Offset         int64

	acknowledged atomic.Bool
	batch        *CommittableBatch
	commitBatch  commitBatchSignaller
}

// commitBatchSignaller abstracts the non-blocking rendezvous send used to
// wake the CommitScheduler's size-triggered path, the stream-closed check
// that gives acknowledge/commit called after shutdown an explicit
// contract (§9's onCommitDropped open question) instead of a silent
// no-op, and the unconditional batch-size report the pending-size gauge
// is driven from. Satisfied by *EventLoop in production and by fakes in
// tests.
type commitBatchSignaller interface {
	signalBatchSizeThreshold()
	streamClosed() bool
	reportBatchSize(n int)
}

func newOffset(tp TopicPartition, offset int64, batch *CommittableBatch, sig commitBatchSignaller) *Offset {
	return &Offset{
		TopicPartition: tp,
		Offset:         offset,
		batch:          batch,
		commitBatch:    sig,
	}
}

// Acknowledge marks this offset eligible for the next commit. The first
// call raises the batch's tracked offset for this partition and, if the
// configured commit-batch-size threshold is reached, nudges the
// CommitScheduler. Later calls are silent no-ops.
func (o *Offset) Acknowledge() {
	if o.commitBatch != nil && o.commitBatch.streamClosed() {
		return
	}
	if !o.acknowledged.CompareAndSwap(false, true) {
		return
	}
	o.batch.acknowledgeOffset(o.TopicPartition, o.Offset)
	if o.commitBatch != nil {
		o.commitBatch.reportBatchSize(o.batch.batchSize())
		if o.batch.thresholdReached() {
			o.commitBatch.signalBatchSizeThreshold()
		}
	}
}

// Commit marks this offset acknowledged (as Acknowledge does) and returns
// a channel that resolves once a commit covering this offset completes —
// with a nil error on success, or the commit's terminal error otherwise.
// Calling Commit again after the first call returns a channel that is
// already closed with a nil error, matching the "no waiter" no-op
// contract of repeat calls.
func (o *Offset) Commit() <-chan error {
	done := make(chan error, 1)
	if o.commitBatch != nil && o.commitBatch.streamClosed() {
		done <- ErrStreamClosed
		close(done)
		return done
	}
	if !o.acknowledged.CompareAndSwap(false, true) {
		done <- nil
		close(done)
		return done
	}
	o.batch.acknowledgeOffset(o.TopicPartition, o.Offset)
	o.batch.addWaiter(done)
	if o.commitBatch != nil {
		o.commitBatch.reportBatchSize(o.batch.batchSize())
		if o.batch.thresholdReached() {
			o.commitBatch.signalBatchSizeThreshold()
		}
	}
	return done
}
