package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignaller struct {
	signalled  int
	closed     bool
	reportedN  int
	reportedCt int
}

func (f *fakeSignaller) signalBatchSizeThreshold() { f.signalled++ }
func (f *fakeSignaller) streamClosed() bool        { return f.closed }
func (f *fakeSignaller) reportBatchSize(n int) {
	f.reportedN = n
	f.reportedCt++
}

func TestOffset_Acknowledge_IsIdempotent(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 41, batch, sig)

	off.Acknowledge()
	off.Acknowledge()
	off.Acknowledge()

	args := batch.getAndClearOffsets()
	require.False(t, args.Empty())
	assert.Equal(t, 1, args.PartitionsToCounts[tp]) // only the first call counted
}

func TestOffset_Acknowledge_SignalsThresholdOnce(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(1, 0)
	sig := &fakeSignaller{}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 1, batch, sig)

	off.Acknowledge()
	assert.Equal(t, 1, sig.signalled)

	off.Acknowledge()
	assert.Equal(t, 1, sig.signalled, "repeat acknowledge must not re-signal")
}

func TestOffset_Acknowledge_ReportsBatchSize(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{}
	tp := TopicPartition{Topic: "t", Partition: 0}

	newOffset(tp, 1, batch, sig).Acknowledge()
	assert.Equal(t, 1, sig.reportedN)

	newOffset(TopicPartition{Topic: "t", Partition: 1}, 1, batch, sig).Acknowledge()
	assert.Equal(t, 2, sig.reportedN, "report must reflect the batch's cumulative pending count")
}

func TestOffset_Commit_ResolvesOnTerminalCommit(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 7, batch, sig)

	done := off.Commit()
	select {
	case <-done:
		t.Fatal("commit waiter must not resolve before a commit cycle runs")
	default:
	}

	args := batch.getAndClearOffsets()
	require.Len(t, args.Waiters, 1)
	args.Waiters[0] <- nil
	close(args.Waiters[0])

	select {
	case err := <-done:
		assert.NoError(t, err)
	default:
		t.Fatal("expected commit waiter to resolve")
	}
}

func TestOffset_Commit_RepeatCallReturnsResolvedChannel(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 7, batch, sig)

	first := off.Commit()
	batch.getAndClearOffsets() // drain, simulating a commit cycle in flight

	second := off.Commit()
	select {
	case err := <-second:
		assert.NoError(t, err)
	default:
		t.Fatal("repeat Commit() call must return an already-resolved channel")
	}
	_ = first
}

func TestOffset_AcknowledgeAfterStreamClosed_IsNoOp(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{closed: true}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 1, batch, sig)

	off.Acknowledge()
	assert.True(t, batch.getAndClearOffsets().Empty())
}

func TestOffset_CommitAfterStreamClosed_ReturnsErrStreamClosed(t *testing.T) {
	t.Parallel()
	batch := NewCommittableBatch(0, 0)
	sig := &fakeSignaller{closed: true}
	tp := TopicPartition{Topic: "t", Partition: 0}
	off := newOffset(tp, 1, batch, sig)

	err := <-off.Commit()
	assert.ErrorIs(t, err, ErrStreamClosed)
}
