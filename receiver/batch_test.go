package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommittableBatch_UpdateOffsetTracksMaxAndCount(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 0)
	tp := TopicPartition{Topic: "orders", Partition: 0}

	total := b.updateOffset(tp, 5)
	assert.Equal(t, 1, total)
	total = b.updateOffset(tp, 3) // lower offset must not regress latestOffsets
	assert.Equal(t, 2, total)

	args := b.getAndClearOffsets()
	require.False(t, args.Empty())
	assert.Equal(t, int64(6), args.Offsets[tp].Offset) // 5 + 1
	assert.Equal(t, 2, args.PartitionsToCounts[tp])
}

func TestCommittableBatch_GetAndClearOffsets_EmptyWhenNothingPending(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 0)
	args := b.getAndClearOffsets()
	assert.True(t, args.Empty())
}

func TestCommittableBatch_ThresholdReached(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(3, 0)
	tp := TopicPartition{Topic: "t", Partition: 0}

	assert.False(t, b.thresholdReached())
	b.updateOffset(tp, 1)
	b.updateOffset(tp, 2)
	assert.False(t, b.thresholdReached())
	b.updateOffset(tp, 3)
	assert.True(t, b.thresholdReached())
}

func TestCommittableBatch_DeferredCommitTracking(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 10)
	tp := TopicPartition{Topic: "t", Partition: 0}

	b.addUncommitted([]Record{
		{TopicPartition: tp, Offset: 1},
		{TopicPartition: tp, Offset: 2},
		{TopicPartition: tp, Offset: 3},
	})
	assert.Equal(t, 3, b.deferredCount())

	b.acknowledgeOffset(tp, 2)
	assert.Equal(t, 2, b.deferredCount())
}

func TestCommittableBatch_RestoreOffsetsAfterFailure(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 0)
	tp := TopicPartition{Topic: "t", Partition: 0}
	b.updateOffset(tp, 9)

	args := b.getAndClearOffsets()
	require.False(t, args.Empty())
	assert.True(t, b.getAndClearOffsets().Empty()) // drained

	waiter := make(chan error, 1)
	args.Waiters = append(args.Waiters, waiter)
	b.restoreOffsets(args, true)

	restored := b.getAndClearOffsets()
	require.False(t, restored.Empty())
	assert.Equal(t, int64(10), restored.Offsets[tp].Offset)
	assert.Equal(t, 1, restored.PartitionsToCounts[tp])
	require.Len(t, restored.Waiters, 1)
}

func TestCommittableBatch_OnPartitionsRevoked_DropsStateAndResolvesWaiters(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 0)
	tp := TopicPartition{Topic: "t", Partition: 0}
	b.updateOffset(tp, 1)
	args := b.getAndClearOffsets()
	require.False(t, args.Empty())

	waiter := make(chan error, 1)
	b.addWaiter(waiter)

	b.onPartitionsRevoked([]TopicPartition{tp})

	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, ErrRevoked)
	default:
		t.Fatal("expected waiter to be resolved on revocation")
	}
}

func TestCommittableBatch_OnPartitionsRevoked_LeavesWaitersWhenOtherPartitionsRemain(t *testing.T) {
	t.Parallel()
	b := NewCommittableBatch(0, 0)
	tpA := TopicPartition{Topic: "t", Partition: 0}
	tpB := TopicPartition{Topic: "t", Partition: 1}
	b.updateOffset(tpA, 1)
	b.updateOffset(tpB, 1)

	waiter := make(chan error, 1)
	b.addWaiter(waiter)

	b.onPartitionsRevoked([]TopicPartition{tpA})

	select {
	case <-waiter:
		t.Fatal("waiter should not resolve while other partitions remain pending")
	default:
	}
}
