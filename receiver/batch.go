package receiver

import (
	"sort"
	"sync"
)

// CommitArgs is a snapshot drained from a CommittableBatch: the offsets to
// commit, how many acknowledgements contributed to each partition (so a
// failed commit can be restored), and the waiters to resolve once the
// commit reaches a terminal outcome.
type CommitArgs struct {
	Offsets            map[TopicPartition]OffsetAndMetadata
	PartitionsToCounts map[TopicPartition]int
	Waiters            []chan error
}

// Empty reports whether this snapshot has nothing to commit.
func (a CommitArgs) Empty() bool {
	return len(a.Offsets) == 0
}

// CommittableBatch accumulates, per partition, the highest acknowledged
// offset not yet drained into a commit, plus the FIFO of commit() waiters
// awaiting the next successful flush. All methods are safe for concurrent
// use; mutation is protected by a single mutex (the "internal
// synchronization" the spec calls for).
type CommittableBatch struct {
	maxDeferredCommits int

	mu             sync.Mutex
	latestOffsets  map[TopicPartition]int64
	pendingCounts  map[TopicPartition]int
	uncommitted    map[TopicPartition][]int64 // sorted ascending
	waiters        []chan error
	commitBatchN   int // commitBatchSize threshold, 0 disables size-triggered nudges
}

// NewCommittableBatch constructs an empty batch. commitBatchSize is the
// cumulative-pending threshold (§4.4) that triggers a scheduler nudge;
// maxDeferredCommits enables the uncommitted-offset tracking used for
// deferred-commit backpressure (§4.5) when > 0.
func NewCommittableBatch(commitBatchSize, maxDeferredCommits int) *CommittableBatch {
	return &CommittableBatch{
		maxDeferredCommits: maxDeferredCommits,
		latestOffsets:      make(map[TopicPartition]int64),
		pendingCounts:      make(map[TopicPartition]int),
		uncommitted:        make(map[TopicPartition][]int64),
		commitBatchN:       commitBatchSize,
	}
}

// updateOffset raises latestOffsets[tp] to max(existing, offset) and
// increments the pending contribution count for tp. Returns the new total
// pending count across all partitions.
func (b *CommittableBatch) updateOffset(tp TopicPartition, offset int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateOffsetLocked(tp, offset)
}

func (b *CommittableBatch) updateOffsetLocked(tp TopicPartition, offset int64) int {
	if cur, ok := b.latestOffsets[tp]; !ok || offset > cur {
		b.latestOffsets[tp] = offset
	}
	b.pendingCounts[tp]++
	total := 0
	for _, n := range b.pendingCounts {
		total += n
	}
	return total
}

// acknowledgeOffset is the path driven by Offset.acknowledge/commit: it
// updates the batch offset and, when deferred-commit tracking is active,
// removes the exact offset from the uncommitted set.
func (b *CommittableBatch) acknowledgeOffset(tp TopicPartition, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateOffsetLocked(tp, offset)
	if b.maxDeferredCommits > 0 {
		b.removeUncommittedLocked(tp, offset)
	}
}

// batchSize returns the sum of pending contribution counts.
func (b *CommittableBatch) batchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.pendingCounts {
		total += n
	}
	return total
}

// thresholdReached reports whether the configured commitBatchSize
// threshold has been met by the current pending count.
func (b *CommittableBatch) thresholdReached() bool {
	if b.commitBatchN < 1 {
		return false
	}
	return b.batchSize() >= b.commitBatchN
}

// deferredCount returns the total number of polled-but-unacknowledged
// offsets tracked across all partitions.
func (b *CommittableBatch) deferredCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, s := range b.uncommitted {
		total += len(s)
	}
	return total
}

// addUncommitted records the offsets of newly polled records as pending
// acknowledgement. Only meaningful when maxDeferredCommits > 0.
func (b *CommittableBatch) addUncommitted(records []Record) {
	if b.maxDeferredCommits <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range records {
		b.insertUncommittedLocked(r.TopicPartition, r.Offset)
	}
}

func (b *CommittableBatch) insertUncommittedLocked(tp TopicPartition, offset int64) {
	s := b.uncommitted[tp]
	i := sort.Search(len(s), func(i int) bool { return s[i] >= offset })
	if i < len(s) && s[i] == offset {
		return
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = offset
	b.uncommitted[tp] = s
}

func (b *CommittableBatch) removeUncommittedLocked(tp TopicPartition, offset int64) {
	s := b.uncommitted[tp]
	i := sort.Search(len(s), func(i int) bool { return s[i] >= offset })
	if i < len(s) && s[i] == offset {
		b.uncommitted[tp] = append(s[:i], s[i+1:]...)
	}
}

// addContinuation appends a waiter to be resumed on the next terminal
// commit outcome.
func (b *CommittableBatch) addContinuation(k chan error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters = append(b.waiters, k)
}

// addWaiter is an alias kept for call-site readability from Offset.Commit.
func (b *CommittableBatch) addWaiter(k chan error) {
	b.addContinuation(k)
}

// getAndClearOffsets atomically snapshots latestOffsets (encoded as
// offset+1 per §6's next-read-position convention) and pendingCounts,
// drains the waiter FIFO, and resets all three. Returns an empty
// CommitArgs if nothing was pending.
func (b *CommittableBatch) getAndClearOffsets() CommitArgs {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.latestOffsets) == 0 {
		waiters := b.waiters
		b.waiters = nil
		return CommitArgs{Waiters: waiters}
	}

	offsets := make(map[TopicPartition]OffsetAndMetadata, len(b.latestOffsets))
	for tp, off := range b.latestOffsets {
		offsets[tp] = OffsetAndMetadata{Offset: off + 1}
	}
	counts := b.pendingCounts
	waiters := b.waiters

	b.latestOffsets = make(map[TopicPartition]int64)
	b.pendingCounts = make(map[TopicPartition]int)
	b.waiters = nil

	return CommitArgs{
		Offsets:            offsets,
		PartitionsToCounts: counts,
		Waiters:            waiters,
	}
}

// restoreOffsets merges a drained CommitArgs back into the batch after a
// failed commit attempt. For each partition, latestOffsets is re-raised to
// max(current, args offset-1) and the contribution counts are added back.
// When restoreWaiters is true, args.Waiters are re-queued at the head of
// the waiter FIFO so they are resumed before any waiter registered since.
func (b *CommittableBatch) restoreOffsets(args CommitArgs, restoreWaiters bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tp, oam := range args.Offsets {
		if cur, ok := b.latestOffsets[tp]; !ok || oam.Offset-1 > cur {
			b.latestOffsets[tp] = oam.Offset - 1
		}
	}
	for tp, n := range args.PartitionsToCounts {
		b.pendingCounts[tp] += n
	}
	if restoreWaiters && len(args.Waiters) > 0 {
		b.waiters = append(append([]chan error{}, args.Waiters...), b.waiters...)
	}
}

// onPartitionsRevoked drops all state (offsets, counts, uncommitted) for
// the given partitions. A waiter has no partition affinity recorded once
// queued, so waiters are judged by the batch as a whole: when the
// revocation leaves no pending offsets for any partition, every queued
// waiter is resumed with ErrRevoked; while offsets for other partitions
// remain, the waiters stay queued for the next commit.
func (b *CommittableBatch) onPartitionsRevoked(partitions []TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	revoked := len(partitions) > 0
	for _, tp := range partitions {
		delete(b.latestOffsets, tp)
		delete(b.pendingCounts, tp)
		delete(b.uncommitted, tp)
	}

	if revoked && len(b.latestOffsets) == 0 && len(b.waiters) > 0 {
		for _, w := range b.waiters {
			w <- ErrRevoked
			close(w)
		}
		b.waiters = nil
	}
}
