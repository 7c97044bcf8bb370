package receiver

import "sync"

// AtMostOnceOffsets tracks, per partition, the offset already
// sync-committed ahead of delivery under AckMode AtMostOnce. It exists
// solely to avoid a redundant re-commit at shutdown of offsets that were
// already committed before their records were ever handed downstream.
type AtMostOnceOffsets struct {
	mu            sync.Mutex
	committedFrom map[TopicPartition]int64
}

// NewAtMostOnceOffsets constructs an empty tracker.
func NewAtMostOnceOffsets() *AtMostOnceOffsets {
	return &AtMostOnceOffsets{
		committedFrom: make(map[TopicPartition]int64),
	}
}

// onCommit records offsets as "committed ahead" of delivery.
func (a *AtMostOnceOffsets) onCommit(offsets map[TopicPartition]OffsetAndMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for tp, oam := range offsets {
		if cur, ok := a.committedFrom[tp]; !ok || oam.Offset > cur {
			a.committedFrom[tp] = oam.Offset
		}
	}
}

// undoCommitAhead is consulted at shutdown. For each partition where the
// already-committed-ahead offset exceeds what the batch has accumulated,
// the batch's pending offset for that partition is dropped (it has
// already been superseded on the broker, so no further commit is
// required). Returns whether it corrected any entry.
func (a *AtMostOnceOffsets) undoCommitAhead(batch *CommittableBatch) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch.mu.Lock()
	defer batch.mu.Unlock()

	corrected := false
	for tp, aheadOffset := range a.committedFrom {
		pending, ok := batch.latestOffsets[tp]
		if !ok {
			continue
		}
		// batch.latestOffsets stores the max seen offset (not +1 yet);
		// the committed-ahead value is already in next-read-position
		// form, so compare against pending+1.
		if aheadOffset > pending+1 {
			delete(batch.latestOffsets, tp)
			delete(batch.pendingCounts, tp)
			corrected = true
		}
	}
	return corrected
}
