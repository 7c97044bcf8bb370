package receiver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventLoop is the poll/pause/resume state machine: it owns the consumer
// thread, drives polling, backpressure, rebalance handling, and commit
// orchestration, and hands record batches downstream over a rendezvous
// channel. One EventLoop is created per subscription.
type EventLoop struct {
	client    Client
	settings  *Settings
	ackMode   AckMode
	metrics   *Metrics
	logger    zerolog.Logger
	isRetryable func(error) bool

	consumerThread *ConsumerThread
	batch          *CommittableBatch
	atMostOnce     *AtMostOnceOffsets
	scheduler      *CommitScheduler

	recordsCh    chan RecordBatch
	sizeSignalCh chan struct{}
	closeSignal  chan struct{}

	isPolling              atomic.Bool
	isPaused               atomic.Bool
	scheduled              atomic.Bool
	commitPending          atomic.Bool
	asyncCommitsInProgress atomic.Int32
	consecutiveFailures    atomic.Int32
	isRetryingCommit       atomic.Bool
	awaitingTransaction    atomic.Bool

	pausedByUserMu sync.Mutex
	pausedByUser   map[TopicPartition]struct{}

	started  atomic.Bool
	closing  atomic.Bool
	fatalErr atomic.Value
	failOnce sync.Once
}

// NewEventLoop constructs an EventLoop. isRetryable classifies a commit
// error reported by client as retryable; it is the caller-supplied
// predicate named throughout §4.6.
func NewEventLoop(client Client, settings *Settings, metrics *Metrics, logger zerolog.Logger, isRetryable func(error) bool) *EventLoop {
	ackMode := settings.AckMode()
	batch := NewCommittableBatch(settings.CommitBatchSize, settings.MaxDeferredCommits)

	e := &EventLoop{
		client:      client,
		settings:    settings,
		ackMode:     ackMode,
		metrics:     metrics,
		logger:      logger,
		isRetryable: isRetryable,

		consumerThread: NewConsumerThread(64, logger, settings.AssertConsumerThread, metrics.ConsumerThreadPanics),
		batch:          batch,
		atMostOnce:     NewAtMostOnceOffsets(),

		recordsCh:    make(chan RecordBatch),
		sizeSignalCh: make(chan struct{}, 1),
		closeSignal:  make(chan struct{}),

		pausedByUser: make(map[TopicPartition]struct{}),
	}
	e.isPolling.Store(true)
	e.scheduler = NewCommitScheduler(settings.Strategy(), e, e.sizeSignalCh)
	return e
}

// Records returns the rendezvous channel record batches are delivered on.
func (e *EventLoop) Records() <-chan RecordBatch {
	return e.recordsCh
}

// Done reports stream termination: closed once the loop has stopped
// delivering batches, either because Close was called or a fatal error
// occurred. Err reports the fatal error, if any.
func (e *EventLoop) Done() <-chan struct{} {
	return e.closeSignal
}

// Err returns the fatal error that terminated the stream, or nil if the
// stream closed cleanly (or has not closed yet).
func (e *EventLoop) Err() error {
	if v := e.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// NewOffset wraps a polled record's offset in the handle downstream
// acknowledges or commits. Exposed so a Client adapter can build
// RecordBatch.Offsets without reaching into EventLoop internals.
func (e *EventLoop) NewOffset(tp TopicPartition, offset int64) *Offset {
	return newOffset(tp, offset, e.batch, e)
}

func (e *EventLoop) signalBatchSizeThreshold() {
	select {
	case e.sizeSignalCh <- struct{}{}:
	default:
	}
}

func (e *EventLoop) streamClosed() bool {
	select {
	case <-e.closeSignal:
		return true
	default:
		return false
	}
}

func (e *EventLoop) reportBatchSize(n int) {
	e.metrics.BatchPendingSize.Set(float64(n))
}

// SetAwaitingTransaction sets or clears the externally-driven flag that
// pauses consumption ahead of a producer transaction boundary (§3,
// §4.5 step 3). Safe to call from any goroutine. Setting it true wakes a
// currently blocking poll so the pause takes effect promptly instead of
// waiting out pollTimeout; clearing it schedules a poll so consumption
// resumes without waiting for the next naturally-scheduled one.
func (e *EventLoop) SetAwaitingTransaction(awaiting bool) {
	e.awaitingTransaction.Store(awaiting)
	if awaiting {
		if e.isPolling.Load() && !e.isRetryingCommit.Load() {
			e.client.Wakeup()
		}
		return
	}
	e.consumerThread.Submit(e.schedulePoll)
}

// scheduleCommitIfRequired may be called from any thread; it debounces a
// commit-enqueue the same way schedulePoll debounces a poll-enqueue.
func (e *EventLoop) scheduleCommitIfRequired() {
	if e.isRetryingCommit.Load() {
		return
	}
	if e.commitPending.CompareAndSwap(false, true) {
		e.consumerThread.Submit(e.commit)
	}
}

// Start subscribes to topics, starts the commit scheduler (for ack modes
// that need one) and schedules the first poll. Safe to call once; later
// calls are no-ops returning the same records channel.
func (e *EventLoop) Start(topics []string, listener RebalanceListener) (<-chan RecordBatch, error) {
	if !e.started.CompareAndSwap(false, true) {
		return e.recordsCh, nil
	}
	if listener == nil {
		listener = e
	}

	e.consumerThread.Start()

	errCh := make(chan error, 1)
	e.consumerThread.Submit(func() {
		errCh <- e.client.Subscribe(topics, listener)
	})
	if err := <-errCh; err != nil {
		e.fail(err)
		return nil, fmt.Errorf("kreactor: subscribe failed: %w", err)
	}

	if e.ackMode == ManualAck || e.ackMode == AutoAck {
		e.scheduler.Start()
	}
	e.consumerThread.Submit(e.schedulePoll)
	return e.recordsCh, nil
}

// schedulePoll debounces a poll-enqueue: at most one poll task is queued
// at a time. Must be called on the consumer thread (directly, or via
// Submit from elsewhere).
func (e *EventLoop) schedulePoll() {
	if !e.scheduled.CompareAndSwap(false, true) {
		return
	}
	e.consumerThread.Submit(func() {
		e.scheduled.Store(false)
		if e.streamClosed() {
			return
		}
		e.poll()
	})
}

// poll runs the six-step poll algorithm. Consumer-thread only.
func (e *EventLoop) poll() {
	e.consumerThread.AssertOnThread()

	// 1. Drive a pending commit, unless a retry is already in flight.
	e.runCommitIfRequired(false)

	// 2. Compute backpressure gates.
	pauseForDeferred := e.settings.MaxDeferredCommits > 0 && e.batch.deferredCount() >= e.settings.MaxDeferredCommits
	shouldPoll := e.isPolling.Load() && !pauseForDeferred && !e.isRetryingCommit.Load()

	// 3. Partition-state transitions.
	if shouldPoll {
		if !e.awaitingTransaction.Load() {
			if e.isPaused.CompareAndSwap(true, false) {
				assigned := e.client.Assignment()
				e.pausedByUserMu.Lock()
				resumeSet := subtractUserPaused(assigned, e.pausedByUser)
				e.pausedByUser = make(map[TopicPartition]struct{})
				e.pausedByUserMu.Unlock()
				if len(resumeSet) > 0 {
					e.client.Resume(resumeSet)
					e.metrics.ResumesTotal.Inc()
				}
			}
		} else {
			e.repauseForTransaction()
		}
	} else {
		e.repauseForTransaction()
	}

	// 4. Poll the client.
	records, err := e.client.Poll(context.Background(), e.settings.PollTimeout)
	e.metrics.PollsTotal.Inc()
	if err != nil {
		if err == ErrWakeup {
			records = RecordBatch{}
		} else {
			e.logger.Error().Err(err).Msg("unexpected poll error, closing stream")
			e.fail(err)
			return
		}
	}

	// 5. Empty batch: reschedule and return.
	if len(records.Records) == 0 {
		e.metrics.PollEmptyTotal.Inc()
		e.schedulePoll()
		return
	}

	// 6. Non-empty: track deferred commits, then hand off downstream.
	if e.settings.MaxDeferredCommits > 0 {
		e.batch.addUncommitted(records.Records)
	}
	if len(records.Offsets) != len(records.Records) {
		records.Offsets = make([]*Offset, len(records.Records))
		for i, r := range records.Records {
			records.Offsets[i] = e.NewOffset(r.TopicPartition, r.Offset)
		}
	}
	for _, r := range records.Records {
		e.metrics.RecordsConsumedTotal.WithLabelValues(r.Topic, partitionLabel(r.Partition)).Inc()
	}

	if e.ackMode == AtMostOnce {
		if err := e.commitAheadOfDelivery(records); err != nil {
			e.logger.Error().Err(err).Msg("at-most-once pre-delivery commit failed, closing stream")
			e.fail(err)
			return
		}
	}

	select {
	case e.recordsCh <- records:
		e.autoAcknowledge(records)
		e.schedulePoll()
	case <-e.closeSignal:
		e.logger.Warn().Msg("stream already closed, dropping polled batch")
	default:
		e.isPolling.Store(false)
		go e.deliverBlocking(records)
	}
}

// commitAheadOfDelivery synchronously commits the next-read-position
// offset for every partition represented in records before any of its
// records are handed downstream. This is AckMode AtMostOnce's entire
// guarantee (§4.6): a crash between this commit and downstream
// processing loses the record rather than redelivering it.
func (e *EventLoop) commitAheadOfDelivery(records RecordBatch) error {
	offsets := make(map[TopicPartition]OffsetAndMetadata, len(records.Records))
	for _, r := range records.Records {
		next := r.Offset + 1
		if cur, ok := offsets[r.TopicPartition]; !ok || next > cur.Offset {
			offsets[r.TopicPartition] = OffsetAndMetadata{Offset: next}
		}
	}
	if err := e.client.CommitSync(offsets); err != nil {
		e.metrics.CommitsTotal.WithLabelValues(e.ackMode.String(), "failure").Inc()
		return err
	}
	e.metrics.CommitsTotal.WithLabelValues(e.ackMode.String(), "success").Inc()
	e.atMostOnce.onCommit(offsets)
	return nil
}

// autoAcknowledge implements AUTO_ACK's "stream transparently
// acknowledges after downstream consumes" contract (§4.6): once the
// rendezvous hand-off has completed, every offset in the batch is
// acknowledged without requiring an explicit Offset.Acknowledge call.
// A no-op under every other ack mode.
func (e *EventLoop) autoAcknowledge(records RecordBatch) {
	if e.ackMode != AutoAck {
		return
	}
	for _, off := range records.Offsets {
		off.Acknowledge()
	}
}

// deliverBlocking performs the blocking rendezvous send off the consumer
// thread so the consumer thread keeps servicing wakeups and commits while
// downstream catches up.
func (e *EventLoop) deliverBlocking(records RecordBatch) {
	select {
	case e.recordsCh <- records:
		e.autoAcknowledge(records)
	case <-e.closeSignal:
		e.logger.Warn().Msg("stream closed while awaiting downstream, dropping polled batch")
		return
	}
	if e.isPaused.Load() {
		e.client.Wakeup()
	}
	e.isPolling.Store(true)
	e.consumerThread.Submit(e.schedulePoll)
}

// repauseForTransaction pauses the current assignment, snapshotting the
// pre-existing user-paused set the first time the pause becomes fresh.
func (e *EventLoop) repauseForTransaction() {
	fresh := e.pauseAndWakeupIfNeeded()
	if !fresh {
		return
	}
	paused := e.client.Paused()
	e.pausedByUserMu.Lock()
	e.pausedByUser = make(map[TopicPartition]struct{}, len(paused))
	for _, tp := range paused {
		e.pausedByUser[tp] = struct{}{}
	}
	e.pausedByUserMu.Unlock()
	e.client.Pause(e.client.Assignment())
}

// pauseAndWakeupIfNeeded sets is_paused, returning whether the transition
// was fresh. A fresh pause while actively polling (and not mid commit
// retry) interrupts any currently blocking poll so the loop re-enters the
// state machine promptly instead of waiting out pollTimeout.
func (e *EventLoop) pauseAndWakeupIfNeeded() bool {
	fresh := e.isPaused.CompareAndSwap(false, true)
	if fresh {
		e.metrics.PausesTotal.Inc()
		if e.isPolling.Load() && !e.isRetryingCommit.Load() {
			e.client.Wakeup()
		}
	}
	return fresh
}

// OnPartitionsAssigned implements RebalanceListener. Runs on the consumer
// thread.
func (e *EventLoop) OnPartitionsAssigned(_ context.Context, partitions []TopicPartition) {
	if e.isPaused.Load() && len(partitions) > 0 {
		e.client.Pause(partitions)
		return
	}

	e.pausedByUserMu.Lock()
	assignedSet := make(map[TopicPartition]struct{}, len(partitions))
	for _, tp := range partitions {
		assignedSet[tp] = struct{}{}
	}
	snapshot := make([]TopicPartition, 0, len(e.pausedByUser))
	for tp := range e.pausedByUser {
		snapshot = append(snapshot, tp)
	}
	toRepause := make([]TopicPartition, 0, len(snapshot))
	for _, tp := range snapshot {
		if _, ok := assignedSet[tp]; ok {
			toRepause = append(toRepause, tp)
		} else {
			delete(e.pausedByUser, tp)
		}
	}
	e.pausedByUserMu.Unlock()

	if len(toRepause) > 0 {
		e.client.Pause(toRepause)
	}
}

// OnPartitionsRevoked implements RebalanceListener. Runs on the consumer
// thread.
func (e *EventLoop) OnPartitionsRevoked(_ context.Context, partitions []TopicPartition) {
	if e.ackMode != AtMostOnce && len(partitions) > 0 {
		e.runCommitIfRequired(true)
	}
	e.batch.onPartitionsRevoked(partitions)
}

// runCommitIfRequired drives a commit. force=true (shutdown, revoke) runs
// one regardless of the commit_pending debounce flag; force=false only
// runs if a commit is already pending and no retry is in flight.
func (e *EventLoop) runCommitIfRequired(force bool) {
	if force {
		e.commitPending.Store(true)
		e.commit()
		return
	}
	if e.commitPending.Load() && !e.isRetryingCommit.Load() {
		e.commit()
	}
}

// commit drains the batch and dispatches by ack mode. Consumer-thread
// only.
func (e *EventLoop) commit() {
	if !e.commitPending.CompareAndSwap(true, false) {
		return
	}
	args := e.batch.getAndClearOffsets()
	if args.Empty() {
		e.commitSuccess(args, nil)
		return
	}
	switch e.ackMode {
	case ManualAck, AutoAck:
		e.commitAsync(args)
	case AtMostOnce:
		e.commitSync(args)
	case ExactlyOnce:
		// Offsets are committed by the producer's transaction; the core
		// never touches the broker here but still resolves waiters, since
		// nothing else ever will for this drained args.
		e.commitSuccess(args, args.Offsets)
	}
}

func (e *EventLoop) commitAsync(args CommitArgs) {
	e.asyncCommitsInProgress.Add(1)
	e.client.CommitAsync(args.Offsets, func(offsets map[TopicPartition]OffsetAndMetadata, err error) {
		// The outcome is handed back to the consumer thread before the
		// in-flight count drops, so shutdown's drain loop never stops
		// the thread ahead of it.
		e.consumerThread.Submit(func() {
			if err != nil {
				e.commitFailure(args, err)
				return
			}
			e.commitSuccess(args, offsets)
		})
		e.asyncCommitsInProgress.Add(-1)
	})
	// The client needs a subsequent poll to drive async commit callback
	// delivery; submitted as a task rather than called inline to avoid
	// recursing into poll() from within poll()'s own commit step.
	e.consumerThread.Submit(e.poll)
}

func (e *EventLoop) commitSync(args CommitArgs) {
	err := e.client.CommitSync(args.Offsets)
	if err != nil {
		e.commitFailure(args, err)
		return
	}
	e.commitSuccess(args, args.Offsets)
	e.atMostOnce.onCommit(args.Offsets)
}

func (e *EventLoop) commitSuccess(args CommitArgs, offsets map[TopicPartition]OffsetAndMetadata) {
	if len(offsets) > 0 {
		e.consecutiveFailures.Store(0)
		e.metrics.ConsecutiveCommitFails.Set(0)
	}
	e.metrics.CommitsTotal.WithLabelValues(e.ackMode.String(), "success").Inc()
	e.metrics.DeferredCommits.Set(float64(e.batch.deferredCount()))
	e.metrics.BatchPendingSize.Set(float64(e.batch.batchSize()))

	if e.isRetryingCommit.CompareAndSwap(true, false) {
		e.consumerThread.Submit(e.poll)
	}
	for _, w := range args.Waiters {
		w <- nil
		close(w)
	}
}

// commitFailure implements the logically-corrected decision table (see
// DESIGN.md's Open Question log): retry iff the error is retryable and
// the failure budget is not yet exhausted; otherwise surface the error
// to waiters, or close the stream if the drained args had none.
func (e *EventLoop) commitFailure(args CommitArgs, err error) {
	retryable := e.isRetryable != nil && e.isRetryable(err)
	e.metrics.CommitsTotal.WithLabelValues(e.ackMode.String(), "failure").Inc()

	failures := e.consecutiveFailures.Load()
	if retryable && int(failures)+1 < e.settings.MaxCommitAttempts {
		e.consecutiveFailures.Add(1)
		e.metrics.ConsecutiveCommitFails.Set(float64(failures + 1))
		e.metrics.CommitRetriesTotal.Inc()

		e.batch.restoreOffsets(args, true)
		e.commitPending.Store(true)
		e.isRetryingCommit.Store(true)
		e.consumerThread.Submit(e.poll)

		interval := e.settings.CommitRetryInterval
		time.AfterFunc(interval, func() {
			e.consumerThread.Submit(func() {
				e.isRetryingCommit.Store(false)
				e.commit()
			})
		})
		return
	}

	wrapped := &CommitError{Err: err, Retryable: retryable}
	if len(args.Waiters) == 0 {
		e.logger.Error().Err(err).Msg("commit failed with no waiters to notify, closing stream")
		e.fail(wrapped)
		return
	}

	e.batch.restoreOffsets(CommitArgs{Offsets: args.Offsets, PartitionsToCounts: args.PartitionsToCounts}, false)
	e.commitPending.Store(false)
	for _, w := range args.Waiters {
		w <- wrapped
		close(w)
	}
}

// Close runs the shutdown sequence on the consumer thread: a final
// forced commit, draining in-flight async commits, and closing the
// client, within the given timeout and a three-attempt retry budget.
func (e *EventLoop) Close(ctx context.Context, timeout time.Duration) error {
	if !e.closing.CompareAndSwap(false, true) {
		<-e.closeSignal
		return e.Err()
	}

	deadline := time.Now().Add(timeout)
	done := make(chan error, 1)
	e.consumerThread.Submit(func() {
		done <- e.shutdown(ctx, deadline)
	})

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if e.ackMode == ManualAck || e.ackMode == AutoAck {
		e.scheduler.Stop()
	}
	e.consumerThread.Stop()
	e.fail(err)
	return err
}

func (e *EventLoop) shutdown(ctx context.Context, deadline time.Time) error {
	const maxAttempts = 3
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		forceCommit := true
		if e.ackMode == AtMostOnce {
			forceCommit = e.atMostOnce.undoCommitAhead(e.batch)
		}

		if e.ackMode != ExactlyOnce {
			e.runCommitIfRequired(forceCommit)
			for e.asyncCommitsInProgress.Load() > 0 && time.Now().Before(deadline) {
				_, _ = e.client.Poll(ctx, time.Millisecond)
			}
		}

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := e.client.Close(remaining); err == nil {
			return nil
		} else {
			lastErr = err
			e.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("close attempt failed, retrying")
		}
	}
	return fmt.Errorf("kreactor: close failed after %d attempts: %w", maxAttempts, lastErr)
}

func (e *EventLoop) fail(err error) {
	e.failOnce.Do(func() {
		if err != nil {
			e.fatalErr.Store(err)
		}
		close(e.closeSignal)
	})
}

func subtractUserPaused(assigned []TopicPartition, userPaused map[TopicPartition]struct{}) []TopicPartition {
	out := make([]TopicPartition, 0, len(assigned))
	for _, tp := range assigned {
		if _, ok := userPaused[tp]; !ok {
			out = append(out, tp)
		}
	}
	return out
}

func partitionLabel(p int32) string {
	return fmt.Sprintf("%d", p)
}
