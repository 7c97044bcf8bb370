package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is the in-memory Client used to exercise the event loop's
// testable properties (spec §8) without a real broker.
type fakeClient struct {
	mu         sync.Mutex
	assignment []TopicPartition
	paused     map[TopicPartition]bool
	listener   RebalanceListener

	pollQueue chan RecordBatch
	cancelMu  sync.Mutex
	cancel    context.CancelFunc

	commitAsyncResults []func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error)
	commitAsyncCalls   atomic.Int32

	commitSyncErr   error
	commitSyncCalls []map[TopicPartition]OffsetAndMetadata

	closed atomic.Bool
}

func newFakeClient(assignment []TopicPartition) *fakeClient {
	return &fakeClient{
		assignment: assignment,
		paused:     make(map[TopicPartition]bool),
		pollQueue:  make(chan RecordBatch, 16),
	}
}

func (f *fakeClient) Subscribe(_ []string, listener RebalanceListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = listener
	return nil
}

func (f *fakeClient) Poll(ctx context.Context, timeout time.Duration) (RecordBatch, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	f.cancelMu.Lock()
	f.cancel = cancel
	f.cancelMu.Unlock()
	defer cancel()

	select {
	case rb := <-f.pollQueue:
		return rb, nil
	case <-pollCtx.Done():
		if ctx.Err() == nil {
			return RecordBatch{}, ErrWakeup
		}
		return RecordBatch{}, nil
	}
}

func (f *fakeClient) Wakeup() {
	f.cancelMu.Lock()
	defer f.cancelMu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *fakeClient) Pause(partitions []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range partitions {
		f.paused[tp] = true
	}
}

func (f *fakeClient) Resume(partitions []TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range partitions {
		delete(f.paused, tp)
	}
}

func (f *fakeClient) Assignment() []TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TopicPartition, len(f.assignment))
	copy(out, f.assignment)
	return out
}

func (f *fakeClient) Paused() []TopicPartition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TopicPartition, 0, len(f.paused))
	for tp := range f.paused {
		out = append(out, tp)
	}
	return out
}

func (f *fakeClient) CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, cb func(map[TopicPartition]OffsetAndMetadata, error)) {
	idx := int(f.commitAsyncCalls.Add(1)) - 1
	go func() {
		if idx < len(f.commitAsyncResults) {
			got, err := f.commitAsyncResults[idx](offsets)
			cb(got, err)
			return
		}
		cb(offsets, nil)
	}()
}

func (f *fakeClient) CommitSync(offsets map[TopicPartition]OffsetAndMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitSyncCalls = append(f.commitSyncCalls, offsets)
	return f.commitSyncErr
}

func (f *fakeClient) syncCommitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commitSyncCalls)
}

func (f *fakeClient) lastSyncCommit() map[TopicPartition]OffsetAndMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commitSyncCalls) == 0 {
		return nil
	}
	return f.commitSyncCalls[len(f.commitSyncCalls)-1]
}

func (f *fakeClient) Close(time.Duration) error {
	f.closed.Store(true)
	return nil
}

func testSettings() *Settings {
	return &Settings{
		PollTimeout:         20 * time.Millisecond,
		CommitStrategyKind:  "size_or_time",
		CommitBatchSize:     0,
		CommitInterval:      30 * time.Millisecond,
		CommitRetryInterval: 10 * time.Millisecond,
		MaxCommitAttempts:   5,
		MaxDeferredCommits:  0,
		CloseTimeout:        time.Second,
		AckModeName:         "manual",
	}
}

func newTestLoop(t *testing.T, client *fakeClient, settings *Settings, isRetryable func(error) bool) *EventLoop {
	t.Helper()
	metrics := NewMetrics(nil, "test-group")
	return NewEventLoop(client, settings, metrics, zerolog.Nop(), isRetryable)
}

func TestEventLoop_HappyPath_DeliversAndCommits(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	settings := testSettings()
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	records, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	batch := RecordBatch{Records: []Record{{TopicPartition: tp, Offset: 0}}}
	batch.Offsets = []*Offset{loop.NewOffset(tp, 0)}
	client.pollQueue <- batch

	select {
	case received := <-records:
		require.Len(t, received.Records, 1)
		received.Offsets[0].Acknowledge()
	case <-time.After(time.Second):
		t.Fatal("expected a record batch to be delivered")
	}

	require.Eventually(t, func() bool {
		return client.commitAsyncCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond, "expected a commit to be attempted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
	assert.True(t, client.closed.Load())
}

func TestEventLoop_RetryableCommitFailure_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	client.commitAsyncResults = []func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error){
		func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error) {
			return nil, errors.New("retryable broker timeout")
		},
		func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error) {
			return nil, errors.New("retryable broker timeout")
		},
		func(offsets map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error) {
			return offsets, nil
		},
	}
	settings := testSettings()
	settings.MaxCommitAttempts = 5
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	records, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	batch := RecordBatch{Records: []Record{{TopicPartition: tp, Offset: 0}}}
	offset := loop.NewOffset(tp, 0)
	batch.Offsets = []*Offset{offset}
	client.pollQueue <- batch

	select {
	case received := <-records:
		received.Offsets[0].Acknowledge()
	case <-time.After(time.Second):
		t.Fatal("expected a record batch to be delivered")
	}

	require.Eventually(t, func() bool {
		return client.commitAsyncCalls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond, "expected three commit attempts")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}

func TestEventLoop_NonRetryableCommitFailure_RejectsWaiterStreamStaysOpen(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	wantErr := errors.New("non-retryable: unknown member id")
	client.commitAsyncResults = []func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error){
		func(map[TopicPartition]OffsetAndMetadata) (map[TopicPartition]OffsetAndMetadata, error) {
			return nil, wantErr
		},
	}
	settings := testSettings()
	loop := newTestLoop(t, client, settings, func(error) bool { return false })

	records, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	tp2 := tp
	batch := RecordBatch{Records: []Record{{TopicPartition: tp2, Offset: 0}}}
	offset := loop.NewOffset(tp2, 0)
	batch.Offsets = []*Offset{offset}
	client.pollQueue <- batch

	var waiter <-chan error
	select {
	case received := <-records:
		waiter = received.Offsets[0].Commit()
	case <-time.After(time.Second):
		t.Fatal("expected a record batch to be delivered")
	}

	select {
	case err := <-waiter:
		var commitErr *CommitError
		require.ErrorAs(t, err, &commitErr)
		assert.False(t, commitErr.Retryable)
	case <-time.After(time.Second):
		t.Fatal("expected commit waiter to be rejected")
	}

	select {
	case <-loop.Done():
		t.Fatal("stream must stay open after a rejected waiter with attempts remaining")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}

func TestEventLoop_AtMostOnce_CommitsBeforeDelivery(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	settings := testSettings()
	settings.AckModeName = "at_most_once"
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	records, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	batch := RecordBatch{Records: []Record{{TopicPartition: tp, Offset: 7}}}
	batch.Offsets = []*Offset{loop.NewOffset(tp, 7)}
	client.pollQueue <- batch

	// Spec §8 scenario 6: the sync commit of o+1 must be recorded before
	// the record is ever handed downstream.
	require.Eventually(t, func() bool {
		return client.syncCommitCount() >= 1
	}, time.Second, 5*time.Millisecond, "expected a sync commit ahead of delivery")
	assert.Equal(t, OffsetAndMetadata{Offset: 8}, client.lastSyncCommit()[tp])

	select {
	case received := <-records:
		require.Len(t, received.Records, 1)
		assert.Equal(t, int64(7), received.Records[0].Offset)
	case <-time.After(time.Second):
		t.Fatal("expected the record to still be delivered after the pre-commit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}

func TestEventLoop_AtMostOnce_PreDeliveryCommitFailureClosesStream(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	client.commitSyncErr = errors.New("broker unavailable")
	settings := testSettings()
	settings.AckModeName = "at_most_once"
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	_, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	batch := RecordBatch{Records: []Record{{TopicPartition: tp, Offset: 0}}}
	batch.Offsets = []*Offset{loop.NewOffset(tp, 0)}
	client.pollQueue <- batch

	select {
	case <-loop.Done():
		require.Error(t, loop.Err())
	case <-time.After(time.Second):
		t.Fatal("expected the stream to close after a failed pre-delivery commit")
	}
}

func TestEventLoop_AutoAck_AcknowledgesOnDelivery(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	settings := testSettings()
	settings.AckModeName = "auto"
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	records, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	batch := RecordBatch{Records: []Record{{TopicPartition: tp, Offset: 4}}}
	batch.Offsets = []*Offset{loop.NewOffset(tp, 4)}
	client.pollQueue <- batch

	select {
	case <-records:
		// Downstream deliberately never calls Acknowledge: AutoAck must
		// commit on its own once the record has been handed off.
	case <-time.After(time.Second):
		t.Fatal("expected a record batch to be delivered")
	}

	require.Eventually(t, func() bool {
		return client.commitAsyncCalls.Load() >= 1
	}, time.Second, 5*time.Millisecond, "expected auto-ack to drive a commit without an explicit Acknowledge call")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}

func TestEventLoop_SetAwaitingTransaction_PausesAndResumesConsumption(t *testing.T) {
	t.Parallel()
	tp := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp})
	settings := testSettings()
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	_, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	loop.SetAwaitingTransaction(true)
	require.Eventually(t, func() bool {
		return len(client.Paused()) == 1
	}, time.Second, 5*time.Millisecond, "assignment must be paused while awaiting a transaction")

	loop.SetAwaitingTransaction(false)
	require.Eventually(t, func() bool {
		return len(client.Paused()) == 0
	}, time.Second, 5*time.Millisecond, "assignment must resume once the transaction flag clears")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}

func TestEventLoop_RebalanceRepause(t *testing.T) {
	t.Parallel()
	tp0 := TopicPartition{Topic: "orders", Partition: 0}
	client := newFakeClient([]TopicPartition{tp0})
	settings := testSettings()
	loop := newTestLoop(t, client, settings, func(error) bool { return true })

	_, err := loop.Start([]string{"orders"}, nil)
	require.NoError(t, err)

	// Holding awaitingTransaction keeps the running poll loop from
	// clearing the global pause between these two calls and the check.
	loop.awaitingTransaction.Store(true)
	loop.isPaused.Store(true)
	loop.OnPartitionsAssigned(context.Background(), []TopicPartition{tp0})

	require.Eventually(t, func() bool {
		return client.Paused() != nil && len(client.Paused()) == 1
	}, time.Second, 5*time.Millisecond, "newly assigned partition must be re-paused while globally paused")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, loop.Close(ctx, settings.CloseTimeout))
}
